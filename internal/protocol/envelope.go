// Package protocol defines the envelope exchanged over the signaling channel.
package protocol

// Name identifies the kind of envelope.
type Name string

// Recognized envelope names.
const (
	NameStart  Name = "start"  // sharer is about to stream
	NameStop   Name = "stop"   // sharer stopped streaming
	NameOffer  Name = "offer"  // data holds a JSON session description
	NameAnswer Name = "answer" // data holds a JSON session description
)

// Known reports whether n is one of the recognized names.
func (n Name) Known() bool {
	switch n {
	case NameStart, NameStop, NameOffer, NameAnswer:
		return true
	}
	return false
}

// Envelope is the JSON unit sent over the signaling channel.
type Envelope struct {
	Name Name   `json:"name"`
	Data string `json:"data"`
}

// Command returns a control envelope with empty data.
func Command(name Name) Envelope {
	return Envelope{Name: name}
}
