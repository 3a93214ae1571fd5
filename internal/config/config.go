// Package config holds the runtime configuration of both roles.
package config

import (
	"errors"
	"fmt"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/kelseyhightower/envconfig"
)

// Role represents the user's chosen role.
type Role string

const (
	RoleShare   Role = "share"
	RoleReceive Role = "receive"
)

// Prefix is the environment variable prefix, e.g. SCREENCAST_ORIGIN.
const Prefix = "screencast"

// Config stores every parameter of a run. Values come from the environment
// (and a .env file), and CLI flags override them.
type Config struct {
	Role Role `envconfig:"role"`

	// Sharer
	Origin       string        `envconfig:"origin"` // page origin the signaling endpoint derives from
	Screen       int           `envconfig:"screen" default:"0"`
	FPS          int           `envconfig:"fps" default:"20"`
	MaxWidth     int           `envconfig:"max_width" default:"1280"`
	Preview      string        `envconfig:"preview" default:"screencast-preview.png"` // where "Save preview" writes
	AutoAccept   bool          `envconfig:"auto_accept"`                              // grant capture without prompting
	Insecure     bool          `envconfig:"insecure"`                                 // skip TLS verification of the signaling endpoint
	PingInterval time.Duration `envconfig:"ping_interval" default:"30s"`

	// Receiver
	Listen      string        `envconfig:"listen" default:":8000"`
	CertFile    string        `envconfig:"cert_file"`
	KeyFile     string        `envconfig:"key_file"`
	PLIInterval time.Duration `envconfig:"pli_interval" default:"2s"`

	ICEServers []string `envconfig:"ice_servers" default:"stun:stun.l.google.com:19302"`
	Debug      bool     `envconfig:"debug"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields required by the configured role.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleShare:
		if c.Origin == "" {
			return errors.New("missing origin for share role")
		}
		if c.FPS < 1 || c.FPS > 60 {
			return fmt.Errorf("invalid fps %d: must be 1~60", c.FPS)
		}
		if c.Screen < 0 {
			return fmt.Errorf("invalid screen index %d", c.Screen)
		}
	case RoleReceive:
		if c.Listen == "" {
			return errors.New("missing listen address for receive role")
		}
		if (c.CertFile == "") != (c.KeyFile == "") {
			return errors.New("cert and key files must be given together")
		}
	case "":
		return errors.New("missing role")
	default:
		return fmt.Errorf("invalid role %q: must be 'share' or 'receive'", c.Role)
	}
	return nil
}

// TLS reports whether the receiver serves over TLS.
func (c *Config) TLS() bool {
	return c.CertFile != "" && c.KeyFile != ""
}
