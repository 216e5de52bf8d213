// Package config defines the validated record shapes the core consumes,
// validates them, and (in env.go) builds them from environment variables.
// Config files (TOML) and command-line flags are not read here.
package config

import (
	"fmt"
	"time"
)

// Camera is one configured Hikvision device.
type Camera struct {
	ID                string
	Host              string
	Port              int
	Username          string
	Password          string
	Name              string
	UseTLS            bool
	IgnoredEventTypes map[string]struct{}
	EventTimeout      time.Duration // zero means "use General.EventTimeout"
}

// MQTT is the outbound broker connection the bridge publishes through.
type MQTT struct {
	Host            string
	Port            int
	Username        string
	Password        string
	BaseTopic       string
	DiscoveryPrefix string
	ClientID        string
}

// General holds bridge-wide settings.
type General struct {
	CatalogPath     string
	LogLevel        string // "info" (default) or "debug"
	EventTimeout    time.Duration
	StabilityWindow time.Duration
}

// Config is the fully assembled, already-validated configuration record.
type Config struct {
	Cameras []Camera
	MQTT    MQTT
	General General
}

// Validate enforces the invariants the core relies on (§3): unique camera
// ids, non-empty connection fields, non-negative timeouts. It does not
// touch the filesystem or network.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("config: camera with empty id")
		}
		if _, dup := seen[cam.ID]; dup {
			return fmt.Errorf("config: duplicate camera id %q", cam.ID)
		}
		seen[cam.ID] = struct{}{}
		if cam.Host == "" {
			return fmt.Errorf("config: camera %q missing host", cam.ID)
		}
		if cam.EventTimeout < 0 {
			return fmt.Errorf("config: camera %q has negative event_timeout", cam.ID)
		}
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("config: mqtt host is required")
	}
	if c.MQTT.BaseTopic == "" {
		return fmt.Errorf("config: mqtt base_topic is required")
	}
	if c.General.EventTimeout < 0 {
		return fmt.Errorf("config: general event_timeout must not be negative")
	}
	return nil
}

// EventTimeoutFor resolves the effective per-event expiry for a camera,
// falling back to the general default and finally a hardcoded 5s.
func (c Config) EventTimeoutFor(cam Camera) time.Duration {
	if cam.EventTimeout > 0 {
		return cam.EventTimeout
	}
	if c.General.EventTimeout > 0 {
		return c.General.EventTimeout
	}
	return 5 * time.Second
}

// IsIgnored reports whether eventType is in the camera's ignore set.
func (cam Camera) IsIgnored(eventType string) bool {
	if len(cam.IgnoredEventTypes) == 0 {
		return false
	}
	_, ignored := cam.IgnoredEventTypes[eventType]
	return ignored
}
