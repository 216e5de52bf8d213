package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnv builds a Config from environment variables — the external
// collaborator boundary §7 describes as "consumed, not specified here".
// CAMERAS lists camera ids (comma-separated); each id's fields are read
// from CAMERA_<SANITIZED_ID>_* variables.
func LoadFromEnv() (Config, error) {
	camerasEnv := os.Getenv("CAMERAS")
	if camerasEnv == "" {
		return Config{}, fmt.Errorf("config: CAMERAS is required (comma-separated camera ids)")
	}

	var cfg Config
	cfg.General = General{
		CatalogPath: os.Getenv("CATALOG_PATH"),
		LogLevel:    getenvDefault("LOG_LEVEL", "info"),
	}

	eventTimeout, err := parseSecondsEnv("EVENT_TIMEOUT")
	if err != nil {
		return Config{}, err
	}
	cfg.General.EventTimeout = eventTimeout

	stabilityWindow, err := parseSecondsEnv("STABILITY_WINDOW")
	if err != nil {
		return Config{}, err
	}
	cfg.General.StabilityWindow = stabilityWindow

	cfg.MQTT = MQTT{
		Host:            os.Getenv("MQTT_HOST"),
		Port:            getenvIntDefault("MQTT_PORT", 1883),
		Username:        os.Getenv("MQTT_USERNAME"),
		Password:        os.Getenv("MQTT_PASSWORD"),
		BaseTopic:       getenvDefault("MQTT_BASE_TOPIC", "hik2mqtt"),
		DiscoveryPrefix: getenvDefault("MQTT_DISCOVERY_PREFIX", "homeassistant"),
		ClientID:        getenvDefault("MQTT_CLIENT_ID", "hik2mqtt"),
	}

	for _, id := range splitCSV(camerasEnv) {
		cam, err := cameraFromEnv(id)
		if err != nil {
			return Config{}, err
		}
		cfg.Cameras = append(cfg.Cameras, cam)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func cameraFromEnv(id string) (Camera, error) {
	prefix := "CAMERA_" + sanitizeEnvKey(id) + "_"

	host := os.Getenv(prefix + "HOST")
	if host == "" {
		return Camera{}, fmt.Errorf("config: %sHOST is required for camera %q", prefix, id)
	}

	timeout, err := parseSecondsEnv(prefix + "EVENT_TIMEOUT")
	if err != nil {
		return Camera{}, err
	}

	cam := Camera{
		ID:           id,
		Host:         host,
		Port:         getenvIntDefault(prefix+"PORT", 80),
		Username:     os.Getenv(prefix + "USERNAME"),
		Password:     os.Getenv(prefix + "PASSWORD"),
		Name:         os.Getenv(prefix + "NAME"),
		UseTLS:       getenvBool(prefix + "TLS"),
		EventTimeout: timeout,
	}

	if ignored := os.Getenv(prefix + "IGNORED_EVENT_TYPES"); ignored != "" {
		cam.IgnoredEventTypes = make(map[string]struct{})
		for _, t := range splitCSV(ignored) {
			cam.IgnoredEventTypes[t] = struct{}{}
		}
	}
	return cam, nil
}

func parseSecondsEnv(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer number of seconds: %w", key, err)
	}
	return time.Duration(secs) * time.Second, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getenvBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sanitizeEnvKey(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
