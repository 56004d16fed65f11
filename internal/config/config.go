package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Channel is the fixed tag value shared by all participants. Events not
// carrying it are ignored by the reconciler.
const Channel = "trollbox"

var defaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// Settings is the persisted configuration consumed read-only by the core.
// The signing key itself lives next to it under DataDir (see identity).
type Settings struct {
	Relays      []string `yaml:"relays"`
	DisplayName string   `yaml:"display_name"`
	DataDir     string   `yaml:"data_dir"`
}

func DefaultDataDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".trollbox")
}

// Load reads trollbox.yaml from dir, after overlaying a .env file (if any)
// onto the process environment. A missing settings file yields defaults.
func Load(dir string) (Settings, error) {
	if dir == "" {
		dir = DefaultDataDir()
	}
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	s := Settings{DataDir: dir}
	data, err := os.ReadFile(filepath.Join(dir, "trollbox.yaml"))
	if err == nil {
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parse trollbox.yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return Settings{}, err
	}
	if s.DataDir == "" {
		s.DataDir = dir
	}
	if raw := strings.TrimSpace(os.Getenv("TROLLBOX_RELAYS")); raw != "" {
		s.Relays = splitList(raw)
	}
	if name := strings.TrimSpace(os.Getenv("TROLLBOX_NAME")); name != "" {
		s.DisplayName = name
	}
	if len(s.Relays) == 0 {
		s.Relays = append([]string(nil), defaultRelays...)
	}
	if s.DisplayName == "" {
		s.DisplayName = "anon"
	}
	return s, nil
}

// Save rewrites trollbox.yaml. Only the settings owner (the CLI) calls this;
// the core never writes settings.
func Save(s Settings) error {
	if s.DataDir == "" {
		return fmt.Errorf("missing data dir")
	}
	if err := os.MkdirAll(s.DataDir, 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.DataDir, "trollbox.yaml"), data, 0600)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// EnvInt reads an integer tunable, returning ok=false when unset or bad.
func EnvInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// EnvDuration reads a "_MS" suffixed tunable as a duration.
func EnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := EnvInt(key); ok && v > 0 {
		return time.Duration(v) * time.Millisecond
	}
	return fallback
}
