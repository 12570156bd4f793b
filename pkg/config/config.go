package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DefaultSTUNServer is used when the environment file does not name one.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// Config holds the playback engine's deployment settings
type Config struct {
	// RecordingsDir is the root directory recordings are resolved under.
	RecordingsDir string
	// STUNServer is handed to the WebRTC peer for ICE gathering.
	STUNServer string
}

// Load reads configuration from a .env file
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := &Config{STUNServer: DefaultSTUNServer}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key=value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "recordings_dir":
			cfg.RecordingsDir = value
		case "stun_server":
			cfg.STUNServer = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present
func (c *Config) Validate() error {
	if c.RecordingsDir == "" {
		return fmt.Errorf("missing recordings_dir")
	}
	if c.STUNServer == "" {
		return fmt.Errorf("missing stun_server")
	}
	return nil
}
