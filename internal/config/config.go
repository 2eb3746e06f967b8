// Package config loads the YAML configuration of the command-line tools.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config describes a card, the key to authenticate with and the reader to
// use. All fields are optional; the tools apply defaults.
type Config struct {
	Reader ReaderConfig `yaml:"reader"`
	Card   CardConfig   `yaml:"card"`
	Auth   AuthConfig   `yaml:"auth"`
}

type ReaderConfig struct {
	Index *int `yaml:"index"`
}

type CardConfig struct {
	AID string `yaml:"aid"` // 6 hex chars, default 000000 (PICC level)
}

type AuthConfig struct {
	KeyNo   *int   `yaml:"key_no"`
	KeyType string `yaml:"key_type"` // des, 2k3des, 3k3des, aes
	KeyHex  string `yaml:"key_hex"`
	KeyFile string `yaml:"key_hex_file"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field syntax; semantic checks (key length vs type) are
// left to the library.
func (c *Config) Validate() error {
	if c.Reader.Index != nil && *c.Reader.Index < 0 {
		return fmt.Errorf("reader.index must not be negative")
	}
	if c.Card.AID != "" {
		if _, err := c.AID(); err != nil {
			return err
		}
	}
	if c.Auth.KeyHex != "" && c.Auth.KeyFile != "" {
		return fmt.Errorf("auth.key_hex and auth.key_hex_file are mutually exclusive")
	}
	if c.Auth.KeyHex != "" {
		if _, err := hex.DecodeString(c.Auth.KeyHex); err != nil {
			return fmt.Errorf("auth.key_hex is not valid hex: %v", err)
		}
	}
	switch strings.ToLower(c.Auth.KeyType) {
	case "", "des", "2k3des", "3k3des", "aes":
	default:
		return fmt.Errorf("auth.key_type %q unknown (des, 2k3des, 3k3des, aes)", c.Auth.KeyType)
	}
	return nil
}

// ReaderIndex returns the configured reader index, defaulting to 0.
func (c *Config) ReaderIndex() int {
	if c.Reader.Index != nil {
		return *c.Reader.Index
	}
	return 0
}

// KeyNo returns the configured key number, defaulting to 0.
func (c *Config) KeyNo() byte {
	if c.Auth.KeyNo != nil {
		return byte(*c.Auth.KeyNo)
	}
	return 0
}

// AID returns the configured 3-byte AID, defaulting to PICC level.
func (c *Config) AID() ([]byte, error) {
	if c.Card.AID == "" {
		return []byte{0x00, 0x00, 0x00}, nil
	}
	aid, err := hex.DecodeString(c.Card.AID)
	if err != nil || len(aid) != 3 {
		return nil, fmt.Errorf("card.aid must be 6 hex chars")
	}
	return aid, nil
}

// Key resolves the authentication key from the inline hex or the key file.
func (c *Config) Key() ([]byte, error) {
	if c.Auth.KeyHex != "" {
		return hex.DecodeString(c.Auth.KeyHex)
	}
	if c.Auth.KeyFile != "" {
		return LoadKeyHexFile(c.Auth.KeyFile)
	}
	return nil, fmt.Errorf("no key configured (auth.key_hex or auth.key_hex_file)")
}

// LoadKeyHexFile loads a key from a file holding one line of hex.
func LoadKeyHexFile(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key in %s: %v", path, err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("key file %s is empty", path)
}
