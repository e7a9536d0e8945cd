package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is mrtdread's on-disk configuration: which reader to use, the
// MRZ fields to derive BAC/PACE keys from, and which data groups to
// fetch once a secure channel is established.
type Config struct {
	Runtime RuntimeConfig `yaml:"runtime"`
	MRZ     MRZConfig     `yaml:"mrz"`
	Access  AccessConfig  `yaml:"access"`
	Read    ReadConfig    `yaml:"read"`
}

type RuntimeConfig struct {
	ReaderIndex *int `yaml:"reader_index"`
}

// MRZConfig holds the document fields BAC and MRZ-based PACE derive
// their static key from. Any field left empty here must be supplied on
// the command line instead, since these are not meant to live on disk in
// a shared config.
type MRZConfig struct {
	DocumentNumber string `yaml:"document_number"`
	DateOfBirth    string `yaml:"date_of_birth"`
	DateOfExpiry   string `yaml:"date_of_expiry"`
}

// AccessConfig selects and parameterizes the access control protocol.
type AccessConfig struct {
	Protocol   string `yaml:"protocol"` // "bac" or "pace"
	PaceOID    string `yaml:"pace_oid"`
	PaceKeyRef string `yaml:"pace_key_ref"` // "mrz", "can", "pin", "puk"
}

// ReadConfig selects which elementary files to fetch after
// authentication.
type ReadConfig struct {
	DataGroups   []int `yaml:"data_groups"`
	ReadSOD      *bool `yaml:"read_sod"`
	VerifyHashes *bool `yaml:"verify_hashes"`
}

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

func (c *Config) Validate() error {
	if c.Runtime.ReaderIndex == nil {
		return fmt.Errorf("config.runtime.reader_index is required")
	}
	if *c.Runtime.ReaderIndex < 0 {
		return fmt.Errorf("config.runtime.reader_index must be >= 0")
	}

	switch strings.ToLower(c.Access.Protocol) {
	case "bac":
	case "pace":
		if strings.TrimSpace(c.Access.PaceOID) == "" {
			return fmt.Errorf("config.access.pace_oid is required when protocol is pace")
		}
		switch strings.ToLower(c.Access.PaceKeyRef) {
		case "mrz", "can", "pin", "puk":
		case "":
			return fmt.Errorf("config.access.pace_key_ref is required when protocol is pace")
		default:
			return fmt.Errorf("config.access.pace_key_ref must be one of mrz, can, pin, puk")
		}
	case "":
		return fmt.Errorf("config.access.protocol is required (bac or pace)")
	default:
		return fmt.Errorf("config.access.protocol must be bac or pace, got %q", c.Access.Protocol)
	}

	for _, dg := range c.Read.DataGroups {
		if dg < 1 || dg > 16 {
			return fmt.Errorf("config.read.data_groups entries must be 1..16, got %d", dg)
		}
	}
	return nil
}

// ResolveMRZ merges command-line overrides over the config file's MRZ
// section, since MRZ fields are sensitive enough that most callers will
// not want them checked into a shared config file.
func (c *Config) ResolveMRZ(docNumOverride, dobOverride, doeOverride string) MRZConfig {
	out := c.MRZ
	if docNumOverride != "" {
		out.DocumentNumber = docNumOverride
	}
	if dobOverride != "" {
		out.DateOfBirth = dobOverride
	}
	if doeOverride != "" {
		out.DateOfExpiry = doeOverride
	}
	return out
}
