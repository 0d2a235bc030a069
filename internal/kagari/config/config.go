// Package config loads the relay bot's configuration from an optional YAML
// file layered under environment variables. The file is validated against an
// embedded JSON schema before any field is read, so typos fail loudly at
// startup instead of silently falling back to defaults.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kagari/common/environment"
)

//go:embed schema.json
var schemaJSON string

// Config is the fully resolved runtime configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// MasterKeyHex is the 64-char hex encoding of the 32-byte column
	// encryption key. Only settable through the environment; it has no
	// place in a config file.
	MasterKeyHex string

	Admins  []string
	Markers []string
	DBPath  string

	MappingTTL       time.Duration
	SweepInterval    time.Duration
	DrainTimeout     time.Duration
	SingleUseReplies bool
	DMAnonymous      bool
	Greeting         string
}

// fileConfig is the YAML shape. Durations are strings ("72h") so the file
// stays readable; booleans are pointers so "absent" and "false" differ.
type fileConfig struct {
	Homeserver  string   `yaml:"homeserver"`
	UserID      string   `yaml:"user_id"`
	AccessToken string   `yaml:"access_token"`
	Admins      []string `yaml:"admins"`
	Markers     []string `yaml:"markers"`
	DBPath      string   `yaml:"db_path"`

	MappingTTL       string `yaml:"mapping_ttl"`
	SweepInterval    string `yaml:"sweep_interval"`
	DrainTimeout     string `yaml:"drain_timeout"`
	SingleUseReplies *bool  `yaml:"single_use_replies"`
	DMAnonymous      *bool  `yaml:"dm_anonymous"`
	Greeting         string `yaml:"greeting"`
}

// Load resolves the configuration. Precedence, highest first: environment
// variables (KAGARI_*), the YAML file at path (optional, "" skips it),
// built-in defaults. Returns an error when the file fails schema validation
// or a required field is still missing after all layers.
func Load(path string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := validateSchema(data); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg := &Config{
		Homeserver:   environment.StringOr("KAGARI_HOMESERVER", fc.Homeserver),
		UserID:       environment.StringOr("KAGARI_USER_ID", fc.UserID),
		AccessToken:  environment.StringOr("KAGARI_ACCESS_TOKEN", fc.AccessToken),
		MasterKeyHex: environment.StringOr("KAGARI_MASTER_KEY", ""),
		Admins:       environment.StringSliceOr("KAGARI_ADMINS", fc.Admins),
		Markers:      environment.StringSliceOr("KAGARI_MARKERS", fc.Markers),
		DBPath:       environment.StringOr("KAGARI_DB_PATH", fc.DBPath),
		Greeting:     environment.StringOr("KAGARI_GREETING", fc.Greeting),
	}

	var err error
	if cfg.MappingTTL, err = resolveDuration("KAGARI_MAPPING_TTL", fc.MappingTTL, 72*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = resolveDuration("KAGARI_SWEEP_INTERVAL", fc.SweepInterval, time.Hour); err != nil {
		return nil, err
	}
	if cfg.DrainTimeout, err = resolveDuration("KAGARI_DRAIN_TIMEOUT", fc.DrainTimeout, 10*time.Second); err != nil {
		return nil, err
	}

	cfg.SingleUseReplies = environment.BoolOr("KAGARI_SINGLE_USE_REPLIES", boolOr(fc.SingleUseReplies, false))
	cfg.DMAnonymous = environment.BoolOr("KAGARI_DM_ANONYMOUS", boolOr(fc.DMAnonymous, true))

	if len(cfg.Markers) == 0 {
		cfg.Markers = []string{"!kagari"}
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "kagari.db"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Homeserver == "" {
		missing = append(missing, "homeserver (KAGARI_HOMESERVER)")
	}
	if c.UserID == "" {
		missing = append(missing, "user_id (KAGARI_USER_ID)")
	}
	if c.AccessToken == "" {
		missing = append(missing, "access_token (KAGARI_ACCESS_TOKEN)")
	}
	if c.MasterKeyHex == "" {
		missing = append(missing, "KAGARI_MASTER_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if len(c.Admins) == 0 {
		return fmt.Errorf("at least one admin must be configured (admins / KAGARI_ADMINS)")
	}
	return nil
}

// validateSchema checks the raw YAML against the embedded JSON schema.
// yaml.v3 decodes mappings into map[string]interface{}, which is exactly the
// document shape the schema validator consumes.
func validateSchema(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

func resolveDuration(envName, fileValue string, def time.Duration) (time.Duration, error) {
	if fileValue != "" {
		d, err := time.ParseDuration(fileValue)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", fileValue, err)
		}
		def = d
	}
	return environment.DurationOr(envName, def), nil
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}
