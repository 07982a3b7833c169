// Package bridgecfg defines the YAML file that configures the bridge: the
// Matrix account, the Play credentials, and the apps bridged at startup.
//
// Apps declared here are registered on boot; apps added at runtime via
// !addapp are persisted in the database instead. Both sources feed the same
// registration path.
package bridgecfg

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML decoding from strings like "5m" or
// "200ms". yaml.v3 has no native duration support.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of the bridge configuration file.
type Config struct {
	Matrix MatrixConfig `yaml:"matrix"`
	Play   PlayConfig   `yaml:"play"`

	// DatabasePath is the SQLite file holding the review index, app
	// registrations, and Matrix sync state.
	DatabasePath string `yaml:"databasePath"`

	// HTTPAddr is the TCP address for the health/metrics HTTP server
	// (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string `yaml:"httpAddr,omitempty"`

	// Apps are registered at startup, before runtime registrations stored in
	// the database are restored.
	Apps []AppConfig `yaml:"apps,omitempty"`
}

// MatrixConfig holds the homeserver connection and command surface.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"userID"`
	AccessToken string `yaml:"accessToken,omitempty"`
	// AccessTokenEnv names an environment variable to read the token from,
	// keeping the credential out of the config file.
	AccessTokenEnv string `yaml:"accessTokenEnv,omitempty"`

	// AdminRooms are the rooms where the bridge accepts commands.
	AdminRooms []string `yaml:"adminRooms"`

	// AdminUsers is an optional allowlist of Matrix user IDs permitted to run
	// commands. When empty, any member of an admin room may.
	AdminUsers []string `yaml:"adminUsers,omitempty"`
}

// PlayConfig holds the Google Play API access configuration.
type PlayConfig struct {
	// CredentialsFile is the path to the service account JSON key.
	CredentialsFile string `yaml:"credentialsFile"`

	// MinCallSpacing is the floor between consecutive Play API calls.
	// Zero keeps the built-in default.
	MinCallSpacing Duration `yaml:"minCallSpacing,omitempty"`

	// CallTimeout bounds each individual Play API call. Zero keeps the
	// built-in default.
	CallTimeout Duration `yaml:"callTimeout,omitempty"`
}

// AppConfig is one bridged app declared in the config file.
type AppConfig struct {
	PackageName       string   `yaml:"packageName"`
	RoomID            string   `yaml:"roomID"`
	PollInterval      Duration `yaml:"pollInterval,omitempty"`
	MaxReviewsPerPoll int      `yaml:"maxReviewsPerPoll,omitempty"`
	LookbackDays      int      `yaml:"lookbackDays,omitempty"`
	TranslationLang   string   `yaml:"translationLang,omitempty"`
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a bridge configuration document and validates it. It is the
// canonical entry point for loading bridge configurations.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks a Config for structural correctness. It returns the first
// validation error encountered, or nil if the config is valid.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}

	if strings.TrimSpace(cfg.Matrix.Homeserver) == "" {
		return fmt.Errorf("matrix.homeserver must not be empty")
	}
	if !strings.HasPrefix(cfg.Matrix.UserID, "@") {
		return fmt.Errorf("matrix.userID must be a full Matrix ID starting with '@', got %q", cfg.Matrix.UserID)
	}
	if cfg.Matrix.AccessToken == "" && cfg.Matrix.AccessTokenEnv == "" {
		return fmt.Errorf("one of matrix.accessToken or matrix.accessTokenEnv must be set")
	}
	if len(cfg.Matrix.AdminRooms) == 0 {
		return fmt.Errorf("matrix.adminRooms must list at least one room")
	}
	for i, room := range cfg.Matrix.AdminRooms {
		if !strings.HasPrefix(room, "!") {
			return fmt.Errorf("matrix.adminRooms[%d]: room ID %q must start with '!'", i, room)
		}
	}
	for i, user := range cfg.Matrix.AdminUsers {
		if !strings.HasPrefix(user, "@") {
			return fmt.Errorf("matrix.adminUsers[%d]: user ID %q must start with '@'", i, user)
		}
	}

	if strings.TrimSpace(cfg.Play.CredentialsFile) == "" {
		return fmt.Errorf("play.credentialsFile must not be empty")
	}
	if cfg.Play.MinCallSpacing < 0 {
		return fmt.Errorf("play.minCallSpacing must not be negative")
	}
	if cfg.Play.CallTimeout < 0 {
		return fmt.Errorf("play.callTimeout must not be negative")
	}

	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return fmt.Errorf("databasePath must not be empty")
	}

	seen := make(map[string]struct{}, len(cfg.Apps))
	for i, app := range cfg.Apps {
		if err := validateApp(app); err != nil {
			return fmt.Errorf("apps[%d] (%q): %w", i, app.PackageName, err)
		}
		if _, dup := seen[app.PackageName]; dup {
			return fmt.Errorf("apps[%d]: duplicate packageName %q", i, app.PackageName)
		}
		seen[app.PackageName] = struct{}{}
	}

	return nil
}

func validateApp(app AppConfig) error {
	if strings.TrimSpace(app.PackageName) == "" {
		return fmt.Errorf("packageName must not be empty")
	}
	if !strings.Contains(app.PackageName, ".") {
		return fmt.Errorf("packageName %q must be in reverse-DNS form", app.PackageName)
	}
	if !strings.HasPrefix(app.RoomID, "!") {
		return fmt.Errorf("roomID %q must start with '!'", app.RoomID)
	}
	if app.PollInterval < 0 {
		return fmt.Errorf("pollInterval must not be negative")
	}
	if app.MaxReviewsPerPoll < 0 {
		return fmt.Errorf("maxReviewsPerPoll must not be negative")
	}
	if app.LookbackDays < 0 {
		return fmt.Errorf("lookbackDays must not be negative")
	}
	return nil
}

// ResolveAccessToken returns the Matrix access token, reading the environment
// when the config defers to it.
func (m *MatrixConfig) ResolveAccessToken() (string, error) {
	if m.AccessToken != "" {
		return m.AccessToken, nil
	}
	if m.AccessTokenEnv != "" {
		if v := os.Getenv(m.AccessTokenEnv); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("environment variable %s (matrix.accessTokenEnv) is empty", m.AccessTokenEnv)
	}
	return "", fmt.Errorf("no Matrix access token configured")
}
