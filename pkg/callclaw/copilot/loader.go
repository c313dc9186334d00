// loader.go loads YAML configuration with .env support and environment
// variable expansion.
package copilot

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and bare $VAR references in
// config values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file. .env files
// next to the config and in the working directory are loaded first, and
// ${VAR} references in the YAML are expanded before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := ParseConfig([]byte(expandEnvVars(string(data))))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	return cfg, nil
}

// ParseConfig parses YAML bytes over the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

func loadEnvFiles(configDir string) {
	for _, p := range []string{".env", filepath.Join(configDir, ".env")} {
		_ = godotenv.Load(p)
	}
}

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[3]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return groups[2] // default value, empty when none given
	})
}

// resolveSecrets fills the API key from the keyring or environment when the
// config leaves it empty.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey != "" {
		return
	}
	if key, err := GetKeyringSecret(keyringAPIKey); err == nil && key != "" {
		cfg.API.APIKey = key
		return
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.API.APIKey = key
	}
}

// resolveRelativePaths anchors relative file paths at the config directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	cfg.Database.Path = anchor(cfg.Database.Path)
	cfg.InstructionsFile = anchor(cfg.InstructionsFile)
	cfg.Channels.WhatsApp.StorePath = anchor(cfg.Channels.WhatsApp.StorePath)
}

// FindConfigFile looks for a config file in the usual places.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"callclaw.yaml",
		"callclaw.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ValidateConfig rejects configurations the daemon cannot start with.
func ValidateConfig(cfg *Config) error {
	if cfg.API.APIKey == "" {
		return fmt.Errorf("api.api_key is not set (config, keyring or ANTHROPIC_API_KEY)")
	}
	if cfg.API.Model == "" {
		return fmt.Errorf("api.model is not set")
	}
	if cfg.Access.ApprovedSender == "" {
		return fmt.Errorf("access.approved_sender is not set")
	}
	if strings.TrimSpace(cfg.Voice.HoldPhrase) == "" {
		cfg.Voice.HoldPhrase = DefaultConfig().Voice.HoldPhrase
	}
	return nil
}
