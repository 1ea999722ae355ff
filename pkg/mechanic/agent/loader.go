// loader.go handles loading configuration from YAML files with credential
// resolution via environment variables and .env files.
package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Loads .env files first, expands environment variable references, overlays
// the YAML on DefaultConfig, and resolves secrets from the keyring chain.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config. Starts with defaults,
// overlays the YAML, then normalizes zero values.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	cfg.Effective()
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"mechanic.yaml",
		"mechanic.yml",
		"config.yaml",
		"config.yml",
		"configs/mechanic.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadEnvFiles loads .env files from standard locations.
// godotenv does not overwrite variables that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references with their environment values. Unset ${VAR:?...} references are
// rewritten to an ERROR: marker that expandEnvVarsWithValidation turns into
// a load error.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)

		var varName, modifierType, modifierValue, bareVar string
		if len(sub) >= 2 {
			varName = sub[1]
		}
		if len(sub) >= 3 {
			modifierType = sub[2]
		}
		if len(sub) >= 4 {
			modifierValue = sub[3]
		}
		if len(sub) >= 5 {
			bareVar = sub[4]
		}

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if varName != "" {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			if modifierType == "?" {
				errorMsg := modifierValue
				if errorMsg == "" {
					errorMsg = "required environment variable not set"
				}
				return "ERROR:" + varName + ":" + errorMsg
			}
			if modifierType == "-" {
				return modifierValue
			}
			return match
		}

		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an error
// if any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	if idx := strings.Index(result, "ERROR:"); idx != -1 {
		rest := result[idx+6:]
		colonIdx := strings.Index(rest, ":")
		if colonIdx == -1 {
			return "", fmt.Errorf("config error: malformed error marker")
		}
		varName := rest[:colonIdx]
		errorMsg := strings.SplitN(rest[colonIdx+1:], "\n", 2)[0]
		if errorMsg == "" {
			errorMsg = "required environment variable not set"
		}
		return "", fmt.Errorf("config error: %s - %s", varName, errorMsg)
	}
	return result, nil
}

// resolveSecrets fills in provider and gateway secrets through the priority
// chain: OS keyring, then environment, keeping any non-placeholder config
// value already present.
func resolveSecrets(cfg *Config) {
	cfg.Providers.Primary.APIKey = resolveSecret(
		cfg.Providers.Primary.APIKey,
		keyringPrimaryAPIKey,
		"MECHANIC_PRIMARY_API_KEY", "GROQ_API_KEY",
	)
	cfg.Providers.Secondary.APIKey = resolveSecret(
		cfg.Providers.Secondary.APIKey,
		keyringSecondaryAPIKey,
		"MECHANIC_SECONDARY_API_KEY", "OPENROUTER_API_KEY",
	)
	cfg.Discord.Token = resolveSecret(
		cfg.Discord.Token,
		keyringDiscordToken,
		"MECHANIC_DISCORD_TOKEN", "DISCORD_TOKEN",
	)
}

// resolveSecret resolves one secret: keyring first, then the env vars in
// order, then whatever non-reference value the config already carries.
func resolveSecret(current, keyringKey string, envVars ...string) string {
	if val := GetKeyring(keyringKey); val != "" {
		return val
	}
	for _, ev := range envVars {
		if val := os.Getenv(ev); val != "" {
			return val
		}
	}
	if current != "" && !IsEnvReference(current) {
		return current
	}
	return ""
}

// resolveRelativePaths converts relative paths to absolute based on the
// config file's directory, so startup works regardless of cwd.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)
	if cfg.Database.Path != "" {
		cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, configDir)
	}
}

// resolvePathFromConfig expands ~ and resolves relative paths against the
// config directory.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// checkFilePermissions warns if the config file is group/world readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
		)
	}
}
