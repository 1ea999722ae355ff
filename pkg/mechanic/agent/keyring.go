// keyring.go stores credentials in the operating system's native keyring
// (Linux: Secret Service/GNOME Keyring, macOS: Keychain, Windows: Credential
// Manager).
//
// Priority for resolving secrets:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. Environment variable (MECHANIC_*_API_KEY, GROQ_API_KEY, etc.)
//  3. .env file (loaded by godotenv)
//  4. config YAML value (least secure, plaintext on disk)
package agent

import (
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "mechanic"

	keyringPrimaryAPIKey   = "primary_api_key"
	keyringSecondaryAPIKey = "secondary_api_key"
	keyringDiscordToken    = "discord_token"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__mechanic_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// MigrateKeyToKeyring moves a secret from config/env into the OS keyring.
func MigrateKeyToKeyring(key, value string, logger *slog.Logger) error {
	if err := StoreKeyring(key, value); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("secret stored in OS keyring",
		"service", keyringService,
		"key", key,
		"hint", "you can now remove it from .env and the config file")
	return nil
}
