// keyring.go provides credential storage in the operating system's native
// keyring (Linux: Secret Service, macOS: Keychain, Windows: Credential
// Manager).
//
// Priority for resolving the API key:
//  1. OS keyring (encrypted by the OS, requires user session)
//  2. ANTHROPIC_API_KEY environment variable (or .env via godotenv)
//  3. config.yaml value (least secure, plaintext on disk)
package copilot

import (
	"fmt"
	"os"
	"syscall"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "callclaw"

	// keyringAPIKey is the key name for the model API key.
	keyringAPIKey = "api_key"
)

// StoreKeyringSecret saves a secret to the OS keyring.
func StoreKeyringSecret(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyringSecret retrieves a secret from the OS keyring.
func GetKeyringSecret(key string) (string, error) {
	return keyring.Get(keyringService, key)
}

// DeleteKeyringSecret removes a secret from the OS keyring.
func DeleteKeyringSecret(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__callclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// PromptAndStoreAPIKey reads the API key from the terminal without echo and
// stores it in the OS keyring.
func PromptAndStoreAPIKey() error {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return fmt.Errorf("stdin is not a terminal; set ANTHROPIC_API_KEY instead")
	}
	fmt.Fprint(os.Stderr, "API key: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("reading key: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("empty key")
	}
	if err := StoreKeyringSecret(keyringAPIKey, string(raw)); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	return nil
}
