// Package secrets seals credential values in the config file with age.
//
// A sealed value looks like ENC[<base64 age ciphertext>] and may stand in
// for any string setting, typically cloud.secret and storage.secret_key.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/spf13/viper"
)

const (
	sealPrefix = "ENC["
	sealSuffix = "]"

	// KeyFilename is the identity file name under the config directory.
	KeyFilename = "age.key"

	// EnvAgeKey holds a raw AGE-SECRET-KEY-1... identity.
	EnvAgeKey = "DESKBRIDGE_AGE_KEY"

	// EnvAgeKeyFile holds the path to an identity file.
	EnvAgeKeyFile = "DESKBRIDGE_AGE_KEY_FILE"
)

var (
	// ErrNotSealed is returned when opening a value without the ENC[...] wrapper.
	ErrNotSealed = errors.New("value is not sealed")
	// ErrNoIdentity is returned when sealed values exist but no key was found.
	ErrNoIdentity = errors.New("config has sealed values but no age identity is available")
)

// IsSealed reports whether value is wrapped in ENC[...] with a payload.
func IsSealed(value string) bool {
	return len(value) > len(sealPrefix)+len(sealSuffix) &&
		strings.HasPrefix(value, sealPrefix) &&
		strings.HasSuffix(value, sealSuffix)
}

// Seal encrypts plaintext to recipients.
func Seal(plaintext string, recipients ...age.Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	return sealPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + sealSuffix, nil
}

// Open decrypts a sealed value.
func Open(sealed string, identities ...age.Identity) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrNotSealed
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed[len(sealPrefix) : len(sealed)-len(sealSuffix)])
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	return string(plaintext), nil
}

// DefaultKeyPath returns ~/.config/deskbridge/age.key.
func DefaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return KeyFilename
	}
	return filepath.Join(home, ".config", "deskbridge", KeyFilename)
}

// WriteKeyFile creates a fresh identity at path with mode 0600. It refuses
// to overwrite an existing file.
func WriteKeyFile(path string) (*age.X25519Identity, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create key file: %w", err)
	}
	defer f.Close()
	fmt.Fprintf(f, "# created: %s\n# public key: %s\n%s\n",
		time.Now().Format(time.RFC3339), id.Recipient(), id)
	return id, nil
}

// ReadKeyFile parses the identities in an age key file.
func ReadKeyFile(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	return ids, nil
}

// Identities finds the age identity, in order: DESKBRIDGE_AGE_KEY,
// DESKBRIDGE_AGE_KEY_FILE, secrets.identity, the default key file. It
// returns nil, nil when none is configured.
func Identities(v *viper.Viper) ([]age.Identity, error) {
	if raw := os.Getenv(EnvAgeKey); raw != "" {
		id, err := age.ParseX25519Identity(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvAgeKey, err)
		}
		return []age.Identity{id}, nil
	}
	if path := os.Getenv(EnvAgeKeyFile); path != "" {
		return ReadKeyFile(path)
	}
	if v != nil {
		if path := v.GetString("secrets.identity"); path != "" {
			return ReadKeyFile(expandHome(path))
		}
	}
	path := DefaultKeyPath()
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	return ReadKeyFile(path)
}

// Recipient returns the public key of the first X25519 identity.
func Recipient(ids []age.Identity) (age.Recipient, error) {
	for _, id := range ids {
		if x, ok := id.(*age.X25519Identity); ok {
			return x.Recipient(), nil
		}
	}
	return nil, errors.New("no X25519 identity found")
}

// UnsealConfig replaces every sealed string in v with its plaintext. The
// identity is only looked up when something is sealed.
func UnsealConfig(v *viper.Viper) error {
	var sealed []string
	for _, key := range v.AllKeys() {
		if IsSealed(v.GetString(key)) {
			sealed = append(sealed, key)
		}
	}
	if len(sealed) == 0 {
		return nil
	}

	ids, err := Identities(v)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return ErrNoIdentity
	}
	for _, key := range sealed {
		plaintext, err := Open(v.GetString(key), ids...)
		if err != nil {
			return fmt.Errorf("unseal %s: %w", key, err)
		}
		v.Set(key, plaintext)
	}
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
