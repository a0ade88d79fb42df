package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/spf13/viper"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv(EnvAgeKey, "")
	t.Setenv(EnvAgeKeyFile, "")
	t.Setenv("HOME", t.TempDir())
}

func TestIsSealed(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"ENC[abc123]", true},
		{"plaintext", false},
		{"", false},
		{"ENC[]", false},
		{"enc[abc]", false},
		{"ENC[abc", false},
	}
	for _, tt := range tests {
		if got := IsSealed(tt.value); got != tt.want {
			t.Errorf("IsSealed(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestSealOpen(t *testing.T) {
	id, _ := age.GenerateX25519Identity()
	sealed, err := Seal("wx-app-secret", id.Recipient())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("Seal output not wrapped: %q", sealed)
	}
	got, err := Open(sealed, id)
	if err != nil || got != "wx-app-secret" {
		t.Fatalf("Open = %q, %v", got, err)
	}

	other, _ := age.GenerateX25519Identity()
	if _, err := Open(sealed, other); err == nil {
		t.Fatal("expected error opening with the wrong key")
	}
	if _, err := Open("plain", id); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("err = %v, want ErrNotSealed", err)
	}
	if _, err := Open("ENC[!!!]", id); err == nil {
		t.Fatal("expected base64 error")
	}
}

func TestWriteAndReadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", KeyFilename)
	id, err := WriteKeyFile(path)
	if err != nil {
		t.Fatalf("WriteKeyFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), id.Recipient().String()) {
		t.Fatal("public key comment missing")
	}

	ids, err := ReadKeyFile(path)
	if err != nil || len(ids) != 1 {
		t.Fatalf("ReadKeyFile = %v, %v", ids, err)
	}
	if _, err := WriteKeyFile(path); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
}

func TestIdentitiesResolution(t *testing.T) {
	isolate(t)
	if ids, err := Identities(viper.New()); ids != nil || err != nil {
		t.Fatalf("Identities with nothing configured = %v, %v", ids, err)
	}

	// Default key file.
	if _, err := WriteKeyFile(DefaultKeyPath()); err != nil {
		t.Fatal(err)
	}
	if ids, err := Identities(viper.New()); err != nil || len(ids) != 1 {
		t.Fatalf("default file: %v, %v", ids, err)
	}

	// Config key wins over the default file.
	if _, err := Identities(func() *viper.Viper {
		v := viper.New()
		v.Set("secrets.identity", filepath.Join(t.TempDir(), "missing.key"))
		return v
	}()); err == nil {
		t.Fatal("expected error for missing secrets.identity file")
	}

	// Env var wins over everything.
	id, _ := age.GenerateX25519Identity()
	t.Setenv(EnvAgeKey, id.String())
	ids, err := Identities(viper.New())
	if err != nil || len(ids) != 1 {
		t.Fatalf("env key: %v, %v", ids, err)
	}
	r, err := Recipient(ids)
	if err != nil || r.(*age.X25519Recipient).String() != id.Recipient().String() {
		t.Fatalf("Recipient = %v, %v", r, err)
	}

	t.Setenv(EnvAgeKey, "not-a-key")
	if _, err := Identities(viper.New()); err == nil {
		t.Fatal("expected parse error for bad env key")
	}
}

func TestUnsealConfig(t *testing.T) {
	isolate(t)
	id, _ := age.GenerateX25519Identity()
	t.Setenv(EnvAgeKey, id.String())

	sealed, _ := Seal("s3cret", id.Recipient())
	v := viper.New()
	v.Set("cloud.secret", sealed)
	v.Set("cloud.app_id", "wx123")
	v.Set("cloud.poll_interval", 1)

	if err := UnsealConfig(v); err != nil {
		t.Fatalf("UnsealConfig: %v", err)
	}
	if v.GetString("cloud.secret") != "s3cret" || v.GetString("cloud.app_id") != "wx123" {
		t.Fatalf("config = %v", v.AllSettings())
	}
}

func TestUnsealConfigWithoutIdentity(t *testing.T) {
	isolate(t)
	v := viper.New()
	v.Set("cloud.secret", "ENC[YWJj]")
	if err := UnsealConfig(v); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err = %v, want ErrNoIdentity", err)
	}

	plain := viper.New()
	plain.Set("cloud.secret", "plain")
	if err := UnsealConfig(plain); err != nil {
		t.Fatalf("plain config: %v", err)
	}
}
