package protocol

import "testing"

func TestSignAndVerify(t *testing.T) {
	cmd := &Command{
		Command: "python:/home/elf/main/voice_communicate.py",
		Payload: map[string]any{"button": "voice"},
		Source:  "launcher",
	}
	secret := "test-secret-key"

	if err := SignCommand(cmd, secret); err != nil {
		t.Fatalf("SignCommand: %v", err)
	}
	if cmd.Signature == "" {
		t.Fatal("expected non-empty signature")
	}
	if !VerifyCommand(cmd, secret) {
		t.Fatal("VerifyCommand returned false for valid signature")
	}
}

func TestVerifyTampered(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(*Command)
	}{
		{"command", func(c *Command) { c.Command = "python:/tmp/evil.py" }},
		{"payload", func(c *Command) { c.Payload["button"] = "posture" }},
		{"source", func(c *Command) { c.Source = "intruder" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &Command{
				Command: "capture",
				Payload: map[string]any{"button": "voice"},
				Source:  "launcher",
			}
			if err := SignCommand(cmd, "my-secret"); err != nil {
				t.Fatalf("SignCommand: %v", err)
			}
			tt.tamper(cmd)
			if VerifyCommand(cmd, "my-secret") {
				t.Fatalf("VerifyCommand accepted tampered %s", tt.name)
			}
		})
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	cmd := &Command{Command: "start_camera", Source: "posture"}
	if err := SignCommand(cmd, "secret-a"); err != nil {
		t.Fatalf("SignCommand: %v", err)
	}
	if VerifyCommand(cmd, "secret-b") {
		t.Fatal("VerifyCommand returned true for wrong secret")
	}
}

func TestEmptySecret(t *testing.T) {
	cmd := &Command{Command: "stop_camera", Source: "posture"}
	if err := SignCommand(cmd, ""); err != nil {
		t.Fatalf("SignCommand: %v", err)
	}
	if cmd.Signature != "" {
		t.Fatalf("expected empty signature, got %q", cmd.Signature)
	}
	if !VerifyCommand(cmd, "") {
		t.Fatal("VerifyCommand with empty secret should return true")
	}
}

func TestSecretConfiguredNoSignature(t *testing.T) {
	cmd := &Command{Command: "capture", Source: "posture"}
	if VerifyCommand(cmd, "my-secret") {
		t.Fatal("VerifyCommand should reject an unsigned command when a secret is configured")
	}
}
