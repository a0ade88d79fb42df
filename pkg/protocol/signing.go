package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// signingPayload is the subset of Command fields that are signed.
// A dedicated struct keeps the JSON marshal order deterministic.
type signingPayload struct {
	Command string         `json:"command"`
	Payload map[string]any `json:"payload"`
	Source  string         `json:"source"`
}

func computeSignature(cmd *Command, secret string) (string, error) {
	canonical, err := json.Marshal(signingPayload{
		Command: cmd.Command,
		Payload: cmd.Payload,
		Source:  cmd.Source,
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignCommand computes an HMAC-SHA256 signature for the command and sets cmd.Signature.
// If secret is empty, the command is left unsigned.
func SignCommand(cmd *Command, secret string) error {
	if secret == "" {
		return nil
	}
	sig, err := computeSignature(cmd, secret)
	if err != nil {
		return err
	}
	cmd.Signature = sig
	return nil
}

// VerifyCommand checks the HMAC-SHA256 signature on a command.
// An empty secret disables verification. A configured secret rejects
// unsigned commands.
func VerifyCommand(cmd *Command, secret string) bool {
	if secret == "" {
		return true
	}
	if cmd.Signature == "" {
		return false
	}
	expected, err := computeSignature(cmd, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(cmd.Signature))
}
