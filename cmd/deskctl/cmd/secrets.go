package cmd

import (
	"errors"
	"fmt"

	"filippo.io/age"
	"github.com/spf13/cobra"

	"github.com/deskbridge/deskbridge/internal/secrets"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Seal credentials for the config file",
	}
	cmd.AddCommand(newSecretsKeygenCmd())
	cmd.AddCommand(newSecretsEncryptCmd())
	cmd.AddCommand(newSecretsDecryptCmd())
	return cmd
}

func newSecretsKeygenCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the age identity deskd uses to unseal config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = secrets.DefaultKeyPath()
			}
			id, err := secrets.WriteKeyFile(output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key file written to: %s\n", output)
			fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", id.Recipient())
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (default: ~/.config/deskbridge/age.key)")
	return cmd
}

func newSecretsEncryptCmd() *cobra.Command {
	var recipientKey string

	cmd := &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Seal a value as ENC[...] for the TOML config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var recipient age.Recipient
			if recipientKey != "" {
				r, err := age.ParseX25519Recipient(recipientKey)
				if err != nil {
					return fmt.Errorf("parse recipient: %w", err)
				}
				recipient = r
			} else {
				ids, err := secrets.Identities(nil)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					return errors.New("no age key found; run 'deskctl secrets keygen' first or pass --recipient")
				}
				if recipient, err = secrets.Recipient(ids); err != nil {
					return err
				}
			}

			sealed, err := secrets.Seal(args[0], recipient)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}

	cmd.Flags().StringVar(&recipientKey, "recipient", "", "age public key (default: derived from the local key)")
	return cmd
}

func newSecretsDecryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <ENC[...]>",
		Short: "Open a sealed value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := secrets.Identities(nil)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return fmt.Errorf("no age identity found; set %s or %s, or create %s",
					secrets.EnvAgeKey, secrets.EnvAgeKeyFile, secrets.DefaultKeyPath())
			}
			plaintext, err := secrets.Open(args[0], ids...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), plaintext)
			return nil
		},
	}
}
