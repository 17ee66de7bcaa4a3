package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dev.c0redev.shadownet/internal/config"
	"dev.c0redev.shadownet/internal/crypto"
)

func newEnvelopeCommand(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envelope",
		Short: "Provision the shared key to an agent with an ML-KEM-768 envelope",
		Long: `The agent operator runs "envelope keypair" and hands out NAME.kem_public.
The dispatcher wraps the shared key to it with "envelope wrap"; the agent
stores the envelope as Dispatch.KeyFile and NAME.kem_private as
Dispatch.EnvelopeKeyFile.`,
	}
	cmd.AddCommand(newKeypairCommand(), newWrapCommand(f), newUnwrapCommand())
	return cmd
}

func newKeypairCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keypair",
		Short: "Write NAME.kem_public and NAME.kem_private",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, seed, err := crypto.GenerateEnvelopeKeyPair()
			if err != nil {
				return err
			}
			pub, priv := out+".kem_public", out+".kem_private"
			if _, err := os.Stat(priv); err == nil {
				return fmt.Errorf("%s already exists", priv)
			}
			if err := config.WriteHexFile(pub, enc); err != nil {
				return err
			}
			if err := config.WriteHexFile(priv, seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", pub, priv)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "agent", "file name prefix")
	return cmd
}

func newWrapCommand(f *flags) *cobra.Command {
	var pubFile string
	cmd := &cobra.Command{
		Use:   "wrap",
		Short: "Wrap the configured shared key to a public key and print the envelope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			key, err := cfg.ResolveKey()
			if err != nil {
				return err
			}
			enc, err := readHex(pubFile)
			if err != nil {
				return err
			}
			envelope, err := crypto.WrapKey(enc, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(envelope))
			return nil
		},
	}
	cmd.Flags().StringVar(&pubFile, "pub", "", "agent public key file (NAME.kem_public)")
	_ = cmd.MarkFlagRequired("pub")
	return cmd
}

func newUnwrapCommand() *cobra.Command {
	var privFile string
	cmd := &cobra.Command{
		Use:   "unwrap <envelope-hex>",
		Short: "Recover a shared key from an envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := readHex(privFile)
			if err != nil {
				return err
			}
			envelope, err := hex.DecodeString(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("envelope is not hex: %w", err)
			}
			key, err := crypto.UnwrapKey(seed, envelope)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&privFile, "priv", "", "agent private key file (NAME.kem_private)")
	_ = cmd.MarkFlagRequired("priv")
	return cmd
}

func readHex(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(b)))
}
