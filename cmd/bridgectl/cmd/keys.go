package cmd

import (
	"crypto"
	"encoding/base64"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:     "keys",
	Short:   "Manage the token signing key",
	Aliases: []string{"key"},
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the signing key if none exists",
	Long: `Creates and persists the RS256 signing key unless the store already holds one.
Run it once before starting several instances on a store that is not shared.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, err := keyStore.GetOrCreate(cmd.Context())
		if err != nil {
			return err
		}
		thumbprint, err := thumbprintOf(jose.JSONWebKey{Key: pair.Public})
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Signing key %s ready (SHA-256 thumbprint %s)\n", pair.KeyID, thumbprint)
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public signing key as a JWK",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := keyStore.Lookup(cmd.Context()); err != nil {
			return fmt.Errorf("%w. Use 'bridgectl keys init'", err)
		}
		jwk, err := keyStore.PublicJWK(cmd.Context())
		if err != nil {
			return err
		}

		return printValue(cmd.OutOrStdout(), jwk)
	},
}

func thumbprintOf(jwk jose.JSONWebKey) (string, error) {
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysShowCmd)
	addOutputFlag(keysShowCmd)
}
