package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keyfortio/keyfort/internal/signer"
)

func newKeygenCmd() *cobra.Command {
	var keyDir string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate and persist the RSA signing key pair",
		Long: `Generates a 2048-bit RSA key pair and writes private.pem and
public.pem to the key directory. Run once before production deployment;
ship public.pem to clients so they can validate response codes offline.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pair, err := signer.GenerateKeys(keyDir)
			if err != nil {
				return err
			}
			pubPEM, err := signerPublicPEM(pair)
			if err != nil {
				return err
			}
			fmt.Printf("key pair written to %s\n\n%s", keyDir, pubPEM)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyDir, "key-dir", "keys", "directory for private.pem and public.pem")
	return cmd
}

func signerPublicPEM(pair *signer.KeyPair) (string, error) {
	sg, err := signer.NewVerifier(pair.Public, nil)
	if err != nil {
		return "", err
	}
	return sg.PublicKeyPEM()
}
