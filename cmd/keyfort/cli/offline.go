package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/keyfortio/keyfort/internal/fingerprint"
	"github.com/keyfortio/keyfort/internal/offline"
	"github.com/keyfortio/keyfort/internal/signer"
)

// newRequestCmd generates an offline request code on the target machine.
// No network access: the code travels to an operator by any out-of-band
// channel.
func newRequestCmd() *cobra.Command {
	var hwidOverride string

	cmd := &cobra.Command{
		Use:   "request <license-key>",
		Short: "Generate an offline activation request code for this machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			collector := fingerprint.NewCollector()
			attrs := collector.Collect()

			hwid := hwidOverride
			if hwid == "" {
				hwid = fingerprint.Compute(attrs)
			}

			code, err := offline.GenerateRequestCode(args[0], hwid, attrs.MachineName, runtime.GOOS)
			if err != nil {
				return err
			}

			fmt.Println(code)
			return nil
		},
	}

	cmd.Flags().StringVar(&hwidOverride, "hwid", "", "use an explicit hardware id instead of collecting one")
	return cmd
}

// newValidateCmd validates a response code fully offline against the
// distributed public key.
func newValidateCmd() *cobra.Command {
	var (
		publicKeyPath string
		hwidOverride  string
	)

	cmd := &cobra.Command{
		Use:   "validate <response-code>",
		Short: "Validate an offline activation response code on this machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, err := signer.LoadPublicKey(publicKeyPath)
			if err != nil {
				return err
			}

			sg, err := signer.NewVerifier(pub, nil)
			if err != nil {
				return err
			}

			hwid := hwidOverride
			if hwid == "" {
				hwid = fingerprint.NewCollector().HWID()
			}

			proof, err := offline.ValidateResponseCode(args[0], hwid, sg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "validation failed: %v\n", err)
				os.Exit(1)
			}

			out, err := json.MarshalIndent(proof, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&publicKeyPath, "public-key", "public.pem", "path to the server's public key PEM")
	cmd.Flags().StringVar(&hwidOverride, "hwid", "", "use an explicit hardware id instead of collecting one")
	return cmd
}
