package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/keyfortio/keyfort/internal/config"
	"github.com/keyfortio/keyfort/internal/store"
)

// newLicenseCmd is the provisioning-side tool: creating license records
// normally belongs to order fulfillment, but operators need a direct path
// for support cases and local testing.
func newLicenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Administer license records in the store",
	}
	cmd.AddCommand(newLicenseCreateCmd())
	return cmd
}

func newLicenseCreateCmd() *cobra.Command {
	var (
		edition    string
		maxDevices int
		owner      string
		validFor   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "create <license-key>",
		Short: "Create a license record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			st, err := store.Open(store.Options{
				Driver: cfg.Database.Driver,
				DSN:    cfg.Database.DSN,
			})
			if err != nil {
				return err
			}
			defer st.Close()

			lic := &store.License{
				ID:         uuid.NewString(),
				LicenseKey: args[0],
				Edition:    edition,
				Status:     store.StatusActive,
				MaxDevices: maxDevices,
				OwnerEmail: owner,
			}
			if validFor > 0 {
				expiry := time.Now().UTC().Add(validFor)
				lic.ExpiryDate = &expiry
			}

			if err := st.InsertLicense(context.Background(), lic); err != nil {
				return err
			}

			fmt.Printf("license %s created (edition=%s, max_devices=%d)\n",
				lic.LicenseKey, lic.Edition, lic.MaxDevices)
			return nil
		},
	}

	cmd.Flags().StringVar(&edition, "edition", "standard", "license edition")
	cmd.Flags().IntVar(&maxDevices, "max-devices", 1, "device quota")
	cmd.Flags().StringVar(&owner, "owner", "", "owner email")
	cmd.Flags().DurationVar(&validFor, "valid-for", 0, "validity period (0 = perpetual)")
	return cmd
}
