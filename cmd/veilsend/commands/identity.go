package commands

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/veilsend/veilsend/pkg/crypto"
	"github.com/veilsend/veilsend/pkg/identity"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the local identity keypair",
	}
	cmd.AddCommand(identityInitCmd(), identityShowCmd())
	return cmd
}

func identityInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an identity and store it encrypted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(identityPath()); err == nil && !force {
				return fmt.Errorf("identity already exists at %s (use --force to replace)", identityPath())
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}

			pass, err := promptPassphrase("New passphrase: ")
			if err != nil {
				return err
			}
			confirm, err := promptPassphrase("Confirm passphrase: ")
			if err != nil {
				return err
			}
			if !bytes.Equal(pass, confirm) {
				return errors.New("passphrases do not match")
			}

			id, err := identity.New()
			if err != nil {
				return err
			}
			defer id.Zeroize()

			if err := identity.Save(id, identityPath(), pass, crypto.DefaultArgonParams()); err != nil {
				return err
			}
			fmt.Printf("Identity created.\nFingerprint: %s\n", id.DisplayFingerprint())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity")
	return cmd
}

func identityShowCmd() *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			defer id.Zeroize()

			fp := id.DisplayFingerprint()
			fmt.Printf("Fingerprint: %s\n", fp)
			if qr {
				qrterminal.GenerateWithConfig(fp, qrterminal.Config{
					Level:     qrterminal.M,
					Writer:    os.Stdout,
					BlackChar: qrterminal.BLACK,
					WhiteChar: qrterminal.WHITE,
					QuietZone: 1,
				})
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "also render the fingerprint as a QR code")
	return cmd
}
