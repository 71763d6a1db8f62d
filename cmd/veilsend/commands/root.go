// Package commands implements the veilsend command line interface.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/veilsend/veilsend/pkg/identity"
	"github.com/veilsend/veilsend/pkg/metrics"
)

var (
	home    string
	verbose bool
	log     *metrics.Logger
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "veilsend",
		Short: "Post-quantum end-to-end encrypted file transfer and chat",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".veilsend")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			level := metrics.LevelWarn
			if verbose {
				level = metrics.LevelDebug
			}
			log = metrics.NewLogger(metrics.WithLevel(level))
			metrics.SetLogger(log)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.veilsend)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(identityCmd(), sendCmd(), recvCmd(), versionCmd())
	return root.Execute()
}

func identityPath() string {
	return filepath.Join(home, "identity.vs")
}

func jobStoreDir() string {
	return filepath.Join(home, "jobs")
}

// promptPassphrase reads a passphrase without echo.
func promptPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pass, nil
}

// loadIdentity prompts for the passphrase and opens the stored identity.
func loadIdentity() (*identity.Identity, error) {
	pass, err := promptPassphrase("Passphrase: ")
	if err != nil {
		return nil, err
	}
	id, notice, err := identity.LoadReduced(identityPath(), pass)
	if err != nil {
		return nil, err
	}
	if notice != nil {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", notice.Error())
	}
	return id, nil
}
