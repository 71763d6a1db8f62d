package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veilsend/veilsend/pkg/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Full())
		},
	}
}
