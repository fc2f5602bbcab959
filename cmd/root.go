package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinicsched",
		Short:        "Session-managed API in front of a clinic's web appointment book",
		SilenceUsage: true,
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newSlotsCmd())
	root.AddCommand(newMenuCmd())
	root.AddCommand(newPingCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
