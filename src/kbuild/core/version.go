package core

import (
	"fmt"

	"github.com/bitswalk/kbuild/src/kbuild/output"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	RunE:  runVersion,
}

func init() {
	versionCmd.Flags().Bool("short", false, "Print only the version and commit")
	versionCmd.Flags().Bool("json", false, "Print version information as JSON")
}

func runVersion(cmd *cobra.Command, args []string) error {
	short, _ := cmd.Flags().GetBool("short")
	asJSON, _ := cmd.Flags().GetBool("json")

	w := cmd.OutOrStdout()
	switch {
	case asJSON:
		return output.PrintJSON(w, VersionInfo)
	case short:
		fmt.Fprintln(w, VersionInfo.Short())
	default:
		fmt.Fprintln(w, VersionInfo.Full())
	}
	return nil
}
