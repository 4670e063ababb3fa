package core

import (
	"fmt"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/kbuild/request"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List buildable devices",
	Long:  `Lists the devices that have a <device>_defconfig in the kernel source tree.`,
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func runDevices(cmd *cobra.Command, args []string) error {
	dir := defconfigDir()
	devices, err := request.ListDevices(dir)
	if err != nil {
		return errors.ErrNoDevices.WithMessagef("Cannot read %s", dir).WithCause(err)
	}
	if len(devices) == 0 {
		return errors.ErrNoDevices.WithMessagef("No device configurations found in %s", dir)
	}

	for _, d := range devices {
		fmt.Fprintln(cmd.OutOrStdout(), d)
	}
	return nil
}
