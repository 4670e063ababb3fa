package core

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/kbuild/output"
	"github.com/bitswalk/kbuild/src/kbuild/storage"
	"github.com/spf13/cobra"
)

var publishedCmd = &cobra.Command{
	Use:   "published [device]",
	Short: "List archives in the storage backend",
	Long: `Lists the objects published with --publish, optionally for one device.
Checksum files are listed next to their archives.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPublished,
}

func init() {
	publishedCmd.Flags().StringP("output", "o", output.FormatTable, "Output format: table, json, yaml")
}

func runPublished(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")
	if !output.ValidFormat(format) {
		return errors.ErrUsage.WithMessagef("Unknown output format %q", format)
	}

	prefix := storage.ArchivePrefix
	if len(args) == 1 {
		prefix = path.Join(storage.ArchivePrefix, args[0]) + "/"
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := openStorage(ctx)
	if err != nil {
		return err
	}

	objects, err := backend.List(ctx, prefix)
	if err != nil {
		return errors.ErrStorageUnavailable.WithMessagef("Failed to list %s", backend.Location()).WithCause(err)
	}
	if objects == nil {
		objects = []storage.ObjectInfo{}
	}

	w := cmd.OutOrStdout()
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, objects)
	case output.FormatYAML:
		return output.PrintYAML(w, objects)
	}

	if len(objects) == 0 {
		fmt.Fprintln(w, "No published archives.")
		return nil
	}

	rows := make([][]string, 0, len(objects))
	for _, o := range objects {
		rows = append(rows, []string{
			o.LastModified.Local().Format(time.DateTime),
			output.FormatSize(o.Size),
			o.Key,
		})
	}
	return output.PrintTable(w, []string{"MODIFIED", "SIZE", "KEY"}, rows)
}
