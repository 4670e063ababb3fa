package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/bitswalk/kbuild/src/common/cli"
	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/kbuild/db"
	"github.com/bitswalk/kbuild/src/kbuild/output"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List previously built kernel archives",
	Long: `Lists the archives recorded by earlier builds, newest first.

Records include the checksum, source revision and, for published archives,
the storage key.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringP("output", "o", output.FormatTable, "Output format: table, json, yaml")
	historyCmd.Flags().String("device", "", "Only show archives for this device")
	historyCmd.Flags().String("variant", "", "Only show archives of this variant (AOSP, MIUI)")
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of records (0 for all)")
	historyCmd.Flags().String("id", "", "Show only the record with this id")
}

func runHistory(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")
	device, _ := cmd.Flags().GetString("device")
	variant, _ := cmd.Flags().GetString("variant")
	limit, _ := cmd.Flags().GetInt("limit")
	id, _ := cmd.Flags().GetString("id")

	if !output.ValidFormat(format) {
		return errors.ErrUsage.WithMessagef("Unknown output format %q", format)
	}

	database, err := db.New(db.Config{Path: cli.GetExpandedString("history.path")})
	if err != nil {
		return errors.ErrDatabaseConnection.WithCause(err)
	}
	defer database.Close()

	repo := db.NewArtifactRepository(database)

	var artifacts []db.Artifact
	if id != "" {
		a, err := repo.GetByID(id)
		if err != nil {
			return errors.ErrDatabaseQuery.WithCause(err)
		}
		if a == nil {
			return errors.ErrUsage.WithMessagef("No archive recorded with id %q", id)
		}
		artifacts = []db.Artifact{*a}
	} else {
		artifacts, err = repo.List(db.ArtifactFilter{
			Device:  device,
			Variant: strings.ToUpper(variant),
			Limit:   limit,
		})
		if err != nil {
			return errors.ErrDatabaseQuery.WithCause(err)
		}
	}
	if artifacts == nil {
		artifacts = []db.Artifact{}
	}

	w := cmd.OutOrStdout()
	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, artifacts)
	case output.FormatYAML:
		return output.PrintYAML(w, artifacts)
	}

	if len(artifacts) == 0 {
		fmt.Fprintln(w, "No archives recorded.")
		return nil
	}

	table := make([][]string, 0, len(artifacts))
	for _, a := range artifacts {
		kpm := "-"
		if a.KPMPatched {
			kpm = "yes"
		}
		table = append(table, []string{
			a.CreatedAt.Local().Format(time.DateTime),
			a.Device,
			a.Variant,
			kernelSUTag(a.KernelSU),
			kpm,
			a.Revision,
			output.FormatSize(a.Size),
			a.Name,
		})
	}
	return output.PrintTable(w, []string{"BUILT", "DEVICE", "VARIANT", "KERNELSU", "KPM", "REVISION", "SIZE", "ARCHIVE"}, table)
}

func kernelSUTag(enabled bool) string {
	if enabled {
		return "SukiSU"
	}
	return "none"
}
