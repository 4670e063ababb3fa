package core

import (
	"context"
	"path/filepath"

	"github.com/bitswalk/kbuild/src/common/cli"
	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/common/paths"
	"github.com/bitswalk/kbuild/src/kbuild/build"
	"github.com/bitswalk/kbuild/src/kbuild/db"
	"github.com/bitswalk/kbuild/src/kbuild/dtpatch"
	"github.com/bitswalk/kbuild/src/kbuild/storage"
	"github.com/spf13/viper"
)

// setDefaults registers the default value of every configuration key
func setDefaults() {
	env := build.DefaultEnvConfig()
	pipeline := build.DefaultConfig()
	ksu := pipeline.KernelSU
	tmpl := pipeline.Template
	store := storage.DefaultConfig()

	viper.SetDefault("source.dir", env.SourceDir)
	viper.SetDefault("defconfig.dir", pipeline.DefconfigDir)
	viper.SetDefault("toolchain.path", env.ToolchainDir)
	viper.SetDefault("ccache.dir", env.CacheDir)
	viper.SetDefault("ccache.wrapper", "")

	viper.SetDefault("build.output", env.Output)
	viper.SetDefault("build.jobs", 0)
	viper.SetDefault("build.log_dir", pipeline.LogDir)
	viper.SetDefault("build.work_dir", pipeline.WorkDir)
	viper.SetDefault("build.clean", false)
	viper.SetDefault("build.verbose", false)

	viper.SetDefault("ksu.setup_url", ksu.SetupURL)
	viper.SetDefault("ksu.setup_args", ksu.SetupArgs)
	viper.SetDefault("ksu.dir", ksu.Dir)
	viper.SetDefault("ksu.version.marker", ksu.Version.Marker)
	viper.SetDefault("ksu.version.source", ksu.Version.Source)
	viper.SetDefault("ksu.version.key", ksu.Version.Key)
	viper.SetDefault("ksu.version.target", ksu.Version.Target)
	viper.SetDefault("ksu.version.field", ksu.Version.Field)

	viper.SetDefault("kpm.patch_url", pipeline.KPM.PatchURL)
	viper.SetDefault("kpm.sha256", "")

	viper.SetDefault("template.url", tmpl.URL)
	viper.SetDefault("template.branch", tmpl.Branch)
	viper.SetDefault("template.dir", tmpl.Dir)
	viper.SetDefault("template.staging", tmpl.Staging)

	viper.SetDefault("dt.table", "")

	viper.SetDefault("publish.enabled", false)
	viper.SetDefault("publish.presign_expiry", pipeline.PresignExpiry)

	viper.SetDefault("storage.type", store.Type)
	viper.SetDefault("storage.local.path", store.Local.BasePath)
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.s3.bucket", "kernels")
	viper.SetDefault("storage.s3.path_style", true)

	viper.SetDefault("history.enabled", true)
	viper.SetDefault("history.path", db.DefaultConfig().Path)
}

// sourceDir returns the absolute kernel source tree
func sourceDir() string {
	dir, err := filepath.Abs(cli.GetExpandedString("source.dir"))
	if err != nil {
		return cli.GetExpandedString("source.dir")
	}
	return dir
}

// defconfigDir returns the directory holding <device>_defconfig files
func defconfigDir() string {
	dir := cli.GetExpandedString("defconfig.dir")
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(sourceDir(), dir)
}

func envConfig() build.EnvConfig {
	return build.EnvConfig{
		SourceDir:     sourceDir(),
		ToolchainDir:  viper.GetString("toolchain.path"),
		CacheDir:      viper.GetString("ccache.dir"),
		CCacheWrapper: viper.GetString("ccache.wrapper"),
		Output:        viper.GetString("build.output"),
		Jobs:          viper.GetInt("build.jobs"),
	}
}

// pipelineConfig assembles the pipeline configuration and loads the device-tree table
func pipelineConfig() (build.Config, error) {
	table, err := dtpatch.LoadTable(cli.GetExpandedString("dt.table"))
	if err != nil {
		return build.Config{}, errors.ErrUsage.WithMessage("Invalid device tree substitution table").WithCause(err)
	}

	return build.Config{
		DefconfigDir: viper.GetString("defconfig.dir"),
		KernelSU: build.KernelSUConfig{
			SetupURL:  viper.GetString("ksu.setup_url"),
			SetupArgs: viper.GetStringSlice("ksu.setup_args"),
			Dir:       viper.GetString("ksu.dir"),
			Version: build.VersionPin{
				Marker: viper.GetString("ksu.version.marker"),
				Source: viper.GetString("ksu.version.source"),
				Key:    viper.GetString("ksu.version.key"),
				Target: viper.GetString("ksu.version.target"),
				Field:  viper.GetString("ksu.version.field"),
			},
		},
		KPM: build.KPMConfig{
			PatchURL: viper.GetString("kpm.patch_url"),
			SHA256:   viper.GetString("kpm.sha256"),
		},
		Template: build.TemplateConfig{
			URL:     viper.GetString("template.url"),
			Branch:  viper.GetString("template.branch"),
			Dir:     paths.Expand(viper.GetString("template.dir")),
			Staging: viper.GetString("template.staging"),
		},
		DTTable:       table,
		LogDir:        paths.Expand(viper.GetString("build.log_dir")),
		WorkDir:       paths.Expand(viper.GetString("build.work_dir")),
		Clean:         viper.GetBool("build.clean"),
		PresignExpiry: viper.GetDuration("publish.presign_expiry"),
	}, nil
}

func storageConfig() storage.Config {
	return storage.Config{
		Type: viper.GetString("storage.type"),
		Local: storage.LocalConfig{
			BasePath: viper.GetString("storage.local.path"),
		},
		S3: storage.S3Config{
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			Region:          viper.GetString("storage.s3.region"),
			Bucket:          viper.GetString("storage.s3.bucket"),
			AccessKeyID:     viper.GetString("storage.s3.access_key"),
			SecretAccessKey: viper.GetString("storage.s3.secret_key"),
			UsePathStyle:    viper.GetBool("storage.s3.path_style"),
		},
	}
}

// openStorage creates the publish backend and checks it is reachable before building
func openStorage(ctx context.Context) (storage.Backend, error) {
	backend, err := storage.New(storageConfig())
	if err != nil {
		return nil, errors.ErrStorageUnavailable.WithCause(err)
	}
	if err := backend.Ping(ctx); err != nil {
		return nil, errors.ErrStorageUnavailable.WithMessagef("Storage %s is not reachable", backend.Location()).WithCause(err)
	}
	log.Debug("Storage backend ready", "backend", backend.Type(), "location", backend.Location())
	return backend, nil
}
