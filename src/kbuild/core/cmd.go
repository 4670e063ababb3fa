// Package core provides the kbuild command line.
package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bitswalk/kbuild/src/common/cli"
	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/common/logs"
	"github.com/bitswalk/kbuild/src/common/version"
	"github.com/bitswalk/kbuild/src/kbuild/build"
	"github.com/bitswalk/kbuild/src/kbuild/db"
	"github.com/bitswalk/kbuild/src/kbuild/download"
	"github.com/bitswalk/kbuild/src/kbuild/dtpatch"
	"github.com/bitswalk/kbuild/src/kbuild/request"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var (
	// VersionInfo holds version information - set at build time via ldflags
	VersionInfo = version.New()

	// Global logger instance
	log = logs.NewDefault()

	// Configuration file path
	cfgFile string

	// rawArgs are the command-line tokens as given, before flag parsing
	rawArgs []string
)

// Linker variables - set via ldflags at build time
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "kbuild <device> [ksu] [--aosp] [--miui]",
	Short: "Android kernel build driver",
	Long: `kbuild compiles an Android arm64 kernel tree with a clang/ccache toolchain
and packages the result as flashable AnyKernel3 zips.

Run it from the kernel source tree. The first argument names the device and must
match a <device>_defconfig. "ksu" integrates SukiSU and patches the image for KPM.
--aosp and --miui restrict the build to one variant; both are built by default.`,
	Example: `  kbuild alioth
  kbuild alioth ksu --miui
  kbuild umi --aosp --publish`,
	Args:               cobra.ArbitraryArgs,
	SilenceUsage:       true,
	SilenceErrors:      true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		return initConfig()
	},
	RunE: runBuild,
}

// Execute runs the root command with the process arguments and returns the exit code
func Execute() int {
	return ExecuteArgs(os.Args[1:])
}

// ExecuteArgs runs the root command with args and returns the exit code
func ExecuteArgs(args []string) int {
	VersionInfo.Version = Version
	VersionInfo.BuildDate = BuildDate
	VersionInfo.GitCommit = GitCommit

	rawArgs = args
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	if err == nil {
		return errors.ExitOK
	}

	if errors.Is(err, context.Canceled) {
		log.Warn("Build interrupted")
		return errors.ExitInterrupted
	}

	log.Error(err.Error())
	if errors.GetDomain(err) == errors.DomainUsage {
		fmt.Fprint(rootCmd.ErrOrStderr(), rootCmd.UsageString())
	}
	return errors.GetExitCode(err)
}

func init() {
	cli.RegisterConfigFlag(rootCmd, &cfgFile, "~/.config/kbuild/kbuild.yaml")
	cli.RegisterLogFlags(rootCmd)

	rootCmd.PersistentFlags().StringP("source", "C", ".", "Kernel source tree")
	_ = viper.BindPFlag("source.dir", rootCmd.PersistentFlags().Lookup("source"))

	// --aosp and --miui are request tokens; they are declared for the help text only
	rootCmd.Flags().Bool("aosp", false, "Build only the AOSP variant")
	rootCmd.Flags().Bool("miui", false, "Build only the MIUI variant")

	rootCmd.Flags().Bool("publish", false, "Upload archives to the configured storage backend")
	rootCmd.Flags().Bool("clean", false, "Remove the output directory after the run")
	rootCmd.Flags().BoolP("verbose", "v", false, "Stream compiler output to the terminal")
	rootCmd.Flags().String("dt-table", "", "Device-tree substitution table (default: built-in)")
	rootCmd.Flags().IntP("jobs", "j", 0, "Parallel make jobs (default: one per CPU)")

	_ = viper.BindPFlag("publish.enabled", rootCmd.Flags().Lookup("publish"))
	_ = viper.BindPFlag("build.clean", rootCmd.Flags().Lookup("clean"))
	_ = viper.BindPFlag("build.verbose", rootCmd.Flags().Lookup("verbose"))
	_ = viper.BindPFlag("dt.table", rootCmd.Flags().Lookup("dt-table"))
	_ = viper.BindPFlag("build.jobs", rootCmd.Flags().Lookup("jobs"))

	setDefaults()

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(publishedCmd)
}

// initConfig reads in config file and ENV variables if set
func initConfig() error {
	opts := cli.DefaultConfigOptions("kbuild", "KBUILD")
	opts.ConfigFile = cfgFile

	if err := cli.InitConfig(opts); err != nil {
		return errors.ErrUsage.WithMessage("Invalid configuration").WithCause(err)
	}

	// Conventional variables of kernel build scripts
	_ = cli.BindEnvAliases("toolchain.path", "KBUILD_TOOLCHAIN_PATH", "CLANG_PATH")
	_ = cli.BindEnvAliases("ccache.dir", "KBUILD_CCACHE_DIR", "CCACHE_DIR")

	log = cli.InitLogger("kbuild")
	request.SetLogger(log)
	build.SetLogger(log)
	download.SetLogger(log)
	dtpatch.SetLogger(log)
	db.SetLogger(log)

	if f := viper.ConfigFileUsed(); f != "" {
		log.Debug("Using config file", "file", f)
	}
	return nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	tokens := requestTokens(rawArgs, cmd)

	req, err := request.Parse(tokens, defconfigDir())
	if errors.Is(err, request.ErrHelp) {
		return cmd.Help()
	}
	if err != nil {
		return err
	}

	// Configuration errors are reported before anything touches the tree or the cache
	cfg, err := pipelineConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	executor := build.NewHostExecutor(nil)
	env, err := build.ConfigureEnvironment(ctx, envConfig(), executor)
	if err != nil {
		return err
	}

	opts := build.Options{
		Executor:   executor,
		Downloader: download.NewDownloader(nil),
		Terminal:   terminalWriter(),
	}

	if viper.GetBool("publish.enabled") {
		backend, err := openStorage(ctx)
		if err != nil {
			return err
		}
		opts.Storage = backend
	}

	if viper.GetBool("history.enabled") {
		database, err := db.New(db.Config{Path: cli.GetExpandedString("history.path")})
		if err != nil {
			log.Warn("Artifact history unavailable", "error", err)
		} else {
			defer database.Close()
			opts.Artifacts = db.NewArtifactRepository(database)
		}
	}

	_, err = build.NewPipeline(cfg, env, opts).Run(ctx, req)
	return err
}

// requestTokens returns the command-line tokens meant for the request parser:
// everything except kbuild's own flags and their values. Unknown flags are kept
// so the parser reports them.
func requestTokens(args []string, cmd *cobra.Command) []string {
	var tokens []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" || arg == request.TokenAOSP || arg == request.TokenMIUI || !strings.HasPrefix(arg, "-") || arg == "-" {
			if arg != "--" {
				tokens = append(tokens, arg)
			}
			continue
		}
		flag := lookupFlag(cmd, arg)
		if flag == nil {
			tokens = append(tokens, arg)
			continue
		}
		if !strings.Contains(arg, "=") && flag.NoOptDefVal == "" && !isShortWithValue(arg) {
			i++ // value is the next token
		}
	}
	return tokens
}

// lookupFlag finds the flag named by a -x, -xVALUE, --name or --name=value token
func lookupFlag(cmd *cobra.Command, arg string) *pflag.Flag {
	for _, flags := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags(), cmd.InheritedFlags()} {
		var f *pflag.Flag
		if strings.HasPrefix(arg, "--") {
			name, _, _ := strings.Cut(arg[2:], "=")
			f = flags.Lookup(name)
		} else {
			f = flags.ShorthandLookup(arg[1:2])
		}
		if f != nil {
			return f
		}
	}
	return nil
}

// isShortWithValue reports whether a shorthand token carries its value, as in -j8
func isShortWithValue(arg string) bool {
	return !strings.HasPrefix(arg, "--") && len(arg) > 2
}

// terminalWriter returns where child output is streamed: stdout when it is a
// terminal or --verbose is set, otherwise nothing
func terminalWriter() io.Writer {
	if viper.GetBool("build.verbose") || term.IsTerminal(int(os.Stdout.Fd())) {
		return os.Stdout
	}
	return nil
}
