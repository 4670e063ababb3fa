package build

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bitswalk/kbuild/src/kbuild/request"
)

// DirectiveOp is a scripts/config operation
type DirectiveOp string

const (
	OpEnable  DirectiveOp = "-e"
	OpDisable DirectiveOp = "-d"
	OpModule  DirectiveOp = "-m"
	OpSetStr  DirectiveOp = "--set-str"
	OpSetVal  DirectiveOp = "--set-val"
)

// ConfigDirective is one scripts/config edit. Symbol has no CONFIG_ prefix.
type ConfigDirective struct {
	Op     DirectiveOp
	Symbol string
	Value  string
}

// Enable returns a -e directive
func Enable(symbol string) ConfigDirective { return ConfigDirective{Op: OpEnable, Symbol: symbol} }

// Disable returns a -d directive
func Disable(symbol string) ConfigDirective { return ConfigDirective{Op: OpDisable, Symbol: symbol} }

// SetStr returns a --set-str directive
func SetStr(symbol, value string) ConfigDirective {
	return ConfigDirective{Op: OpSetStr, Symbol: symbol, Value: value}
}

// Args returns the scripts/config arguments for the directive
func (d ConfigDirective) Args() []string {
	switch d.Op {
	case OpSetStr, OpSetVal:
		return []string{string(d.Op), d.Symbol, d.Value}
	default:
		return []string{string(d.Op), d.Symbol}
	}
}

func (d ConfigDirective) String() string {
	return strings.Join(d.Args(), " ")
}

// KernelSUDirectives enable SukiSU with manual hooks, SUSFS and KPM support
var KernelSUDirectives = []ConfigDirective{
	Enable("KSU"),
	Enable("KSU_MANUAL_HOOK"),
	Enable("KSU_SUSFS"),
	Enable("KSU_SUSFS_SUS_PATH"),
	Enable("KSU_SUSFS_SUS_MOUNT"),
	Enable("KSU_SUSFS_SUS_KSTAT"),
	Enable("KSU_SUSFS_SPOOF_UNAME"),
	Enable("KSU_SUSFS_OPEN_REDIRECT"),
	Enable("KPM"),
	Enable("KALLSYMS"),
	Enable("KALLSYMS_ALL"),
}

// KernelSUDisabled is used when the security module is not requested
var KernelSUDisabled = []ConfigDirective{
	Disable("KSU"),
}

// MIUIDirectives turn on the vendor features MIUI/HyperOS userspace expects
var MIUIDirectives = []ConfigDirective{
	SetStr("STATIC_USERMODEHELPER_PATH", "/system/bin/micd"),
	Enable("PERF_CRITICAL_RT_TASK"),
	Enable("SF_BINDER"),
	Enable("OVERLAY_FS"),
	Disable("DEBUG_FS"),
	Enable("MIGT"),
	Enable("MIGT_ENERGY_MODEL"),
	Enable("MIHW"),
	Enable("PACKAGE_RUNTIME_INFO"),
	Enable("BINDER_OPT"),
	Enable("KPERFEVENTS"),
	Enable("MILLET"),
	Enable("PERF_HUMANTASK"),
	Disable("LTO_CLANG"),
	Disable("LOCALVERSION_AUTO"),
	Enable("XIAOMI_MIUI"),
	Disable("MI_MEMORY_SYSFS"),
	Enable("TASK_DELAY_ACCT"),
	Enable("MIUI_ZRAM_MEMORY_TRACKING"),
	Disable("MODULE_SIG_SHA512"),
	Disable("MODULE_SIG_HASH"),
	Enable("MI_FRAGMENTION"),
	Enable("PERF_HELPER"),
	Enable("BOOTUP_RECLAIM"),
	Enable("MI_RECLAIM"),
	Enable("RTMM"),
}

// ConfigDirectives returns the ordered edits for one variant build
func ConfigDirectives(kernelSU bool, variant request.Variant) []ConfigDirective {
	var ds []ConfigDirective
	if kernelSU {
		ds = append(ds, KernelSUDirectives...)
	} else {
		ds = append(ds, KernelSUDisabled...)
	}
	if variant == request.VariantMIUI {
		ds = append(ds, MIUIDirectives...)
	}
	return ds
}

// ScriptsConfigCommand returns the scripts/config invocation applying ds to configFile
func ScriptsConfigCommand(configFile string, ds []ConfigDirective) []string {
	cmd := []string{"scripts/config", "--file", configFile}
	for _, d := range ds {
		cmd = append(cmd, d.Args()...)
	}
	return cmd
}

// ParseConfigFile parses a kernel .config file into a map
func ParseConfigFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	options := make(map[string]string)
	scanner := bufio.NewScanner(file)

	setRegex := regexp.MustCompile(`^(CONFIG_[A-Za-z0-9_]+)=(.*)$`)
	unsetRegex := regexp.MustCompile(`^# (CONFIG_[A-Za-z0-9_]+) is not set$`)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if matches := setRegex.FindStringSubmatch(line); matches != nil {
			value := matches[2]
			if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
				value = value[1 : len(value)-1]
			}
			options[matches[1]] = value
		} else if matches := unsetRegex.FindStringSubmatch(line); matches != nil {
			options[matches[1]] = "n"
		}
	}

	return options, scanner.Err()
}

// UnappliedDirectives returns the directives the final config does not reflect.
// Kconfig silently drops symbols it does not know or whose dependencies are unmet.
func UnappliedDirectives(options map[string]string, ds []ConfigDirective) []string {
	var out []string
	for _, d := range ds {
		got, set := options["CONFIG_"+d.Symbol]
		var ok bool
		switch d.Op {
		case OpEnable:
			ok = got == "y"
		case OpModule:
			ok = got == "m"
		case OpDisable:
			ok = !set || got == "n"
		case OpSetStr, OpSetVal:
			ok = got == d.Value
		}
		if !ok {
			if !set {
				got = "unset"
			}
			out = append(out, fmt.Sprintf("%s (got %s)", d.String(), got))
		}
	}
	return out
}
