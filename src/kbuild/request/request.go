// Package request turns command-line tokens into an immutable build request.
package request

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/common/logs"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the request package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// DefconfigSuffix is stripped from config basenames to obtain device names
const DefconfigSuffix = "_defconfig"

// Recognised flag tokens, matched by exact equality
const (
	TokenKernelSU = "ksu"
	TokenAOSP     = "--aosp"
	TokenMIUI     = "--miui"
)

// ErrHelp is returned when the first token asks for help
var ErrHelp = stderrors.New("help requested")

// Variant is one of the two build flavours
type Variant string

const (
	VariantAOSP Variant = "AOSP"
	VariantMIUI Variant = "MIUI"
)

// Request is the parsed command line. It is never modified after Parse returns.
type Request struct {
	Device   string
	KernelSU bool
	AOSP     bool
	MIUI     bool

	// Ignored lists tokens that were not recognised
	Ignored []string
}

// Variants returns the requested variants in build order: AOSP before MIUI
func (r *Request) Variants() []Variant {
	var variants []Variant
	if r.AOSP {
		variants = append(variants, VariantAOSP)
	}
	if r.MIUI {
		variants = append(variants, VariantMIUI)
	}
	return variants
}

// KernelSUTag is the security module status used in artifact names
func (r *Request) KernelSUTag() string {
	if r.KernelSU {
		return "SukiSU"
	}
	return "NoKernelSU"
}

// IsHelp reports whether tok is a help flag
func IsHelp(tok string) bool {
	return tok == "--help" || tok == "-h"
}

// Parse builds a Request from tokens. The first token is the device name and must
// have a matching <device>_defconfig in defconfigDir.
func Parse(tokens []string, defconfigDir string) (*Request, error) {
	if len(tokens) == 0 {
		return nil, usageError(errors.ErrUsage, defconfigDir)
	}
	if IsHelp(tokens[0]) {
		return nil, ErrHelp
	}

	req := &Request{Device: tokens[0]}

	aosp, miui := false, false
	for _, tok := range tokens[1:] {
		switch tok {
		case TokenKernelSU:
			req.KernelSU = true
		case TokenAOSP:
			aosp = true
		case TokenMIUI:
			miui = true
		default:
			log.Warn("Ignoring unknown argument", "arg", tok)
			req.Ignored = append(req.Ignored, tok)
		}
	}

	if !aosp && !miui {
		aosp, miui = true, true
	}
	req.AOSP, req.MIUI = aosp, miui

	if !isDevice(req.Device, defconfigDir) {
		return nil, usageError(errors.ErrUnknownDevice.WithMessagef("Unknown device %q", req.Device), defconfigDir)
	}

	return req, nil
}

// isDevice reports whether <device>_defconfig exists as a regular file
func isDevice(device, defconfigDir string) bool {
	if device == "" || strings.ContainsRune(device, filepath.Separator) {
		return false
	}
	info, err := os.Stat(filepath.Join(defconfigDir, device+DefconfigSuffix))
	return err == nil && info.Mode().IsRegular()
}

// ListDevices returns the sorted device names found in defconfigDir
func ListDevices(defconfigDir string) ([]string, error) {
	entries, err := os.ReadDir(defconfigDir)
	if err != nil {
		return nil, err
	}

	var devices []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), DefconfigSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), DefconfigSuffix)
		if name != "" {
			devices = append(devices, name)
		}
	}
	sort.Strings(devices)
	return devices, nil
}

// usageError appends the valid device list to a usage error
func usageError(base *errors.Error, defconfigDir string) *errors.Error {
	devices, err := ListDevices(defconfigDir)
	if err != nil || len(devices) == 0 {
		return base.WithMessagef("%s; no device configurations found in %s", base.Message, defconfigDir)
	}
	return base.WithMessagef("%s; available devices: %s", base.Message, strings.Join(devices, ", "))
}
