package errors

// Process exit codes, one per domain
const (
	ExitOK          = 0
	ExitInternal    = 1
	ExitUsage       = 2
	ExitEnvironment = 3
	ExitFetch       = 4
	ExitBuild       = 5
	ExitPackage     = 6
	ExitStorage     = 7

	// ExitInterrupted follows the shell convention for SIGINT
	ExitInterrupted = 130
)

// Common error codes used across domains
const (
	CodeNotFound       Code = "not_found"
	CodeInvalidRequest Code = "invalid_request"
	CodeInternal       Code = "internal_error"
	CodeUnavailable    Code = "unavailable"
)

// ============================================================================
// Usage Errors
// ============================================================================

var (
	// ErrUsage is returned when no arguments were given
	ErrUsage = New(DomainUsage, CodeInvalidRequest, ExitUsage,
		"Missing device name")

	// ErrUnknownDevice is returned when no <device>_defconfig exists
	ErrUnknownDevice = New(DomainUsage, "unknown_device", ExitUsage,
		"Unknown device")

	// ErrNoDevices is returned when the defconfig directory holds no device configs
	ErrNoDevices = New(DomainUsage, "no_devices", ExitUsage,
		"No device configurations found")
)

// ============================================================================
// Environment Errors
// ============================================================================

var (
	// ErrToolchainMissing is returned when the toolchain directory does not exist
	ErrToolchainMissing = New(DomainEnvironment, "toolchain_missing", ExitEnvironment,
		"Toolchain directory not found")

	// ErrCompilerMissing is returned when clang cannot be resolved on the search path
	ErrCompilerMissing = New(DomainEnvironment, "compiler_missing", ExitEnvironment,
		"Compiler not found on search path")

	// ErrCacheDir is returned when the compiler cache directory cannot be created
	ErrCacheDir = New(DomainEnvironment, "cache_dir", ExitEnvironment,
		"Cannot create compiler cache directory")

	// ErrSourceMissing is returned when the kernel source tree is not usable
	ErrSourceMissing = New(DomainEnvironment, "source_missing", ExitEnvironment,
		"Kernel source tree not found")
)

// ============================================================================
// Fetch Errors
// ============================================================================

var (
	// ErrTemplateClone is returned when the packaging template cannot be cloned
	ErrTemplateClone = New(DomainFetch, "template_clone_failed", ExitFetch,
		"Failed to clone packaging template")

	// ErrSetupScript is returned when the security module setup procedure fails
	ErrSetupScript = New(DomainFetch, "setup_failed", ExitFetch,
		"Security module setup failed")
)

// ============================================================================
// Build Errors
// ============================================================================

var (
	// ErrMakeFailed is returned when a make invocation exits non-zero
	ErrMakeFailed = New(DomainBuild, "make_failed", ExitBuild,
		"Kernel build command failed")

	// ErrConfigEdit is returned when scripts/config fails
	ErrConfigEdit = New(DomainBuild, "config_edit_failed", ExitBuild,
		"Kernel configuration edit failed")

	// ErrImageMissing is returned when the kernel image is absent after compilation
	ErrImageMissing = New(DomainBuild, "image_missing", ExitBuild,
		"Kernel image not found after build")

	// ErrDeviceTreePatch is returned when the device tree backup or patch fails
	ErrDeviceTreePatch = New(DomainBuild, "dt_patch_failed", ExitBuild,
		"Device tree patching failed")
)

// ============================================================================
// Package Errors
// ============================================================================

var (
	// ErrArchiveFailed is returned when the zip archive cannot be created
	ErrArchiveFailed = New(DomainPackage, "archive_failed", ExitPackage,
		"Failed to create package archive")

	// ErrStagingFailed is returned when build outputs cannot be staged into the template
	ErrStagingFailed = New(DomainPackage, "staging_failed", ExitPackage,
		"Failed to stage build outputs")
)

// ============================================================================
// Storage Errors
// ============================================================================

var (
	// ErrStorageUploadFailed is returned when publishing an artifact fails
	ErrStorageUploadFailed = New(DomainStorage, "upload_failed", ExitStorage,
		"Failed to upload object to storage")

	// ErrStorageUnavailable is returned when the storage backend is unavailable
	ErrStorageUnavailable = New(DomainStorage, CodeUnavailable, ExitStorage,
		"Storage backend unavailable")
)

// ============================================================================
// Database Errors
// ============================================================================

var (
	// ErrDatabaseConnection is returned when the history database cannot be opened
	ErrDatabaseConnection = New(DomainDatabase, "connection_failed", ExitInternal,
		"Database connection failed")

	// ErrDatabaseQuery is returned when a database query fails
	ErrDatabaseQuery = New(DomainDatabase, "query_failed", ExitInternal,
		"Database query failed")
)

// ============================================================================
// Internal Errors
// ============================================================================

var (
	// ErrInternal is a generic internal error
	ErrInternal = New(DomainInternal, CodeInternal, ExitInternal,
		"Internal error")
)
