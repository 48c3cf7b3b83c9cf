// Package version reports the imageopt build version.
//
// Release builds set Version via -ldflags:
//
//	go build -ldflags "-X github.com/aweris/imageopt/internal/version.Version=v0.2.0"
//
// Otherwise the main module version from the embedded build info is used.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Unknown is reported when no version can be determined.
const Unknown = "unknown"

// Version is set via -ldflags at build time.
var Version = ""

const modulePath = "github.com/aweris/imageopt"

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// Short returns the version number, or Unknown.
func Short() string {
	if Version != "" {
		return Version
	}
	info, ok := readBuildInfo()
	if !ok {
		return Unknown
	}
	if info.Main.Path == modulePath && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath && dep.Version != "" {
			return dep.Version
		}
	}
	return Unknown
}

// Full returns the version with Go and platform details for --version.
func Full() string {
	return fmt.Sprintf("%s (%s %s/%s)", Short(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
