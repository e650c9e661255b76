// Package version contains build version information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// version is set by the linker via -ldflags, e.g.
//
//	go build -ldflags="-X github.com/soofff/dhcpserver/internal/version.version=v1.0.0"
var version = "dev"

// Version returns the build version.
func Version() (v string) {
	return version
}

// Verbose returns a detailed, multi-line version description including the
// Go toolchain version and the module's build dependencies, in the style
// of `go version -m`.
func Verbose() (v string) {
	b := &strings.Builder{}

	fmt.Fprintf(b, "dhcpserver, version %s\n", version)
	fmt.Fprintf(b, "go version: %s\n", runtime.Version())
	fmt.Fprintf(b, "os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b.String()
	}

	for _, dep := range info.Deps {
		fmt.Fprintf(b, "dep: %s\n", fmtModule(dep))
	}

	return b.String()
}

// fmtModule returns formatted information about m, resolving a replace
// directive if any. The result looks like:
//
//	github.com/user/module@v1.2.3
func fmtModule(m *debug.Module) (formatted string) {
	if m == nil {
		return ""
	}

	if repl := m.Replace; repl != nil {
		return fmtModule(repl)
	}

	return fmt.Sprintf("%s@%s", m.Path, m.Version)
}
