// Package version contains the build information of ssme.
package version

// version is set by the linker:
//
//	go build -ldflags "-X github.com/ameshkov/ssme/internal/version.version=v1.2.3"
var version = "dev"

// Version returns the version of the program.
func Version() (v string) {
	return version
}
