// Package version contains the version of the rmbt-control library.
package version

// Version is the symbolic version of this library. It is reported to the
// control server as part of the user agent and can be overridden at build
// time with -ldflags "-X github.com/m-lab/rmbt-control/pkg/version.Version=...".
var Version = "v0.1.0"
