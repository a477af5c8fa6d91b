// Package buildinfo holds the bridge's name and version. Version, Commit and
// BuildTime are stamped by release builds:
//
//	go build -ldflags "-X github.com/nedpals/nfc-bridge/buildinfo.Version=1.0.0 \
//	  -X github.com/nedpals/nfc-bridge/buildinfo.Commit=$(git rev-parse --short HEAD)"
//
// Unstamped builds fall back to the VCS revision the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	Name            = "nfc-bridge"
	DisplayName     = "NFC Bridge" // mDNS instance name
	Description     = "NFC tag session bridge with a websocket method channel"
	ProtocolVersion = "1" // method channel revision, advertised in the mDNS TXT record

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// revision returns Commit, or the short VCS revision recorded by the
// toolchain when Commit was not stamped.
func revision() string {
	if Commit != "" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return ""
}

// FullVersion returns "1.0.0", or "1.0.0 (abc1234)" when a revision is known.
func FullVersion() string {
	if rev := revision(); rev != "" {
		return fmt.Sprintf("%s (%s)", Version, rev)
	}
	return Version
}

// BuildInfo returns the multi-line text printed by -version.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&b, "  %s\n", Description)
	fmt.Fprintf(&b, "  Protocol: %s\n", ProtocolVersion)
	fmt.Fprintf(&b, "  Go: %s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&b, "\n  Built: %s", BuildTime)
	}
	return b.String()
}

// IsDev reports whether the binary was built without a release version.
func IsDev() bool {
	return Version == "dev"
}
