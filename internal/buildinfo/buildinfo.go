// Package buildinfo carries version stamps set with -ldflags -X.
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info returns the stamps, falling back to VCS settings recorded by the Go toolchain.
func Info() map[string]string {
	out := map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out["go"] = bi.GoVersion
		for _, st := range bi.Settings {
			switch st.Key {
			case "vcs.revision":
				if out["commit"] == "" {
					out["commit"] = st.Value
				}
			case "vcs.time":
				if out["builtAt"] == "" {
					out["builtAt"] = st.Value
				}
			}
		}
	}
	return out
}
