// Package version exposes build metadata injected at link time:
//
//	go build -ldflags "-X github.com/rickgao/nostr-pool/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/nostr-pool/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/nostr-pool/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

var (
	// Version is the semantic version.
	Version = "dev"

	// Commit is the short git commit hash.
	Commit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)

// String formats the build metadata for -version output.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}
