// Package config assembles the Config spec.md §6 requires: two
// positional CLI arguments plus environment-driven extras, following
// the teacher's envOr fallback idiom.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/replayproxy/replayproxy/internal/keyspace"
)

// Config is the fully-resolved startup configuration. It is built once
// by Load and never mutated afterward, matching spec.md §3's
// "CacheConfig is built once at startup, immutable thereafter."
type Config struct {
	UpstreamURL *url.URL
	StorageDir  string
	ListenAddr  string

	Query     keyspace.QueryPolicy
	HostInKey bool

	RequestLogLimit int

	S3Bucket         string
	S3Prefix         string
	S3ForcePathStyle bool

	LogLevel slog.Level
}

// Load parses the two required positional arguments (TARGET_URL,
// STORAGE_DIR) from args and layers environment-driven extras on top,
// per spec.md §6.
func Load(args []string) (Config, error) {
	if len(args) < 2 {
		return Config{}, fmt.Errorf("config: usage: replayproxy TARGET_URL STORAGE_DIR")
	}

	upstream, err := url.Parse(args[0])
	if err != nil {
		return Config{}, fmt.Errorf("config: parsing TARGET_URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return Config{}, fmt.Errorf("config: TARGET_URL %q must be an absolute URL", args[0])
	}

	storageDir := args[1]
	if storageDir == "" {
		return Config{}, fmt.Errorf("config: STORAGE_DIR must not be empty")
	}

	requestLogLimit, _ := strconv.Atoi(envOr("REQUEST_LOG_LIMIT", "1000"))

	return Config{
		UpstreamURL:      upstream,
		StorageDir:       storageDir,
		ListenAddr:       envOr("LISTEN_ADDR", "127.0.0.1:0"),
		Query:            parseQueryPolicy(envOr("QUERY_IN_PATH", "all")),
		HostInKey:        envOr("HOST_IN_KEY", "true") == "true",
		RequestLogLimit:  requestLogLimit,
		S3Bucket:         os.Getenv("MIRROR_S3_BUCKET"),
		S3Prefix:         os.Getenv("MIRROR_S3_PREFIX"),
		S3ForcePathStyle: envOr("MIRROR_S3_FORCE_PATH_STYLE", "false") == "true",
		LogLevel:         parseLogLevel(envOr("LOG_LEVEL", "info")),
	}, nil
}

// KeyspaceConfig derives the keyspace.Config this Config's cache-key
// policy describes, rooted at StorageDir.
func (c Config) KeyspaceConfig() keyspace.Config {
	return keyspace.Config{
		RootDir:   c.StorageDir,
		Query:     c.Query,
		HostInKey: c.HostInKey,
	}
}

// MirrorEnabled reports whether enough configuration is present to
// construct an S3 mirror.
func (c Config) MirrorEnabled() bool {
	return c.S3Bucket != ""
}

func parseQueryPolicy(s string) keyspace.QueryPolicy {
	switch strings.ToLower(s) {
	case "none":
		return keyspace.QueryPolicy{Kind: keyspace.QueryNone}
	case "all", "":
		return keyspace.QueryPolicy{Kind: keyspace.QueryAll}
	default:
		// A comma-separated list selects those names, sorted and
		// deduplicated for keyspace.QueryPolicy.Selects' binary search.
		names := strings.Split(s, ",")
		for i, n := range names {
			names[i] = strings.TrimSpace(n)
		}
		sort.Strings(names)
		names = slices.Compact(names)
		return keyspace.QueryPolicy{Kind: keyspace.QuerySelected, Names: names}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
