package keyspace

import "sort"

// QueryKind selects which query parameters, if any, partition the cache key.
type QueryKind int

const (
	// QueryAll means every query parameter affects the key. It is the zero
	// value so a bare Config{} matches spec.md §3's stated default.
	QueryAll QueryKind = iota
	// QueryNone means no query parameter affects the key.
	QueryNone
	// QuerySelected means only the named parameters affect the key.
	QuerySelected
)

// QueryPolicy is the tagged "query_in_path" variant from spec.md §3.
type QueryPolicy struct {
	Kind  QueryKind
	Names []string // sorted, deduplicated; only meaningful when Kind == QuerySelected
}

// Selects reports whether a query parameter named name should contribute
// to the cache key under this policy.
func (p QueryPolicy) Selects(name string) bool {
	switch p.Kind {
	case QueryNone:
		return false
	case QueryAll:
		return true
	case QuerySelected:
		i := sort.SearchStrings(p.Names, name)
		return i < len(p.Names) && p.Names[i] == name
	default:
		return false
	}
}

func insertSorted(names []string, name string) []string {
	i := sort.SearchStrings(names, name)
	if i < len(names) && names[i] == name {
		return names
	}
	out := make([]string, len(names)+1)
	copy(out, names[:i])
	out[i] = name
	copy(out[i+1:], names[i:])
	return out
}

// Config is the CacheConfig of spec.md §3: an immutable-once-built bag
// shared by every request.
type Config struct {
	// RootDir is the base directory under which all cache entries live.
	RootDir string
	// Query selects which query parameters partition the cache key.
	// Default (the zero value) is QueryAll, per spec.md §3.
	Query QueryPolicy
	// HostInKey controls whether the URL host (or ":NO-HOST") is the first
	// segment of the cache key. NewConfig sets it true (the zero value is
	// false) — see SPEC_FULL.md's resolution of the host-in-key open
	// question.
	HostInKey bool
}

// NewConfig returns a Config with the documented defaults: query_in_path =
// All, host-in-key enabled, rooted at root.
func NewConfig(root string) Config {
	return Config{
		RootDir:   root,
		Query:     QueryPolicy{Kind: QueryAll},
		HostInKey: true,
	}
}

// WithNoQueryPath returns a copy of cfg with query_in_path = None.
func (cfg Config) WithNoQueryPath() Config {
	cfg.Query = QueryPolicy{Kind: QueryNone}
	return cfg
}

// WithAllQueryPath returns a copy of cfg with query_in_path = All.
func (cfg Config) WithAllQueryPath() Config {
	cfg.Query = QueryPolicy{Kind: QueryAll}
	return cfg
}

// WithQueryPath returns a copy of cfg with name added to the Selected set.
// If cfg's policy is not already Selected, it is replaced with
// Selected({name}) rather than appended to — matching the Rust original's
// with_query_path behavior (storage/config.rs), noted as surprising in
// spec.md §9.
func (cfg Config) WithQueryPath(name string) Config {
	if cfg.Query.Kind != QuerySelected {
		cfg.Query = QueryPolicy{Kind: QuerySelected, Names: []string{name}}
		return cfg
	}
	cfg.Query = QueryPolicy{Kind: QuerySelected, Names: insertSorted(cfg.Query.Names, name)}
	return cfg
}
