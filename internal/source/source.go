package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"caption-sky/server/internal/captions"
)

// Source delivers the most recent caption records, newest first.
type Source interface {
	Fetch(ctx context.Context) ([]captions.Record, error)
}

// Func adapts a function into a Source.
type Func func(ctx context.Context) ([]captions.Record, error)

func (f Func) Fetch(ctx context.Context) ([]captions.Record, error) {
	return f(ctx)
}

const (
	KindNone   = "none"
	KindFile   = "file"
	KindSQLite = "sqlite"
	KindREST   = "rest"

	DefaultTable = "captions"
)

// ErrUnknownKind is returned by Open for an unsupported source kind.
var ErrUnknownKind = errors.New("unknown caption source kind")

// Config selects and tunes the caption source.
type Config struct {
	Kind     string `yaml:"kind"`
	Path     string `yaml:"path"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Table    string `yaml:"table"`
	Limit    int    `yaml:"limit"`
	CacheTTL string `yaml:"cache_ttl"`
	Timeout  string `yaml:"timeout"`
	Watch    bool   `yaml:"watch"`
	Retries  uint64 `yaml:"retries"`

	// AllowPrivateNetwork lets a rest source reach loopback and private
	// addresses.
	AllowPrivateNetwork bool `yaml:"allow_private_network"`
}

func DefaultConfig() Config {
	return Config{
		Kind:     KindNone,
		Table:    DefaultTable,
		Limit:    captions.FetchLimit,
		CacheTTL: "30s",
		Timeout:  "10s",
	}
}

func (c Config) limit() int {
	if c.Limit <= 0 {
		return captions.FetchLimit
	}
	return c.Limit
}

func (c Config) table() string {
	if c.Table == "" {
		return DefaultTable
	}
	return c.Table
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}

// Open builds the configured source. The returned closer releases any
// underlying handle and is never nil.
func Open(cfg Config) (Source, io.Closer, error) {
	var (
		src    Source
		closer io.Closer = nopCloser{}
	)
	switch cfg.Kind {
	case "", KindNone:
		src = Static(nil)
	case KindFile:
		src = NewFile(cfg.Path, cfg.limit())
	case KindSQLite:
		db, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		src = NewSQLite(db, cfg.table(), cfg.limit())
		closer = db
	case KindREST:
		timeout, err := parseDuration(cfg.Timeout, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		src = NewREST(RESTConfig{
			BaseURL: cfg.URL,
			APIKey:  cfg.APIKey,
			Table:   cfg.table(),
			Limit:   cfg.limit(),
			Timeout: timeout,
			Retries: cfg.Retries,

			AllowPrivateNetwork: cfg.AllowPrivateNetwork,
		}, nil)
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}

	ttl, err := parseDuration(cfg.CacheTTL, 0)
	if err != nil {
		return nil, nil, err
	}
	if ttl > 0 && cfg.Kind != KindNone && cfg.Kind != "" {
		src = NewCached(src, ttl)
	}
	return src, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Static serves a fixed batch.
type Static []captions.Record

func (s Static) Fetch(context.Context) ([]captions.Record, error) {
	out := make([]captions.Record, len(s))
	copy(out, s)
	return out, nil
}

// newestFirst orders records by creation time descending, undated records
// last, and truncates to limit.
func newestFirst(records []captions.Record, limit int) []captions.Record {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].CreatedAt, records[j].CreatedAt
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.After(*b)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
