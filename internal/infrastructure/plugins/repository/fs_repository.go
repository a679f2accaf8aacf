// Package repository stores plugin artifacts on the local filesystem.
package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

const (
	artifactPrefix = "sha256-"
	artifactExt    = ".wasm"
	metadataExt    = ".json"
	indexDir       = "index"
	defaultIndex   = 1024

	defaultFetchTimeout = 5 * time.Minute
)

// artifactMetadata is the sidecar written next to each artifact.
type artifactMetadata struct {
	FetchedAt      time.Time `json:"fetched_at"`
	SourceLocation string    `json:"source_location"`
}

type cacheEntry struct {
	artifact *entities.CachedArtifact
	data     []byte
}

// FSArtifactCache is a content-addressed artifact store. Files are named
// sha256-<hex>.wasm and written via temp file and rename. Pre-computed
// identities (registry digests) map to content digests through an on-disk
// index fronted by an in-memory LRU.
type FSArtifactCache struct {
	index   *lru.Cache[string, values.Digest]
	group   singleflight.Group
	metrics ports.Metrics
	logger  *slog.Logger
	dir     string
	now     func() time.Time

	fetchTimeout time.Duration
}

var _ ports.ArtifactCache = (*FSArtifactCache)(nil)

// Option configures the cache.
type Option func(*FSArtifactCache)

// WithMetrics records hits and misses.
func WithMetrics(m ports.Metrics) Option {
	return func(c *FSArtifactCache) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *FSArtifactCache) {
		c.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *FSArtifactCache) {
		c.now = now
	}
}

// WithFetchTimeout bounds one shared download.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *FSArtifactCache) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// NewFSArtifactCache opens or creates a cache rooted at dir.
// An unusable directory is an error the host cannot start without.
func NewFSArtifactCache(dir string, opts ...Option) (*FSArtifactCache, error) {
	if err := os.MkdirAll(filepath.Join(dir, indexDir), 0o750); err != nil {
		return nil, fmt.Errorf("create artifact cache %s: %w", dir, err)
	}
	index, err := lru.New[string, values.Digest](defaultIndex)
	if err != nil {
		return nil, err
	}
	c := &FSArtifactCache{
		index:   index,
		metrics: ports.NopMetrics{},
		logger:  slog.Default(),
		dir:     dir,
		now:     time.Now,

		fetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dir returns the cache root.
func (c *FSArtifactCache) Dir() string {
	return c.dir
}

// GetOrInsert returns the artifact identified by key, fetching it on a miss.
// Concurrent callers for the same key share one fetch, bounded by the fetch
// timeout rather than any caller's context; each caller still stops waiting
// when its own context ends. An empty key skips the identity index.
func (c *FSArtifactCache) GetOrInsert(ctx context.Context, key string, source values.Location, declared values.Digest, fetch ports.FetchFunc) (*entities.CachedArtifact, []byte, error) {
	flightKey := key
	if flightKey == "" {
		flightKey = "location:" + source.String()
	}

	ch := c.group.DoChan(flightKey, func() (any, error) {
		// The fetch is shared, so it runs detached from the first caller.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.getOrInsert(fetchCtx, key, source, declared, fetch)
	})
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, res.Err
		}
		entry := res.Val.(*cacheEntry)
		art := *entry.artifact
		return &art, entry.data, nil
	}
}

func (c *FSArtifactCache) getOrInsert(ctx context.Context, key string, source values.Location, declared values.Digest, fetch ports.FetchFunc) (*cacheEntry, error) {
	if key != "" {
		if digest, ok := c.lookupKey(key); ok && (declared.IsZero() || declared.Equals(digest)) {
			if entry, ok := c.read(digest); ok {
				c.metrics.CacheLookup(true)
				return entry, nil
			}
		}
	}
	// A key names the bytes only once it has been fetched, unless the key
	// is the content digest itself.
	if !declared.IsZero() && (key == "" || key == declared.String()) {
		if entry, ok := c.read(declared); ok {
			c.metrics.CacheLookup(true)
			c.recordKey(key, declared)
			return entry, nil
		}
	}
	c.metrics.CacheLookup(false)

	data, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	computed := values.ComputeDigest(data)
	if !declared.IsZero() && !declared.Equals(computed) {
		return nil, apperrors.NewIntegrityError("", declared.String(), computed.String())
	}

	art, err := c.write(computed, data, source)
	if err != nil {
		return nil, err
	}
	c.recordKey(key, computed)
	c.logger.Debug("artifact cached", "digest", computed.String(), "source", source.String(), "size", len(data))
	return &cacheEntry{artifact: art, data: data}, nil
}

// Lookup returns the artifact stored under digest.
func (c *FSArtifactCache) Lookup(_ context.Context, digest values.Digest) (*entities.CachedArtifact, []byte, bool, error) {
	if digest.IsZero() {
		return nil, nil, false, nil
	}
	entry, ok := c.read(digest)
	if !ok {
		return nil, nil, false, nil
	}
	return entry.artifact, entry.data, true, nil
}

// List returns every stored artifact, oldest first.
func (c *FSArtifactCache) List(_ context.Context) ([]entities.CachedArtifact, error) {
	matches, err := filepath.Glob(filepath.Join(c.dir, artifactPrefix+"*"+artifactExt))
	if err != nil {
		return nil, err
	}
	out := make([]entities.CachedArtifact, 0, len(matches))
	for _, path := range matches {
		digest, ok := digestFromPath(path)
		if !ok {
			continue
		}
		art, err := c.describe(digest)
		if err != nil {
			c.logger.Debug("skipping unreadable artifact", "path", path, "error", err)
			continue
		}
		out = append(out, *art)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FetchedAt.Before(out[j].FetchedAt)
	})
	return out, nil
}

// Prune removes artifacts fetched more than olderThan ago.
func (c *FSArtifactCache) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	arts, err := c.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-olderThan)
	removed := 0
	for _, art := range arts {
		if !art.FetchedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(art.LocalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", art.LocalPath, err)
		}
		_ = os.Remove(c.metadataPath(art.ContentHash))
		removed++
	}
	if removed > 0 {
		c.index.Purge()
	}
	return removed, nil
}

// read loads and re-verifies an artifact. A file whose bytes no longer hash
// to its name is removed and reported as a miss.
func (c *FSArtifactCache) read(digest values.Digest) (*cacheEntry, bool) {
	path := c.artifactPath(digest)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if !digest.Matches(data) {
		c.logger.Warn("cached artifact corrupted, refetching", "digest", digest.String(), "path", path)
		_ = os.Remove(path)
		_ = os.Remove(c.metadataPath(digest))
		return nil, false
	}
	art, err := c.describe(digest)
	if err != nil {
		return nil, false
	}
	return &cacheEntry{artifact: art, data: data}, true
}

func (c *FSArtifactCache) describe(digest values.Digest) (*entities.CachedArtifact, error) {
	path := c.artifactPath(digest)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	art := &entities.CachedArtifact{
		ContentHash: digest,
		LocalPath:   path,
		FetchedAt:   info.ModTime(),
	}

	raw, err := os.ReadFile(c.metadataPath(digest))
	if err != nil {
		return art, nil
	}
	var meta artifactMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return art, nil
	}
	art.FetchedAt = meta.FetchedAt
	if loc, err := values.ParseLocation(meta.SourceLocation); err == nil {
		art.SourceLocation = loc
	}
	return art, nil
}

func (c *FSArtifactCache) write(digest values.Digest, data []byte, source values.Location) (*entities.CachedArtifact, error) {
	path := c.artifactPath(digest)
	if err := writeAtomic(c.dir, path, data); err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	meta := artifactMetadata{
		FetchedAt:      c.now().UTC(),
		SourceLocation: source.String(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(c.dir, c.metadataPath(digest), raw); err != nil {
		return nil, fmt.Errorf("store artifact metadata: %w", err)
	}

	return &entities.CachedArtifact{
		ContentHash:    digest,
		LocalPath:      path,
		FetchedAt:      meta.FetchedAt,
		SourceLocation: source,
	}, nil
}

func (c *FSArtifactCache) lookupKey(key string) (values.Digest, bool) {
	if d, ok := c.index.Get(key); ok {
		return d, true
	}
	raw, err := os.ReadFile(c.indexPath(key))
	if err != nil {
		return values.Digest{}, false
	}
	d, err := values.ParseDigest(strings.TrimSpace(string(raw)))
	if err != nil || d.IsZero() {
		return values.Digest{}, false
	}
	c.index.Add(key, d)
	return d, true
}

func (c *FSArtifactCache) recordKey(key string, digest values.Digest) {
	if key == "" {
		return
	}
	c.index.Add(key, digest)
	if err := writeAtomic(c.dir, c.indexPath(key), []byte(digest.String())); err != nil {
		c.logger.Debug("failed to persist cache index entry", "key", key, "error", err)
	}
}

func (c *FSArtifactCache) artifactPath(d values.Digest) string {
	return filepath.Join(c.dir, artifactPrefix+d.Hex()+artifactExt)
}

func (c *FSArtifactCache) metadataPath(d values.Digest) string {
	return filepath.Join(c.dir, artifactPrefix+d.Hex()+metadataExt)
}

func (c *FSArtifactCache) indexPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, indexDir, hex.EncodeToString(sum[:]))
}

func digestFromPath(path string) (values.Digest, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), artifactPrefix), artifactExt)
	d, err := values.ParseDigest(name)
	if err != nil || d.IsZero() {
		return values.Digest{}, false
	}
	return d, true
}

// writeAtomic writes data to a temp file in dir and renames it over path.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
