package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

type memoryCache struct {
	artifacts []entities.CachedArtifact
	prunedAge time.Duration
}

func (c *memoryCache) GetOrInsert(context.Context, string, values.Location, values.Digest, ports.FetchFunc) (*entities.CachedArtifact, []byte, error) {
	return nil, nil, errors.New("not implemented")
}

func (c *memoryCache) Lookup(context.Context, values.Digest) (*entities.CachedArtifact, []byte, bool, error) {
	return nil, nil, false, nil
}

func (c *memoryCache) List(context.Context) ([]entities.CachedArtifact, error) {
	return c.artifacts, nil
}

func (c *memoryCache) Prune(_ context.Context, olderThan time.Duration) (int, error) {
	c.prunedAge = olderThan
	return len(c.artifacts), nil
}

func TestPluginService_Pull(t *testing.T) {
	svc := NewPluginService(&fakeResolver{failures: map[string]error{}}, &fakeVerifier{untrusted: map[string]bool{}}, &memoryCache{}, nil)

	got, err := svc.Pull(context.Background(), declare("clock"))
	require.NoError(t, err)
	assert.Equal(t, "clock", got.Name)
	assert.True(t, got.Trusted)
	assert.Equal(t, int64(len("\x00asmclock")), got.Size)
	assert.Equal(t, values.ComputeDigest([]byte("\x00asmclock")).String(), got.Digest)
	assert.Contains(t, got.Signer, "dev@example.com")
}

func TestPluginService_PullUntrusted(t *testing.T) {
	svc := NewPluginService(&fakeResolver{failures: map[string]error{}},
		&fakeVerifier{untrusted: map[string]bool{"clock": true}}, &memoryCache{}, nil)

	_, err := svc.Pull(context.Background(), declare("clock"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.KindVerification)
}

func TestPluginService_PullResolveFailure(t *testing.T) {
	fetchErr := apperrors.NewFetchError("clock", apperrors.CauseNotFound, "oci://ghcr.io/example/clock:latest", nil)
	svc := NewPluginService(&fakeResolver{failures: map[string]error{"clock": fetchErr}},
		&fakeVerifier{untrusted: map[string]bool{}}, &memoryCache{}, nil)

	_, err := svc.Pull(context.Background(), declare("clock"))
	assert.ErrorIs(t, err, apperrors.KindFetch)
}

func TestPluginService_ListCachedNewestFirst(t *testing.T) {
	now := time.Now()
	cache := &memoryCache{artifacts: []entities.CachedArtifact{
		{ContentHash: values.ComputeDigest([]byte("old")), FetchedAt: now.Add(-time.Hour)},
		{ContentHash: values.ComputeDigest([]byte("new")), FetchedAt: now},
	}}
	svc := NewPluginService(nil, nil, cache, nil)

	got, err := svc.ListCached(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, values.ComputeDigest([]byte("new")).String(), got[0].Digest)
}

func TestPluginService_Prune(t *testing.T) {
	cache := &memoryCache{artifacts: make([]entities.CachedArtifact, 3)}
	svc := NewPluginService(nil, nil, cache, nil)

	removed, err := svc.Prune(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 24*time.Hour, cache.prunedAge)

	_, err = svc.Prune(context.Background(), -time.Second)
	assert.Error(t, err)
}
