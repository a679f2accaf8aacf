package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/name"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	orasretry "oras.land/oras-go/v2/registry/remote/retry"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/values"
	"github.com/reglet-dev/mcphost/internal/version"
)

// Layer media types recognized as carrying a plugin module.
const (
	MediaTypeWasm          = "application/wasm"
	MediaTypeWasmLayer     = "application/vnd.wasm.content.layer.v1+wasm"
	MediaTypeModuleLayer   = "application/vnd.module.wasm.content.layer.v1+wasm"
	mediaTypeDockerLayerGz = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

const dockerHubHost = "registry-1.docker.io"

type layerFormat int

const (
	layerUnknown layerFormat = iota
	layerWasm
	layerTar
	layerTarGzip
)

func formatOf(mediaType string) layerFormat {
	switch mediaType {
	case MediaTypeWasm, MediaTypeWasmLayer, MediaTypeModuleLayer:
		return layerWasm
	case ocispec.MediaTypeImageLayerGzip, mediaTypeDockerLayerGz:
		return layerTarGzip
	case ocispec.MediaTypeImageLayer:
		return layerTar
	}
	switch {
	case strings.HasSuffix(mediaType, "+wasm"):
		return layerWasm
	case strings.HasSuffix(mediaType, ".tar+gzip"), strings.HasSuffix(mediaType, ".tar.gzip"):
		return layerTarGzip
	case strings.HasSuffix(mediaType, ".tar"):
		return layerTar
	}
	return layerUnknown
}

// OCISource pulls modules from OCI registries. The plugin layer digest is
// the pre-computed cache identity and the digest of the referenced manifest
// or index is kept for registry-attached signatures.
type OCISource struct {
	credential auth.CredentialFunc
	client     *http.Client
	insecure   map[string]bool
	layers     sync.Map // identity key -> ocispec.Descriptor
}

var _ ports.ArtifactSource = (*OCISource)(nil)

// OCIOption configures an OCISource.
type OCIOption func(*OCISource)

// WithAuthProvider resolves registry credentials through provider instead
// of the Docker credential store.
func WithAuthProvider(provider ports.AuthProvider) OCIOption {
	return func(s *OCISource) {
		s.credential = func(ctx context.Context, hostport string) (auth.Credential, error) {
			user, pass, err := provider.GetCredentials(ctx, hostport)
			if err != nil {
				return auth.EmptyCredential, err
			}
			return auth.Credential{Username: user, Password: pass}, nil
		}
	}
}

// WithPlainHTTP lets the given registries be reached without TLS.
func WithPlainHTTP(registries ...string) OCIOption {
	return func(s *OCISource) {
		for _, r := range registries {
			s.insecure[r] = true
		}
	}
}

// WithOCIHTTPClient overrides the transport used for registry calls.
func WithOCIHTTPClient(c *http.Client) OCIOption {
	return func(s *OCISource) {
		s.client = c
	}
}

// NewOCISource creates a registry source. Credentials default to the
// Docker credential store; a missing store means anonymous pulls.
func NewOCISource(opts ...OCIOption) *OCISource {
	s := &OCISource{
		client:   orasretry.DefaultClient,
		insecure: make(map[string]bool),
	}
	if store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{}); err == nil {
		s.credential = credentials.Credential(store)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schemes implements ports.ArtifactSource.
func (s *OCISource) Schemes() []values.Scheme {
	return []values.Scheme{values.SchemeOCI}
}

// Identify resolves the manifest and selects the plugin layer.
func (s *OCISource) Identify(ctx context.Context, loc values.Location) (ports.SourceIdentity, error) {
	repo, reference, err := s.repository(loc)
	if err != nil {
		return ports.SourceIdentity{}, err
	}

	manifestDesc, raw, err := fetchReference(ctx, repo, reference)
	if err != nil {
		return ports.SourceIdentity{}, registryError(loc, err)
	}
	// Signatures attach to what the reference names, an index included.
	signed := manifestDesc

	if isIndex(manifestDesc.MediaType) {
		manifestDesc, raw, err = s.selectFromIndex(ctx, repo, raw)
		if err != nil {
			return ports.SourceIdentity{}, registryError(loc, err)
		}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ports.SourceIdentity{}, apperrors.NewFetchError("", apperrors.CauseArchive, loc.String(), fmt.Errorf("decode manifest: %w", err))
	}
	layer, err := pluginLayer(manifest.Layers)
	if err != nil {
		return ports.SourceIdentity{}, apperrors.NewFetchError("", apperrors.CauseArchive, loc.String(), err)
	}

	id := ports.SourceIdentity{
		Key: layer.Digest.String(),
	}
	if remoteDigest, err := values.ParseDigest(signed.Digest.String()); err == nil {
		id.Remote = remoteDigest
	}
	if formatOf(layer.MediaType) == layerWasm {
		if d, err := values.ParseDigest(layer.Digest.String()); err == nil {
			id.Declared = d
		}
	}
	s.layers.Store(id.Key, layer)
	return id, nil
}

// Fetch downloads the plugin layer, extracting the module from archives.
func (s *OCISource) Fetch(ctx context.Context, loc values.Location, id ports.SourceIdentity) ([]byte, error) {
	v, ok := s.layers.Load(id.Key)
	if !ok {
		fresh, err := s.Identify(ctx, loc)
		if err != nil {
			return nil, err
		}
		v, _ = s.layers.Load(fresh.Key)
	}
	layer := v.(ocispec.Descriptor)

	repo, _, err := s.repository(loc)
	if err != nil {
		return nil, err
	}
	blob, err := content.FetchAll(ctx, repo, layer)
	if err != nil {
		return nil, registryError(loc, err)
	}

	switch formatOf(layer.MediaType) {
	case layerTarGzip, layerTar:
		module, err := extractModule(blob, formatOf(layer.MediaType) == layerTarGzip)
		if err != nil {
			return nil, apperrors.NewFetchError("", apperrors.CauseArchive, loc.String(), err)
		}
		return module, nil
	default:
		return blob, nil
	}
}

func (s *OCISource) repository(loc values.Location) (*remote.Repository, string, error) {
	ref, err := name.ParseReference(loc.Address(), name.WithDefaultTag("latest"))
	if err != nil {
		return nil, "", apperrors.NewFetchError("", apperrors.CauseNotFound, loc.String(), fmt.Errorf("invalid reference: %w", err))
	}

	registry := ref.Context().RegistryStr()
	if registry == name.DefaultRegistry {
		registry = dockerHubHost
	}
	repo, err := remote.NewRepository(registry + "/" + ref.Context().RepositoryStr())
	if err != nil {
		return nil, "", apperrors.NewFetchError("", apperrors.CauseNotFound, loc.String(), err)
	}
	repo.PlainHTTP = s.insecure[ref.Context().RegistryStr()]

	client := &auth.Client{
		Client: s.client,
		Cache:  auth.NewCache(),
		Header: http.Header{"User-Agent": {version.Get().UserAgent()}},
	}
	if s.credential != nil {
		client.Credential = s.credential
	}
	repo.Client = client
	return repo, ref.Identifier(), nil
}

func (s *OCISource) selectFromIndex(ctx context.Context, repo *remote.Repository, raw []byte) (ocispec.Descriptor, []byte, error) {
	var index ocispec.Index
	if err := json.Unmarshal(raw, &index); err != nil {
		return ocispec.Descriptor{}, nil, fmt.Errorf("decode index: %w", err)
	}
	if len(index.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, errors.New("index lists no manifests")
	}

	chosen := index.Manifests[0]
	for _, m := range index.Manifests {
		if m.Platform != nil && (m.Platform.Architecture == "wasm" || strings.HasPrefix(m.Platform.OS, "wasi")) {
			chosen = m
			break
		}
	}
	data, err := content.FetchAll(ctx, repo, chosen)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	return chosen, data, nil
}

func fetchReference(ctx context.Context, repo *remote.Repository, reference string) (ocispec.Descriptor, []byte, error) {
	desc, rc, err := repo.FetchReference(ctx, reference)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	data, err := content.ReadAll(rc, desc)
	if err != nil {
		return ocispec.Descriptor{}, nil, err
	}
	return desc, data, nil
}

// pluginLayer picks the layer carrying the module: the first wasm layer,
// else a sole archive layer.
func pluginLayer(layers []ocispec.Descriptor) (ocispec.Descriptor, error) {
	var archives []ocispec.Descriptor
	for _, l := range layers {
		switch formatOf(l.MediaType) {
		case layerWasm:
			return l, nil
		case layerTar, layerTarGzip:
			archives = append(archives, l)
		}
	}
	switch len(archives) {
	case 0:
		return ocispec.Descriptor{}, errors.New("manifest has no wasm or archive layer")
	case 1:
		return archives[0], nil
	default:
		return ocispec.Descriptor{}, fmt.Errorf("manifest has %d archive layers and no wasm layer", len(archives))
	}
}

func isIndex(mediaType string) bool {
	return mediaType == ocispec.MediaTypeImageIndex ||
		mediaType == "application/vnd.docker.distribution.manifest.list.v2+json"
}

func registryError(loc values.Location, err error) error {
	if errors.Is(err, errdef.ErrNotFound) {
		return apperrors.NewFetchError("", apperrors.CauseNotFound, loc.String(), err)
	}
	var respErr *errcode.ErrorResponse
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperrors.NewFetchError("", apperrors.CauseAuthentication, loc.String(), err)
		case http.StatusNotFound:
			return apperrors.NewFetchError("", apperrors.CauseNotFound, loc.String(), err)
		default:
			return apperrors.NewFetchError("", apperrors.CauseUnreachable, loc.String(), &statusError{code: respErr.StatusCode})
		}
	}
	return apperrors.NewFetchError("", apperrors.CauseUnreachable, loc.String(), err)
}
