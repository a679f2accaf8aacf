package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/values"
	"github.com/reglet-dev/mcphost/internal/version"
)

// DefaultMaxDownloadSize caps generic HTTP downloads.
const DefaultMaxDownloadSize int64 = 64 << 20

// HTTPSource downloads modules over plain HTTP(S).
type HTTPSource struct {
	client    *http.Client
	userAgent string
	maxSize   int64
}

var _ ports.ArtifactSource = (*HTTPSource)(nil)

// NewHTTPSource creates an HTTP source. A nil client uses a default one
// with a five minute timeout; maxSize <= 0 uses DefaultMaxDownloadSize.
func NewHTTPSource(client *http.Client, maxSize int64) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxDownloadSize
	}
	return &HTTPSource{
		client:    client,
		userAgent: version.Get().UserAgent(),
		maxSize:   maxSize,
	}
}

// Schemes implements ports.ArtifactSource.
func (s *HTTPSource) Schemes() []values.Scheme {
	return []values.Scheme{values.SchemeHTTP, values.SchemeHTTPS}
}

// Identify implements ports.ArtifactSource. Plain URLs carry no content
// identity; the declared digest, when configured, is the only shortcut.
func (s *HTTPSource) Identify(context.Context, values.Location) (ports.SourceIdentity, error) {
	return ports.SourceIdentity{}, nil
}

// Fetch implements ports.ArtifactSource.
func (s *HTTPSource) Fetch(ctx context.Context, loc values.Location, _ ports.SourceIdentity) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.Address(), nil)
	if err != nil {
		return nil, apperrors.NewFetchError("", apperrors.CauseUnreachable, loc.String(), err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.NewFetchError("", apperrors.CauseUnreachable, loc.String(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := checkStatus(loc, resp.StatusCode); err != nil {
		return nil, err
	}
	if resp.ContentLength > s.maxSize {
		return nil, s.tooLarge(loc, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return nil, apperrors.NewFetchError("", apperrors.CauseUnreachable, loc.String(), err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, s.tooLarge(loc, int64(len(data)))
	}
	return data, nil
}

func (s *HTTPSource) tooLarge(loc values.Location, size int64) error {
	return apperrors.NewFetchError("", apperrors.CauseArchive, loc.String(),
		fmt.Errorf("download of %s exceeds limit of %s", humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.maxSize))))
}

func checkStatus(loc values.Location, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return apperrors.NewFetchError("", apperrors.CauseNotFound, loc.String(), &statusError{code: code})
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperrors.NewFetchError("", apperrors.CauseAuthentication, loc.String(), &statusError{code: code})
	default:
		return apperrors.NewFetchError("", apperrors.CauseUnreachable, loc.String(), &statusError{code: code})
	}
}
