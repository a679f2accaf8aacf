package sources

import (
	"context"
	"errors"
	"io/fs"
	"os"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/application/ports"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// FileSource reads modules from the local filesystem. Local files have no
// stable identity and are re-read on every resolve.
type FileSource struct{}

var _ ports.ArtifactSource = FileSource{}

// Schemes implements ports.ArtifactSource.
func (FileSource) Schemes() []values.Scheme {
	return []values.Scheme{values.SchemeFile}
}

// Identify implements ports.ArtifactSource.
func (FileSource) Identify(_ context.Context, loc values.Location) (ports.SourceIdentity, error) {
	if _, err := os.Stat(loc.Address()); err != nil {
		return ports.SourceIdentity{}, fileError(loc, err)
	}
	return ports.SourceIdentity{}, nil
}

// Fetch implements ports.ArtifactSource.
func (FileSource) Fetch(_ context.Context, loc values.Location, _ ports.SourceIdentity) ([]byte, error) {
	data, err := os.ReadFile(loc.Address())
	if err != nil {
		return nil, fileError(loc, err)
	}
	return data, nil
}

func fileError(loc values.Location, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return apperrors.NewFetchError("", apperrors.CauseNotFound, loc.String(), err)
	case errors.Is(err, fs.ErrPermission):
		return apperrors.NewFetchError("", apperrors.CauseAuthentication, loc.String(), err)
	default:
		return apperrors.NewFetchError("", apperrors.CauseUnreachable, loc.String(), err)
	}
}
