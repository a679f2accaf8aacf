package sources

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// maxExtractedSize caps a module extracted from an archive layer.
const maxExtractedSize int64 = 128 << 20

// extractModule returns the single *.wasm file inside a tar archive,
// optionally gzip-compressed.
func extractModule(data []byte, gzipped bool) ([]byte, error) {
	var r io.Reader = bytes.NewReader(data)
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("open gzip layer: %w", err)
		}
		defer func() {
			_ = gz.Close()
		}()
		r = gz
	}

	tr := tar.NewReader(r)
	var (
		found []byte
		name  string
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar layer: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.EqualFold(path.Ext(hdr.Name), ".wasm") {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("archive contains more than one module: %s and %s", name, hdr.Name)
		}
		if hdr.Size > maxExtractedSize {
			return nil, fmt.Errorf("module %s is larger than %d bytes", hdr.Name, maxExtractedSize)
		}
		buf, err := io.ReadAll(io.LimitReader(tr, maxExtractedSize+1))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		found, name = buf, hdr.Name
	}
	if found == nil {
		return nil, errors.New("archive contains no .wasm module")
	}
	return found, nil
}
