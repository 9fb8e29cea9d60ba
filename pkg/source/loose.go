package source

import (
	"context"
	"path/filepath"

	"github.com/Anteru/kyla/pkg/fileio"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kylaerr"
)

// LooseReader serves whole contents out of a Loose repository's
// object store: one file per content, named by its hex digest under
// objectsDir (§1: ".ky/objects/<hex>").
type LooseReader struct {
	unsupportedPackedRange
	objectsDir string
}

// NewLooseReader opens a Loose repository rooted at objectsDir.
func NewLooseReader(objectsDir string) *LooseReader {
	return &LooseReader{objectsDir: objectsDir}
}

func (r *LooseReader) objectPath(hash hashutil.Digest) string {
	return filepath.Join(r.objectsDir, hash.String())
}

// ReadContent reads the whole object file for hash via a scoped
// memory mapping.
func (r *LooseReader) ReadContent(ctx context.Context, hash hashutil.Digest, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	f, err := fileio.OpenReadOnly(r.objectPath(hash))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make([]byte, size)
	if err := fileio.WithMapping(f, 0, size, false, func(b []byte) error {
		copy(out, b)
		return nil
	}); err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "reading loose object", err)
	}
	return out, nil
}

// Close is a no-op: LooseReader opens and closes an object file per
// call, holding nothing open between reads.
func (r *LooseReader) Close() error { return nil }
