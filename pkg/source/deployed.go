package source

import (
	"context"
	"path/filepath"

	"github.com/Anteru/kyla/pkg/fileio"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kylaerr"
)

// DeployedReader serves whole contents out of a Deployed repository:
// files already materialized at their final target paths, read by
// path rather than by hash (§1). The caller supplies the path that
// currently holds a given content (ReadContentAtPath).
type DeployedReader struct {
	unsupportedPackedRange
	rootDir string
}

// NewDeployedReader opens a Deployed repository rooted at rootDir.
func NewDeployedReader(rootDir string) *DeployedReader {
	return &DeployedReader{rootDir: rootDir}
}

// ReadContentAtPath reads the whole file at a target-relative path,
// used instead of ReadContent when the caller already knows which
// path currently holds the content (the common case for Deployed
// sources, since they are addressed by path, not hash).
func (r *DeployedReader) ReadContentAtPath(ctx context.Context, path string, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	f, err := fileio.OpenReadOnly(filepath.Join(r.rootDir, path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make([]byte, size)
	if err := fileio.WithMapping(f, 0, size, false, func(b []byte) error {
		copy(out, b)
		return nil
	}); err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "reading deployed file", err)
	}
	return out, nil
}

// ReadContent is not supported: a Deployed repository has no
// hash-addressed object store to look content up in directly, only
// paths (ReadContentAtPath).
func (r *DeployedReader) ReadContent(ctx context.Context, hash hashutil.Digest, size int64) ([]byte, error) {
	return nil, kylaerr.NotImplementedf("deployed sources are addressed by path, not hash; use ReadContentAtPath")
}

// Close is a no-op: DeployedReader opens and closes files per call.
func (r *DeployedReader) Close() error { return nil }
