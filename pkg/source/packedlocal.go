package source

import (
	"context"
	"io"
	"path/filepath"
	"sync"

	"github.com/Anteru/kyla/pkg/fileio"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kylaerr"
)

// PackedLocalReader serves byte ranges out of .kypkg files that live
// on local disk, §4.9's on-disk package layout (64-byte header +
// concatenated chunks).
type PackedLocalReader struct {
	unsupportedWholeContent
	dir     string
	mu      sync.Mutex
	opened  map[string]*fileio.File
}

// NewPackedLocalReader opens a Packed repository whose .kypkg files
// live under dir.
func NewPackedLocalReader(dir string) *PackedLocalReader {
	return &PackedLocalReader{dir: dir, opened: make(map[string]*fileio.File)}
}

func (r *PackedLocalReader) packageFile(name string) (*fileio.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.opened[name]; ok {
		return f, nil
	}
	f, err := fileio.OpenReadOnly(filepath.Join(r.dir, name))
	if err != nil {
		return nil, err
	}
	r.opened[name] = f
	return f, nil
}

// ReadPackedRange reads storedSize bytes at targetOffset from the
// named package file, keeping the file descriptor open across calls
// since a configure run typically reads many chunks from the same
// package.
func (r *PackedLocalReader) ReadPackedRange(ctx context.Context, packageName string, targetOffset, storedSize int64) ([]byte, error) {
	f, err := r.packageFile(packageName)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, storedSize)
	n, err := f.ReadAt(buf, targetOffset)
	if err != nil && err != io.EOF {
		return nil, kylaerr.Wrap(kylaerr.Io, "reading packed chunk range", err)
	}
	if int64(n) != storedSize {
		return nil, kylaerr.StorageCorruptedf("short read from %s at offset %d: got %d bytes, want %d", packageName, targetOffset, n, storedSize)
	}
	return buf, nil
}

// Close closes every package file opened so far.
func (r *PackedLocalReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, f := range r.opened {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.opened, name)
	}
	return firstErr
}
