// Package fileio implements C4: a random-access file abstraction with
// read/write/seek/map/size/truncate, as specified in §4.4.
package fileio

import (
	"io"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/Anteru/kyla/pkg/kylaerr"
)

// File wraps an *os.File with the operations §4.4 requires: read/write
// at the current position, absolute seek, tell, set-size and
// memory-map scoping. It is not safe for concurrent use by multiple
// goroutines, matching the "repository handle is not thread-safe"
// rule in §5.
type File struct {
	f    *os.File
	path string
}

// Open opens path for reading and writing. The file must already
// exist; use Create for new files.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "opening file", err)
	}
	return &File{f: f, path: path}, nil
}

// OpenReadOnly opens path for reading only, used for source
// repositories which are never written (§1: "no writable packed
// repository").
func OpenReadOnly(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "opening file read-only", err)
	}
	return &File{f: f, path: path}, nil
}

// Create creates (or truncates) path for reading and writing.
func Create(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "creating file", err)
	}
	return &File{f: f, path: path}, nil
}

// Path returns the path the File was opened with.
func (file *File) Path() string { return file.path }

// Read reads into p starting at the current position, advancing it.
func (file *File) Read(p []byte) (int, error) {
	n, err := file.f.Read(p)
	if err != nil && err != io.EOF {
		return n, kylaerr.Wrap(kylaerr.Io, "reading file", err)
	}
	return n, err
}

// Write writes p at the current position, advancing it.
func (file *File) Write(p []byte) (int, error) {
	n, err := file.f.Write(p)
	if err != nil {
		return n, kylaerr.Wrap(kylaerr.Io, "writing file", err)
	}
	return n, nil
}

// ReadAt reads len(p) bytes at the given absolute offset without
// disturbing the current position.
func (file *File) ReadAt(p []byte, offset int64) (int, error) {
	n, err := file.f.ReadAt(p, offset)
	if err != nil && err != io.EOF {
		return n, kylaerr.Wrap(kylaerr.Io, "reading file at offset", err)
	}
	return n, err
}

// WriteAt writes p at the given absolute offset without disturbing the
// current position.
func (file *File) WriteAt(p []byte, offset int64) (int, error) {
	n, err := file.f.WriteAt(p, offset)
	if err != nil {
		return n, kylaerr.Wrap(kylaerr.Io, "writing file at offset", err)
	}
	return n, nil
}

// Seek moves the current position to an absolute offset and returns it.
func (file *File) Seek(offset int64) (int64, error) {
	n, err := file.f.Seek(offset, io.SeekStart)
	if err != nil {
		return 0, kylaerr.Wrap(kylaerr.Io, "seeking file", err)
	}
	return n, nil
}

// Tell returns the current position.
func (file *File) Tell() (int64, error) {
	n, err := file.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, kylaerr.Wrap(kylaerr.Io, "telling file position", err)
	}
	return n, nil
}

// Size returns the current file size.
func (file *File) Size() (int64, error) {
	info, err := file.f.Stat()
	if err != nil {
		return 0, kylaerr.Wrap(kylaerr.Io, "stat'ing file", err)
	}
	return info.Size(), nil
}

// SetSize truncates or extends the file to exactly size bytes, as used
// by C9 when staging a multi-chunk content (§4.9: "truncate to
// total_size").
func (file *File) SetSize(size int64) error {
	if err := file.f.Truncate(size); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "setting file size", err)
	}
	return nil
}

// Close closes the underlying OS file handle.
func (file *File) Close() error {
	if err := file.f.Close(); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "closing file", err)
	}
	return nil
}

// Mapping is a memory-mapped view of a [offset, offset+size) byte
// range of a File, released by Unmap. On every platform mmap-go
// supports this is a true page-aligned mapping; the abstraction is
// still a simple scoped acquisition so callers that only care about
// guaranteed release (not true zero-copy mapping) are unaffected if a
// future port swaps in a buffered fallback.
type Mapping struct {
	region mmap.MMap
}

// Map maps [offset, offset+size) of file into memory. writable
// mappings may be written through Bytes() (§4.4).
func (file *File) Map(offset, size int64, writable bool) (*Mapping, error) {
	prot := mmap.RDONLY
	if writable {
		prot = mmap.RDWR
	}
	region, err := mmap.MapRegion(file.f, int(size), prot, 0, offset)
	if err != nil {
		return nil, kylaerr.Wrap(kylaerr.Io, "memory-mapping file", err)
	}
	return &Mapping{region: region}, nil
}

// Bytes returns the mapped byte range. The slice is valid until Unmap
// is called; using it afterward is undefined behavior.
func (m *Mapping) Bytes() []byte {
	return m.region
}

// Unmap releases the mapping. It is safe to call Unmap exactly once;
// callers should do so via defer immediately after a successful Map to
// guarantee release on every exit path (§4.4, §9 "Resource scoping").
func (m *Mapping) Unmap() error {
	if err := m.region.Unmap(); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "unmapping file", err)
	}
	return nil
}

// WithMapping maps [offset, offset+size) of file, invokes fn with the
// mapped bytes, and unmaps unconditionally before returning, even if fn
// panics or returns an error. This is the scoped-acquisition idiom
// §9 requires platforms without true mmap support to still honor.
func WithMapping(file *File, offset, size int64, writable bool, fn func([]byte) error) error {
	m, err := file.Map(offset, size, writable)
	if err != nil {
		return err
	}
	defer m.Unmap()
	return fn(m.Bytes())
}
