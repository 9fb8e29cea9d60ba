// Package target implements C9: applying (content_hash, bytes,
// source_offset, total_size) tuples to a Deployed repository's final
// paths, as specified in §4.9. WriteWhole writes a complete content
// directly to one target path; StageChunk collects a content's chunks
// in a `.kytmp` file and FinalizeStaged hard-copies it out to every
// path that references it once complete, since a content can be
// referenced by more than one file (§1: dedup by hash). Configure
// stages every content it fetches, single-chunk ones included.
package target

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/Anteru/kyla/pkg/fileio"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kylaerr"
)

// Target writes content bytes out to a Deployed repository rooted at
// RootDir.
type Target struct {
	RootDir    string
	StagingDir string
}

// New creates a Target rooted at rootDir, staging multi-chunk writes
// under rootDir/.ky/staging.
func New(rootDir string) *Target {
	return &Target{
		RootDir:    rootDir,
		StagingDir: filepath.Join(rootDir, ".ky", "staging"),
	}
}

func (t *Target) stagingPath(hash hashutil.Digest) string {
	return filepath.Join(t.StagingDir, hash.String()+".kytmp")
}

// WriteWhole writes the complete content of a single-chunk file
// directly to path (relative to RootDir), creating parent directories
// as needed (§4.9: "single-shot... write").
func (t *Target) WriteWhole(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	full := filepath.Join(t.RootDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "creating parent directories", err)
	}
	f, err := fileio.Create(full)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if mode != 0 {
		if err := os.Chmod(full, mode); err != nil {
			return kylaerr.Wrap(kylaerr.Io, "setting file mode", err)
		}
	}
	return nil
}

// StageChunk writes one chunk of a multi-chunk content into its
// `.kytmp` staging file at sourceOffset, creating and truncating the
// staging file to totalSize the first time a content is staged
// (§4.9: "staged multi-chunk writes").
func (t *Target) StageChunk(ctx context.Context, hash hashutil.Digest, totalSize int64, sourceOffset int64, data []byte) error {
	if err := os.MkdirAll(t.StagingDir, 0o755); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "creating staging directory", err)
	}

	path := t.stagingPath(hash)
	f, err := openOrCreateStaging(path, totalSize)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteAt(data, sourceOffset); err != nil {
		return err
	}
	return nil
}

func openOrCreateStaging(path string, totalSize int64) (*fileio.File, error) {
	if _, err := os.Stat(path); err == nil {
		return fileio.Open(path)
	}
	f, err := fileio.Create(path)
	if err != nil {
		return nil, err
	}
	if err := f.SetSize(totalSize); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// FinalizeStaged hard-copies a completed staging file out to every
// path in targetPaths (a content may back more than one file, §1),
// then removes the staging file. Copies are byte-for-byte duplicates,
// not hard links: §4.9 explicitly requires independent files so that
// later modifying or removing one target path never affects another.
func (t *Target) FinalizeStaged(ctx context.Context, hash hashutil.Digest, targetPaths []string, mode os.FileMode) error {
	stagingPath := t.stagingPath(hash)
	defer os.Remove(stagingPath)

	for _, relPath := range targetPaths {
		full := filepath.Join(t.RootDir, relPath)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return kylaerr.Wrap(kylaerr.Io, "creating parent directories", err)
		}
		if err := copyFile(stagingPath, full, mode); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return kylaerr.Wrap(kylaerr.Io, "opening staged content for copy", err)
	}
	defer in.Close()

	perm := mode
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return kylaerr.Wrap(kylaerr.Io, "creating target file", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "copying staged content to target", err)
	}
	return nil
}

// CopyExistingFile hard-copies an already-materialized path (srcPath)
// to a new path (dstPath), both relative to RootDir. Used when a
// content the target already has on disk gains a second consuming
// path, so configure never needs a `.kytmp` staging file for bytes it
// already has locally (§4.10 step 9).
func (t *Target) CopyExistingFile(ctx context.Context, srcPath, dstPath string, mode os.FileMode) error {
	src := filepath.Join(t.RootDir, srcPath)
	dst := filepath.Join(t.RootDir, dstPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "creating parent directories", err)
	}
	return copyFile(src, dst, mode)
}

// CleanStaging removes every orphaned `.kytmp` file left behind by an
// interrupted configure run (SUPPLEMENTED: §4.10's epilogue leaves
// exactly when staging files are swept unspecified). It is safe to
// call at the start of any configure run, before any content is
// staged for this run.
func (t *Target) CleanStaging(ctx context.Context) error {
	entries, err := os.ReadDir(t.StagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return kylaerr.Wrap(kylaerr.Io, "reading staging directory", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".kytmp" {
			continue
		}
		if err := os.Remove(filepath.Join(t.StagingDir, entry.Name())); err != nil {
			return kylaerr.Wrap(kylaerr.Io, "removing orphaned staging file", err)
		}
	}
	return nil
}

// RemovePath deletes a file previously placed by this target, used by
// configure when a feature is removed (§4.10 step 10, "prune").
func (t *Target) RemovePath(ctx context.Context, relPath string) error {
	err := os.Remove(filepath.Join(t.RootDir, relPath))
	if err != nil && !os.IsNotExist(err) {
		return kylaerr.Wrap(kylaerr.Io, "removing target file", err)
	}
	return nil
}
