// Package validate implements C11: a read-only integrity walk over a
// Deployed repository's files, as specified in §4.11. It is grounded
// on the teacher's VerifyReconstructedFile (stat + re-hash + compare)
// in pkg/content/integrity.go, generalized from one file to the whole
// catalog, ordered by ascending size so small files (cheap to recheck)
// report first.
package validate

import (
	"context"
	"os"
	"path/filepath"

	"github.com/Anteru/kyla/pkg/catalog"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kylaerr"
)

// Status is the outcome of validating a single file.
type Status int

const (
	Ok Status = iota
	Missing
	Corrupted
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case Missing:
		return "Missing"
	case Corrupted:
		return "Corrupted"
	default:
		return "Unknown"
	}
}

// Result reports one file's validation outcome.
type Result struct {
	Path   string
	Status Status
	Err    error
}

// Sink receives each Result as it is produced, so a caller (the
// installer's validation callback) can report incrementally rather than
// waiting for the whole walk to finish.
type Sink func(Result)

// Validator walks a Deployed repository's fs_files, ordered by
// ascending content size, verifying that every path still exists with
// the right size and hash.
type Validator struct {
	RootDir string
	Catalog *catalog.Catalog
}

// New creates a Validator over rootDir using cat's file listing.
func New(rootDir string, cat *catalog.Catalog) *Validator {
	return &Validator{RootDir: rootDir, Catalog: cat}
}

// Run walks every file and reports each through sink. It returns the
// first unexpected (non-validation) error, e.g. a failure to query
// the catalog itself; missing or corrupted files are reported through
// sink, not returned as errors.
func (v *Validator) Run(ctx context.Context, sink Sink) error {
	records, err := v.Catalog.ListAllFilesOrderedBySize(ctx, nil)
	if err != nil {
		return err
	}

	for _, rec := range records {
		select {
		case <-ctx.Done():
			return kylaerr.Wrap(kylaerr.Io, "validation cancelled", ctx.Err())
		default:
		}
		sink(v.validateOne(rec))
	}
	return nil
}

func (v *Validator) validateOne(rec catalog.FileRecord) Result {
	full := filepath.Join(v.RootDir, rec.Path)

	// Zero-size files are valid without hashing (§4.11 edge case): an
	// empty file's content is fully determined by its size alone.
	if rec.Size == 0 {
		info, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				return Result{Path: rec.Path, Status: Missing}
			}
			return Result{Path: rec.Path, Status: Corrupted, Err: kylaerr.Wrap(kylaerr.Io, "stat'ing file", err)}
		}
		if info.Size() != 0 {
			return Result{Path: rec.Path, Status: Corrupted, Err: kylaerr.StorageCorruptedf("expected empty file, got size %d", info.Size())}
		}
		return Result{Path: rec.Path, Status: Ok}
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Path: rec.Path, Status: Missing}
		}
		return Result{Path: rec.Path, Status: Corrupted, Err: kylaerr.Wrap(kylaerr.Io, "stat'ing file", err)}
	}
	if info.Size() != rec.Size {
		return Result{Path: rec.Path, Status: Corrupted, Err: kylaerr.StorageCorruptedf("expected size %d, got %d", rec.Size, info.Size())}
	}

	actual, err := hashutil.HashFile(full)
	if err != nil {
		return Result{Path: rec.Path, Status: Corrupted, Err: err}
	}
	if !actual.Equal(rec.Hash) {
		return Result{Path: rec.Path, Status: Corrupted, Err: kylaerr.StorageCorruptedf("hash mismatch: expected %s, got %s", rec.Hash, actual)}
	}
	return Result{Path: rec.Path, Status: Ok}
}
