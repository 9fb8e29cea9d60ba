// Package source implements C8: a polymorphic reader over a source
// repository's storage layout (Loose, Packed-local, Packed-remote, or
// Deployed), as specified in §4.8. Higher components (configure) only
// see the Reader interface; which layout backs a given repository is
// resolved once, at open time.
package source

import (
	"context"

	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kylaerr"
)

// Reader is the polymorphic source abstraction every layout
// implements. Loose and Deployed repositories serve whole contents;
// Packed repositories (local or remote) serve byte ranges of a
// .kypkg, addressed by package file name and target offset.
type Reader interface {
	// ReadContent returns the full raw bytes of a content addressed by
	// hash, used by the Loose layout where each content is its own
	// file. DeployedReader returns kylaerr.NotImplemented here; it
	// serves whole files by path through ReadContentAtPath.
	ReadContent(ctx context.Context, hash hashutil.Digest, size int64) ([]byte, error)

	// ReadPackedRange returns storedSize bytes at targetOffset inside
	// the named .kypkg, used by the Packed layout (§4.9's chunk
	// header + concatenated chunk bytes). Returns kylaerr.NotImplemented
	// if the layout does not store content this way.
	ReadPackedRange(ctx context.Context, packageName string, targetOffset, storedSize int64) ([]byte, error)

	// Close releases any resources (open files, HTTP clients) the
	// reader holds.
	Close() error
}

type unsupportedPackedRange struct{}

func (unsupportedPackedRange) ReadPackedRange(ctx context.Context, packageName string, targetOffset, storedSize int64) ([]byte, error) {
	return nil, kylaerr.NotImplementedf("this source layout does not serve packed byte ranges")
}

type unsupportedWholeContent struct{}

func (unsupportedWholeContent) ReadContent(ctx context.Context, hash hashutil.Digest, size int64) ([]byte, error) {
	return nil, kylaerr.NotImplementedf("this source layout does not serve whole contents")
}
