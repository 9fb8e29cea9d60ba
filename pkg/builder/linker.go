package builder

import (
	"context"
	"os"

	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kylaerr"
)

// linkedContent is one unique content discovered while linking, taken
// from the first file descriptor that produced it. The (feature, path)
// pairs that reference it are kept in RepositoryObjectLinker.Files.
type linkedContent struct {
	Hash       hashutil.Digest
	Size       int64
	SourcePath string // where to read the bytes from, from the first file that referenced it
	Mode       os.FileMode
	// Package is the package this content is linked into for a Packed
	// build; empty means the synthesised "main" package. Set from the
	// first file descriptor that referenced this content and declared
	// one (§4.12: "assigns every content to exactly one package").
	Package string
}

// linkedFile binds a target path (within one feature) to a content.
type linkedFile struct {
	FeatureIndex int
	TargetPath   string
	ContentHash  hashutil.Digest
	Mode         os.FileMode
}

// RepositoryObjectLinker performs the two-pass link the builder runs
// before writing any repository layout (§4.12 "RepositoryObjectLinker
// two-pass linking"):
//
//   - Pass 1 hashes every file descriptor's bytes and groups identical
//     content under one linkedContent entry, regardless of how many
//     target paths reference it (§1: "dedup by content hash").
//   - Pass 2 is done by the layout-specific writer (loose/packed/
//     deployed): the Loose and Packed writers iterate the
//     deduplicated content list, while the Deployed writer reads the
//     source bytes once per linked file.
type RepositoryObjectLinker struct {
	Contents []linkedContent
	Files    []linkedFile

	byHash map[hashutil.Digest]int
}

// Link runs pass 1 over desc, hashing the source file of every file
// descriptor (a source shared by several target paths is hashed once
// per descriptor) and recording each distinct hash once.
func Link(ctx context.Context, desc Descriptor) (*RepositoryObjectLinker, error) {
	l := &RepositoryObjectLinker{byHash: make(map[hashutil.Digest]int)}

	for featureIndex, feature := range desc.Features {
		for _, file := range feature.Files {
			digest, size, err := hashSourceFile(file.SourcePath)
			if err != nil {
				return nil, kylaerr.Wrap(kylaerr.Io, "hashing "+file.SourcePath, err)
			}

			if idx, ok := l.byHash[digest]; !ok {
				l.byHash[digest] = len(l.Contents)
				l.Contents = append(l.Contents, linkedContent{
					Hash:       digest,
					Size:       size,
					SourcePath: file.SourcePath,
					Mode:       file.Mode,
					Package:    file.Package,
				})
			} else if file.Package != "" && l.Contents[idx].Package == "" {
				// A later reference names an explicit package where an
				// earlier one did not: honour the explicit choice.
				l.Contents[idx].Package = file.Package
			}

			l.Files = append(l.Files, linkedFile{
				FeatureIndex: featureIndex,
				TargetPath:   file.TargetPath,
				ContentHash:  digest,
				Mode:         file.Mode,
			})
		}
	}
	return l, nil
}

func hashSourceFile(path string) (hashutil.Digest, int64, error) {
	digest, err := hashutil.HashFile(path)
	if err != nil {
		return hashutil.Digest{}, 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return hashutil.Digest{}, 0, err
	}
	return digest, info.Size(), nil
}
