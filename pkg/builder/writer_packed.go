package builder

import (
	"context"
	"database/sql"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"

	"github.com/Anteru/kyla/pkg/blockcipher"
	"github.com/Anteru/kyla/pkg/blockcodec"
	"github.com/Anteru/kyla/pkg/catalog"
	"github.com/Anteru/kyla/pkg/fileio"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kylaerr"
)

// DefaultPackedChunkSize bounds the uncompressed size of one chunk
// written into a .kypkg (§4.12: "pieces of at most 4 MiB of
// uncompressed data").
const DefaultPackedChunkSize = 4 << 20

// mainPackageName is where content not reached by any user-declared
// package falls (§4.12 "Default main-package rule").
const mainPackageName = "main"

const packageHeaderSize = 64

var packageMagic = [8]byte{'K', 'Y', 'L', 'A', 'P', 'K', 'G', 0}

// packageVersion is the fixed 2.0 on-disk version recorded in every
// .kypkg header (§6: "0x0002_0000_0000_0000 = 2.0").
const packageVersion uint64 = 0x0002_0000_0000_0000

func writePackageHeader(f *fileio.File) error {
	var header [packageHeaderSize]byte
	copy(header[:8], packageMagic[:])
	binary.LittleEndian.PutUint64(header[8:16], packageVersion)
	// bytes 16:64 stay zero (reserved).
	if _, err := f.Write(header[:]); err != nil {
		return err
	}
	return nil
}

// packageGroup is every content assigned to one named package, in the
// order each content was first linked.
type packageGroup struct {
	name     string
	contents []linkedContent
}

func groupByPackage(contents []linkedContent) []packageGroup {
	var order []string
	byName := map[string][]linkedContent{}
	for _, c := range contents {
		name := c.Package
		if name == "" {
			name = mainPackageName
		}
		if _, ok := byName[name]; !ok {
			order = append(order, name)
		}
		byName[name] = append(byName[name], c)
	}
	groups := make([]packageGroup, 0, len(order))
	for _, name := range order {
		groups = append(groups, packageGroup{name: name, contents: byName[name]})
	}
	return groups
}

// writePacked assigns every content to exactly one package (explicit
// or the synthesised "main"), writes each package's .kypkg header and
// chunks, and records the matching fs_chunks/fs_chunk_hashes/
// fs_chunk_compression/fs_chunk_encryption rows (§4.12).
func writePacked(ctx context.Context, l *RepositoryObjectLinker, cat *catalog.Catalog, features []FeatureDescriptor, cfg *Config) error {
	codec, err := buildCodec(cfg.compressionAlgorithm())
	if err != nil {
		return err
	}

	for _, group := range groupByPackage(l.Contents) {
		// An empty "main" package (every content reached by an
		// explicit package) is dropped rather than written as a
		// zero-content file (§4.12 "If the main package would be
		// empty, it is dropped").
		if len(group.contents) == 0 {
			continue
		}
		if err := writeOnePackage(ctx, group, cat, cfg, codec); err != nil {
			return err
		}
	}

	return linkFiles(ctx, l, cat, features)
}

// buildCodec returns the Codec writePacked uses for a build: deflate
// pinned to best-level compression, matching the higher time budget a
// one-shot build can afford versus the pipeline's default-level round
// trips (§4.2); Brotli already runs at the fixed quality every caller
// uses, so it passes through ByAlgorithm unchanged.
func buildCodec(alg blockcodec.Algorithm) (blockcodec.Codec, error) {
	if alg == blockcodec.Deflate {
		return blockcodec.CompressLevel(flate.BestCompression), nil
	}
	return blockcodec.ByAlgorithm(alg)
}

func writeOnePackage(ctx context.Context, group packageGroup, cat *catalog.Catalog, cfg *Config, codec blockcodec.Codec) error {
	filename := group.name + ".kypkg"
	fullPath := filepath.Join(cfg.TargetDir, filename)

	f, err := fileio.Create(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writePackageHeader(f); err != nil {
		return err
	}

	packageId, err := cat.GetOrCreatePackage(ctx, nil, group.name, filename)
	if err != nil {
		return err
	}

	offset := int64(packageHeaderSize)
	for _, content := range group.contents {
		contentId, err := cat.GetOrCreateContent(ctx, nil, content.Hash, content.Size)
		if err != nil {
			return err
		}
		offset, err = writeContentChunks(ctx, f, offset, content, contentId, packageId, codec, cat, cfg)
		if err != nil {
			return err
		}
	}
	return nil
}

// writeContentChunks splits one content's bytes into DefaultPackedChunkSize
// pieces, compresses and optionally encrypts each, appends them to the
// open package file starting at offset, and records one fs_chunks row
// per piece. It returns the package file offset following the last
// byte written.
func writeContentChunks(ctx context.Context, f *fileio.File, offset int64, content linkedContent, contentId, packageId int64, codec blockcodec.Codec, cat *catalog.Catalog, cfg *Config) (int64, error) {
	if content.Size == 0 {
		// Zero-byte contents yield exactly one chunk with all sizes
		// zero and no hash/compression/encryption rows (§4.12).
		_, err := cat.InsertChunk(ctx, nil, catalog.Chunk{
			ContentId:    contentId,
			PackageId:    sql.NullInt64{Int64: packageId, Valid: true},
			SourceOffset: 0,
			TargetOffset: offset,
		})
		return offset, err
	}

	src, err := os.Open(content.SourcePath)
	if err != nil {
		return 0, kylaerr.Wrap(kylaerr.Io, "opening content for packing", err)
	}
	defer src.Close()

	buf := make([]byte, DefaultPackedChunkSize)
	sourceOffset := int64(0)
	for sourceOffset < content.Size {
		pieceLen := content.Size - sourceOffset
		if pieceLen > DefaultPackedChunkSize {
			pieceLen = DefaultPackedChunkSize
		}
		piece := buf[:pieceLen]
		if _, err := io.ReadFull(src, piece); err != nil {
			return 0, kylaerr.Wrap(kylaerr.Io, "reading content for packing", err)
		}

		compressed := make([]byte, codec.Bound(len(piece)))
		n, err := codec.Compress(compressed, piece)
		if err != nil {
			return 0, err
		}
		compressed = compressed[:n]

		final := compressed
		var blob blockcipher.Blob
		encrypted := cfg.Passphrase != ""
		if encrypted {
			blob, err = blockcipher.NewBlob()
			if err != nil {
				return 0, err
			}
			final, err = blockcipher.Encrypt(cfg.Passphrase, blob, compressed)
			if err != nil {
				return 0, err
			}
		}

		hash := hashutil.Sum(final)
		if _, err := f.Write(final); err != nil {
			return 0, err
		}

		chunk := catalog.Chunk{
			ContentId:        contentId,
			PackageId:        sql.NullInt64{Int64: packageId, Valid: true},
			SourceOffset:     sourceOffset,
			TargetOffset:     offset,
			StoredSize:       int64(len(final)),
			UncompressedSize: int64(len(piece)),
			Hash:             hash,
			HasHash:          true,
			Compression:      cfg.compressionAlgorithm(),
			HasCompression:   true,
		}
		if encrypted {
			chunk.Encryption = append([]byte(nil), blob[:]...)
			chunk.HasEncryption = true
		}
		if _, err := cat.InsertChunk(ctx, nil, chunk); err != nil {
			return 0, err
		}

		offset += int64(len(final))
		sourceOffset += int64(len(piece))
	}
	return offset, nil
}
