// Package catalog implements C6: typed accessors over the C5 schema.
// Most row shapes that configure, validate, builder, source and target
// need to read or write are expressed here as a Go struct and a
// matching method; configure and installer also run a few queries of
// their own through the DB handle (§4.6).
package catalog

import (
	"database/sql"

	"github.com/Anteru/kyla/pkg/blockcodec"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kyuuid"
)

// Feature is a row of the features table. Features form a forest via
// ParentId (§3, §4.6): a root feature has HasParent false, and every
// other feature's ParentId names its immediate parent.
type Feature struct {
	Id          kyuuid.UUID
	Name        string
	UIName      string
	Description string
	ParentId    kyuuid.UUID
	HasParent   bool
}

// Content is a row of fs_contents: one content-addressed byte range,
// identified by its SHA-256 digest.
type Content struct {
	Id   int64
	Hash hashutil.Digest
	Size int64
}

// FileEntry is a row of fs_files: a path belonging to a feature,
// materialized from a Content.
type FileEntry struct {
	Id        int64
	FeatureId kyuuid.UUID
	ContentId int64
	Path      string
	Mode      uint32
}

// Package is a row of fs_packages: one .kypkg container.
type Package struct {
	Id       int64
	Name     string
	Filename string
}

// Chunk is a row of fs_chunks joined with its optional hash,
// compression and encryption side-tables, the unit C7's pipeline
// moves and C8/C9 read and write.
type Chunk struct {
	Id               int64
	ContentId        int64
	PackageId        sql.NullInt64
	SourceOffset     int64
	TargetOffset     int64
	StoredSize       int64
	UncompressedSize int64

	Hash        hashutil.Digest // zero value if the chunk has no fs_chunk_hashes row
	HasHash     bool
	Compression blockcodec.Algorithm
	HasCompression bool
	Encryption     []byte // the 24-byte (salt||iv) blob, empty if unencrypted
	HasEncryption  bool
}

// FileRecord is the (Path, Hash, Size) tuple the validator (C11) walks
// in ascending Size order (§4.11).
type FileRecord struct {
	Path string
	Hash hashutil.Digest
	Size int64
}
