package sqlindex

import (
	"context"

	"github.com/Anteru/kyla/pkg/kylaerr"
)

// schemaStatements is the canonical on-disk schema (§4.5, §6
// GLOSSARY), shared by repository.db (packed) and k.db (deployed)
// index files. Feature and content-addressing tables are common to
// both; fs_packages only has rows in a packed index.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS features (
		Id      BLOB PRIMARY KEY,
		Name    TEXT NOT NULL,
		UiName  TEXT,
		Description TEXT,
		ParentId BLOB REFERENCES features(Id)
	)`,
	`CREATE TABLE IF NOT EXISTS feature_dependencies (
		FeatureId    BLOB NOT NULL REFERENCES features(Id),
		DependencyId BLOB NOT NULL REFERENCES features(Id),
		PRIMARY KEY (FeatureId, DependencyId)
	)`,
	`CREATE TABLE IF NOT EXISTS fs_contents (
		Id   INTEGER PRIMARY KEY AUTOINCREMENT,
		Hash BLOB NOT NULL UNIQUE,
		Size INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fs_files (
		Id        INTEGER PRIMARY KEY AUTOINCREMENT,
		FeatureId BLOB NOT NULL REFERENCES features(Id),
		ContentId INTEGER NOT NULL REFERENCES fs_contents(Id),
		Path      TEXT NOT NULL,
		Mode      INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS fs_packages (
		Id       INTEGER PRIMARY KEY AUTOINCREMENT,
		Name     TEXT NOT NULL UNIQUE,
		Filename TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fs_chunks (
		Id            INTEGER PRIMARY KEY AUTOINCREMENT,
		ContentId     INTEGER NOT NULL REFERENCES fs_contents(Id),
		PackageId     INTEGER REFERENCES fs_packages(Id),
		SourceOffset  INTEGER NOT NULL,
		TargetOffset  INTEGER NOT NULL,
		StoredSize    INTEGER NOT NULL,
		UncompressedSize INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fs_chunk_hashes (
		ChunkId INTEGER PRIMARY KEY REFERENCES fs_chunks(Id),
		Hash    BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fs_chunk_compression (
		ChunkId   INTEGER PRIMARY KEY REFERENCES fs_chunks(Id),
		Algorithm TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS fs_chunk_encryption (
		ChunkId   INTEGER PRIMARY KEY REFERENCES fs_chunks(Id),
		Algorithm TEXT NOT NULL,
		Data      BLOB NOT NULL
	)`,
	`CREATE VIEW IF NOT EXISTS fs_content_view AS
		SELECT fs_contents.Id AS ContentId,
		       fs_contents.Hash AS Hash,
		       fs_contents.Size AS Size,
		       fs_chunks.Id AS ChunkId,
		       fs_chunks.SourceOffset AS SourceOffset,
		       fs_chunks.TargetOffset AS TargetOffset,
		       fs_chunks.StoredSize AS StoredSize,
		       fs_chunks.UncompressedSize AS UncompressedSize,
		       fs_chunks.PackageId AS PackageId
		FROM fs_contents
		JOIN fs_chunks ON fs_chunks.ContentId = fs_contents.Id`,
	`CREATE VIEW IF NOT EXISTS fs_contents_with_reference_count AS
		SELECT fs_contents.Id AS ContentId,
		       fs_contents.Hash AS Hash,
		       fs_contents.Size AS Size,
		       COUNT(fs_files.Id) AS ReferenceCount
		FROM fs_contents
		LEFT JOIN fs_files ON fs_files.ContentId = fs_contents.Id
		GROUP BY fs_contents.Id`,
	`CREATE INDEX IF NOT EXISTS idx_features_parent ON features(ParentId)`,
	`CREATE INDEX IF NOT EXISTS idx_fs_files_content ON fs_files(ContentId)`,
	`CREATE INDEX IF NOT EXISTS idx_fs_files_feature ON fs_files(FeatureId)`,
	`CREATE INDEX IF NOT EXISTS idx_fs_chunks_content ON fs_chunks(ContentId)`,
	`CREATE INDEX IF NOT EXISTS idx_fs_chunks_package ON fs_chunks(PackageId)`,
}

// CreateSchema creates every table, view and index of the canonical
// schema if it does not already exist. Safe to call on an already
// populated index.
func (db *DB) CreateSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.sql.ExecContext(ctx, stmt); err != nil {
			return kylaerr.Wrap(kylaerr.IndexError, "creating schema", err)
		}
	}
	return nil
}
