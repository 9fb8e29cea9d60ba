package catalog

import (
	"context"
	"database/sql"

	"github.com/Anteru/kyla/pkg/blockcodec"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kylaerr"
	"github.com/Anteru/kyla/pkg/kyuuid"
	"github.com/Anteru/kyla/pkg/sqlindex"
)

// Catalog is a typed view over a single sqlindex.DB.
type Catalog struct {
	db *sqlindex.DB
}

// New wraps db as a Catalog. The schema must already have been created
// with db.CreateSchema.
func New(db *sqlindex.DB) *Catalog {
	return &Catalog{db: db}
}

// DB returns the underlying index handle, for components (like
// configure) that need to manage transactions or attach a second
// catalog directly.
func (c *Catalog) DB() *sqlindex.DB { return c.db }

// -- Features ----------------------------------------------------------

// InsertFeature inserts a new feature row. If f.HasParent, the insert
// is rejected if ParentId would close a cycle (§9); whether the parent
// row exists is not checked (the builder persists parents before
// children, §4.6).
func (c *Catalog) InsertFeature(ctx context.Context, tx *sqlindex.Tx, f Feature) error {
	if f.HasParent {
		if f.ParentId == f.Id {
			return kylaerr.IndexErrorf("feature %s cannot be its own parent", f.Id)
		}
		cycle, err := c.featureReaches(ctx, tx, f.ParentId, f.Id, map[kyuuid.UUID]bool{})
		if err != nil {
			return err
		}
		if cycle {
			return kylaerr.IndexErrorf("parent %s of feature %s would close a cycle in the feature tree", f.ParentId, f.Id)
		}
	}
	var parent []byte
	if f.HasParent {
		parent = f.ParentId.Bytes()
	}
	_, err := c.db.Exec(ctx, tx,
		`INSERT INTO features (Id, Name, UiName, Description, ParentId) VALUES (?, ?, ?, ?, ?)`,
		f.Id.Bytes(), f.Name, f.UIName, f.Description, parent)
	return err
}

// featureReaches reports whether `from` can reach `to` by following
// existing ParentId edges, i.e. whether making `to`'s parent `from`
// would close a cycle in the feature tree.
func (c *Catalog) featureReaches(ctx context.Context, tx *sqlindex.Tx, from, to kyuuid.UUID, visited map[kyuuid.UUID]bool) (bool, error) {
	if from == to {
		return true, nil
	}
	if visited[from] {
		return false, nil
	}
	visited[from] = true

	f, ok, err := c.GetFeature(ctx, tx, from)
	if err != nil || !ok || !f.HasParent {
		return false, err
	}
	return c.featureReaches(ctx, tx, f.ParentId, to, visited)
}

// GetFeature looks up a feature by id.
func (c *Catalog) GetFeature(ctx context.Context, tx *sqlindex.Tx, id kyuuid.UUID) (Feature, bool, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT Id, Name, UiName, Description, ParentId FROM features WHERE Id = ?`, id.Bytes())
	if err != nil {
		return Feature{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return Feature{}, false, nil
	}
	f, err := scanFeature(rows)
	return f, true, err
}

// ListFeatures returns every feature, in no particular order.
func (c *Catalog) ListFeatures(ctx context.Context, tx *sqlindex.Tx) ([]Feature, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT Id, Name, UiName, Description, ParentId FROM features`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// ListChildFeatures returns every feature whose ParentId is parentId,
// the direct-children view of the feature tree.
func (c *Catalog) ListChildFeatures(ctx context.Context, tx *sqlindex.Tx, parentId kyuuid.UUID) ([]Feature, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT Id, Name, UiName, Description, ParentId FROM features WHERE ParentId = ?`, parentId.Bytes())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func scanFeature(rows *sql.Rows) (Feature, error) {
	var idBytes []byte
	var f Feature
	var uiName, description sql.NullString
	var parentBytes []byte
	if err := rows.Scan(&idBytes, &f.Name, &uiName, &description, &parentBytes); err != nil {
		return Feature{}, kylaerr.Wrap(kylaerr.IndexError, "scanning feature row", err)
	}
	id, err := kyuuid.FromBytes(idBytes)
	if err != nil {
		return Feature{}, err
	}
	f.Id = id
	f.UIName = uiName.String
	f.Description = description.String
	if parentBytes != nil {
		parent, err := kyuuid.FromBytes(parentBytes)
		if err != nil {
			return Feature{}, err
		}
		f.ParentId = parent
		f.HasParent = true
	}
	return f, nil
}

// -- Feature dependencies ----------------------------------------------

// AddDependency records that featureId depends on dependencyId. It
// rejects an edge that would close a cycle in the dependency graph
// (SUPPLEMENTED: the schema has no CHECK that can express acyclicity,
// so the catalog walks the graph itself before inserting).
func (c *Catalog) AddDependency(ctx context.Context, tx *sqlindex.Tx, featureId, dependencyId kyuuid.UUID) error {
	if featureId == dependencyId {
		return kylaerr.IndexErrorf("feature %s cannot depend on itself", featureId)
	}
	reachable, err := c.dependsOn(ctx, tx, dependencyId, featureId, map[kyuuid.UUID]bool{})
	if err != nil {
		return err
	}
	if reachable {
		return kylaerr.IndexErrorf("adding dependency %s -> %s would create a cycle", featureId, dependencyId)
	}
	_, err = c.db.Exec(ctx, tx,
		`INSERT INTO feature_dependencies (FeatureId, DependencyId) VALUES (?, ?)`,
		featureId.Bytes(), dependencyId.Bytes())
	return err
}

// dependsOn reports whether `from` can already reach `to` by following
// existing dependency edges, i.e. whether adding to -> from would
// close a cycle.
func (c *Catalog) dependsOn(ctx context.Context, tx *sqlindex.Tx, from, to kyuuid.UUID, visited map[kyuuid.UUID]bool) (bool, error) {
	if from == to {
		return true, nil
	}
	if visited[from] {
		return false, nil
	}
	visited[from] = true

	deps, err := c.ListDependencies(ctx, tx, from)
	if err != nil {
		return false, err
	}
	for _, dep := range deps {
		reachable, err := c.dependsOn(ctx, tx, dep, to, visited)
		if err != nil {
			return false, err
		}
		if reachable {
			return true, nil
		}
	}
	return false, nil
}

// ListDependencies returns the features that featureId directly
// depends on.
func (c *Catalog) ListDependencies(ctx context.Context, tx *sqlindex.Tx, featureId kyuuid.UUID) ([]kyuuid.UUID, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT DependencyId FROM feature_dependencies WHERE FeatureId = ?`, featureId.Bytes())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []kyuuid.UUID
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, kylaerr.Wrap(kylaerr.IndexError, "scanning dependency row", err)
		}
		id, err := kyuuid.FromBytes(b)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// -- Contents ------------------------------------------------------------

// GetOrCreateContent returns the existing fs_contents row for hash, or
// inserts a new one, matching deduplication by content hash (§1).
func (c *Catalog) GetOrCreateContent(ctx context.Context, tx *sqlindex.Tx, hash hashutil.Digest, size int64) (int64, error) {
	existing, ok, err := c.GetContentByHash(ctx, tx, hash)
	if err != nil {
		return 0, err
	}
	if ok {
		return existing.Id, nil
	}
	res, err := c.db.Exec(ctx, tx, `INSERT INTO fs_contents (Hash, Size) VALUES (?, ?)`, hash.Bytes(), size)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetContentByHash looks up a content by its digest.
func (c *Catalog) GetContentByHash(ctx context.Context, tx *sqlindex.Tx, hash hashutil.Digest) (Content, bool, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT Id, Hash, Size FROM fs_contents WHERE Hash = ?`, hash.Bytes())
	if err != nil {
		return Content{}, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return Content{}, false, nil
	}
	content, err := scanContent(rows)
	return content, true, err
}

// GetContent looks up a content by its row id.
func (c *Catalog) GetContent(ctx context.Context, tx *sqlindex.Tx, id int64) (Content, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT Id, Hash, Size FROM fs_contents WHERE Id = ?`, id)
	if err != nil {
		return Content{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		return Content{}, kylaerr.NotFoundf("content id %d not found", id)
	}
	return scanContent(rows)
}

func scanContent(rows *sql.Rows) (Content, error) {
	var c Content
	var hashBytes []byte
	if err := rows.Scan(&c.Id, &hashBytes, &c.Size); err != nil {
		return Content{}, kylaerr.Wrap(kylaerr.IndexError, "scanning content row", err)
	}
	digest, err := hashutil.FromBytes(hashBytes)
	if err != nil {
		return Content{}, err
	}
	c.Hash = digest
	return c, nil
}

// ContentReferenceCount returns how many fs_files rows reference this
// content, via the fs_contents_with_reference_count view. A count of
// zero marks the content as collectible (§4.10 step 7, "GC contents").
func (c *Catalog) ContentReferenceCount(ctx context.Context, tx *sqlindex.Tx, contentId int64) (int64, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT ReferenceCount FROM fs_contents_with_reference_count WHERE ContentId = ?`, contentId)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, nil
	}
	var count int64
	if err := rows.Scan(&count); err != nil {
		return 0, kylaerr.Wrap(kylaerr.IndexError, "scanning reference count", err)
	}
	return count, nil
}

// DeleteContent removes a content row and its chunks, used once GC has
// established the content is unreferenced.
func (c *Catalog) DeleteContent(ctx context.Context, tx *sqlindex.Tx, contentId int64) error {
	if _, err := c.db.Exec(ctx, tx, `DELETE FROM fs_chunk_hashes WHERE ChunkId IN (SELECT Id FROM fs_chunks WHERE ContentId = ?)`, contentId); err != nil {
		return err
	}
	if _, err := c.db.Exec(ctx, tx, `DELETE FROM fs_chunk_compression WHERE ChunkId IN (SELECT Id FROM fs_chunks WHERE ContentId = ?)`, contentId); err != nil {
		return err
	}
	if _, err := c.db.Exec(ctx, tx, `DELETE FROM fs_chunk_encryption WHERE ChunkId IN (SELECT Id FROM fs_chunks WHERE ContentId = ?)`, contentId); err != nil {
		return err
	}
	if _, err := c.db.Exec(ctx, tx, `DELETE FROM fs_chunks WHERE ContentId = ?`, contentId); err != nil {
		return err
	}
	_, err := c.db.Exec(ctx, tx, `DELETE FROM fs_contents WHERE Id = ?`, contentId)
	return err
}

// -- Files ------------------------------------------------------------

// InsertFile inserts a new fs_files row and returns its id.
func (c *Catalog) InsertFile(ctx context.Context, tx *sqlindex.Tx, f FileEntry) (int64, error) {
	res, err := c.db.Exec(ctx, tx,
		`INSERT INTO fs_files (FeatureId, ContentId, Path, Mode) VALUES (?, ?, ?, ?)`,
		f.FeatureId.Bytes(), f.ContentId, f.Path, f.Mode)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteFile removes an fs_files row.
func (c *Catalog) DeleteFile(ctx context.Context, tx *sqlindex.Tx, id int64) error {
	_, err := c.db.Exec(ctx, tx, `DELETE FROM fs_files WHERE Id = ?`, id)
	return err
}

// ListFilesByFeature returns every file belonging to a feature.
func (c *Catalog) ListFilesByFeature(ctx context.Context, tx *sqlindex.Tx, featureId kyuuid.UUID) ([]FileEntry, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT Id, FeatureId, ContentId, Path, Mode FROM fs_files WHERE FeatureId = ?`, featureId.Bytes())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFileEntries(rows)
}

// ListFilesByPath looks up every fs_files row at a given target path
// (normally zero or one, since a target path is unique, but configure
// reconciliation treats it as a set while rebinding, §4.10 step 5).
func (c *Catalog) ListFilesByPath(ctx context.Context, tx *sqlindex.Tx, path string) ([]FileEntry, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT Id, FeatureId, ContentId, Path, Mode FROM fs_files WHERE Path = ?`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFileEntries(rows)
}

// ListFilesByContent returns every fs_files row materialized from a
// given content, used to find an already-installed exemplar path when
// a new path reuses content the target already has on disk (§4.10
// step 9).
func (c *Catalog) ListFilesByContent(ctx context.Context, tx *sqlindex.Tx, contentId int64) ([]FileEntry, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT Id, FeatureId, ContentId, Path, Mode FROM fs_files WHERE ContentId = ?`, contentId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFileEntries(rows)
}

// ListAllFilesOrderedBySize returns every file in the index, joined with their
// content's hash and size, ordered by Size ascending — the order the
// validator walks in (§4.11).
func (c *Catalog) ListAllFilesOrderedBySize(ctx context.Context, tx *sqlindex.Tx) ([]FileRecord, error) {
	rows, err := c.db.Query(ctx, tx, `
		SELECT fs_files.Path, fs_contents.Hash, fs_contents.Size
		FROM fs_files
		JOIN fs_contents ON fs_contents.Id = fs_files.ContentId
		ORDER BY fs_contents.Size ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var rec FileRecord
		var hashBytes []byte
		if err := rows.Scan(&rec.Path, &hashBytes, &rec.Size); err != nil {
			return nil, kylaerr.Wrap(kylaerr.IndexError, "scanning file record", err)
		}
		digest, err := hashutil.FromBytes(hashBytes)
		if err != nil {
			return nil, err
		}
		rec.Hash = digest
		out = append(out, rec)
	}
	return out, nil
}

func scanFileEntries(rows *sql.Rows) ([]FileEntry, error) {
	var out []FileEntry
	for rows.Next() {
		var f FileEntry
		var featureIdBytes []byte
		if err := rows.Scan(&f.Id, &featureIdBytes, &f.ContentId, &f.Path, &f.Mode); err != nil {
			return nil, kylaerr.Wrap(kylaerr.IndexError, "scanning file row", err)
		}
		fid, err := kyuuid.FromBytes(featureIdBytes)
		if err != nil {
			return nil, err
		}
		f.FeatureId = fid
		out = append(out, f)
	}
	return out, nil
}

// -- Packages ------------------------------------------------------------

// GetOrCreatePackage returns the existing fs_packages row for name, or
// inserts a new one.
func (c *Catalog) GetOrCreatePackage(ctx context.Context, tx *sqlindex.Tx, name, filename string) (int64, error) {
	rows, err := c.db.Query(ctx, tx, `SELECT Id FROM fs_packages WHERE Name = ?`, name)
	if err != nil {
		return 0, err
	}
	if rows.Next() {
		var id int64
		scanErr := rows.Scan(&id)
		rows.Close()
		if scanErr != nil {
			return 0, kylaerr.Wrap(kylaerr.IndexError, "scanning package row", scanErr)
		}
		return id, nil
	}
	rows.Close()

	res, err := c.db.Exec(ctx, tx, `INSERT INTO fs_packages (Name, Filename) VALUES (?, ?)`, name, filename)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// -- Chunks ------------------------------------------------------------

// InsertChunk inserts a chunk and its optional hash/compression/
// encryption side-rows, returning the new chunk's id.
func (c *Catalog) InsertChunk(ctx context.Context, tx *sqlindex.Tx, chunk Chunk) (int64, error) {
	res, err := c.db.Exec(ctx, tx,
		`INSERT INTO fs_chunks (ContentId, PackageId, SourceOffset, TargetOffset, StoredSize, UncompressedSize)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		chunk.ContentId, chunk.PackageId, chunk.SourceOffset, chunk.TargetOffset, chunk.StoredSize, chunk.UncompressedSize)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, kylaerr.Wrap(kylaerr.IndexError, "reading new chunk id", err)
	}

	if chunk.HasHash {
		if _, err := c.db.Exec(ctx, tx, `INSERT INTO fs_chunk_hashes (ChunkId, Hash) VALUES (?, ?)`, id, chunk.Hash.Bytes()); err != nil {
			return 0, err
		}
	}
	if chunk.HasCompression {
		if _, err := c.db.Exec(ctx, tx, `INSERT INTO fs_chunk_compression (ChunkId, Algorithm) VALUES (?, ?)`, id, string(chunk.Compression)); err != nil {
			return 0, err
		}
	}
	if chunk.HasEncryption {
		if _, err := c.db.Exec(ctx, tx, `INSERT INTO fs_chunk_encryption (ChunkId, Algorithm, Data) VALUES (?, ?, ?)`, id, "AES256", chunk.Encryption); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// ListChunksByContent returns every chunk of a content, ordered by
// SourceOffset ascending, the order a reader must reassemble them in
// (§4.7 "ordering guarantees").
func (c *Catalog) ListChunksByContent(ctx context.Context, tx *sqlindex.Tx, contentId int64) ([]Chunk, error) {
	rows, err := c.db.Query(ctx, tx, `
		SELECT c.Id, c.ContentId, c.PackageId, c.SourceOffset, c.TargetOffset, c.StoredSize, c.UncompressedSize,
		       h.Hash, comp.Algorithm, enc.Data
		FROM fs_chunks c
		LEFT JOIN fs_chunk_hashes h ON h.ChunkId = c.Id
		LEFT JOIN fs_chunk_compression comp ON comp.ChunkId = c.Id
		LEFT JOIN fs_chunk_encryption enc ON enc.ChunkId = c.Id
		WHERE c.ContentId = ?
		ORDER BY c.SourceOffset ASC`, contentId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var ch Chunk
		var hashBytes, encData []byte
		var algo sql.NullString
		if err := rows.Scan(&ch.Id, &ch.ContentId, &ch.PackageId, &ch.SourceOffset, &ch.TargetOffset,
			&ch.StoredSize, &ch.UncompressedSize, &hashBytes, &algo, &encData); err != nil {
			return nil, kylaerr.Wrap(kylaerr.IndexError, "scanning chunk row", err)
		}
		if hashBytes != nil {
			digest, err := hashutil.FromBytes(hashBytes)
			if err != nil {
				return nil, err
			}
			ch.Hash = digest
			ch.HasHash = true
		}
		if algo.Valid {
			ch.Compression = blockcodec.Algorithm(algo.String)
			ch.HasCompression = true
		}
		if encData != nil {
			ch.Encryption = encData
			ch.HasEncryption = true
		}
		out = append(out, ch)
	}
	return out, nil
}
