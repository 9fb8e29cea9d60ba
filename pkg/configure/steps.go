package configure

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/Anteru/kyla/pkg/blockcipher"
	"github.com/Anteru/kyla/pkg/blockcodec"
	"github.com/Anteru/kyla/pkg/catalog"
	"github.com/Anteru/kyla/pkg/chunkpipeline"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kylaerr"
	"github.com/Anteru/kyla/pkg/kyuuid"
	"github.com/Anteru/kyla/pkg/sqlindex"
)

// computePendingSet resolves desired (plus every transitive
// dependency) against the attached source catalog's fs_files, and
// returns the full set of files the target should end up with
// (§4.10 step 3).
func (e *Engine) computePendingSet(ctx context.Context, tx *sqlindex.Tx, desired []kyuuid.UUID) ([]pendingFile, error) {
	closure, err := e.closeDependencies(ctx, desired)
	if err != nil {
		return nil, err
	}

	var out []pendingFile
	for _, featureId := range closure {
		rows, err := e.TargetCat.DB().Query(ctx, tx, `
			SELECT f.Path, f.ContentId, f.Mode, c.Hash, c.Size
			FROM source.fs_files f
			JOIN source.fs_contents c ON c.Id = f.ContentId
			WHERE f.FeatureId = ?`, featureId.Bytes())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var pf pendingFile
			var hashBytes []byte
			if err := rows.Scan(&pf.Path, &pf.ContentId, &pf.Mode, &hashBytes, &pf.Size); err != nil {
				rows.Close()
				return nil, kylaerr.Wrap(kylaerr.IndexError, "scanning pending file row", err)
			}
			digest, err := hashutil.FromBytes(hashBytes)
			if err != nil {
				rows.Close()
				return nil, err
			}
			pf.FeatureId = featureId
			pf.Hash = digest
			out = append(out, pf)
		}
		rows.Close()
	}
	return out, nil
}

// closeDependencies resolves desired plus every transitive dependency,
// reading the dependency graph from the source catalog (the graph a
// freshly-built source always carries, independent of what the target
// currently has installed).
func (e *Engine) closeDependencies(ctx context.Context, desired []kyuuid.UUID) ([]kyuuid.UUID, error) {
	seen := map[kyuuid.UUID]bool{}
	var order []kyuuid.UUID

	var visit func(id kyuuid.UUID) error
	visit = func(id kyuuid.UUID) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		order = append(order, id)
		deps, err := e.SourceCat.ListDependencies(ctx, nil, id)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range desired {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// reconcileFeatures makes the target's features table match the
// desired closure: missing features (and their dependency edges) are
// copied over from source; features no longer in the closure are left
// for step 10 (prune) to remove along with their files (§4.10 step 4).
func (e *Engine) reconcileFeatures(ctx context.Context, tx *sqlindex.Tx, desired []kyuuid.UUID) error {
	closure, err := e.closeDependencies(ctx, desired)
	if err != nil {
		return err
	}
	for _, id := range closure {
		if _, ok, err := e.TargetCat.GetFeature(ctx, tx, id); err != nil {
			return err
		} else if ok {
			continue
		}
		feature, ok, err := e.SourceCat.GetFeature(ctx, nil, id)
		if err != nil {
			return err
		}
		if !ok {
			return kylaerr.IndexErrorf("feature %s is not present in the source repository", id)
		}
		if err := e.TargetCat.InsertFeature(ctx, tx, feature); err != nil {
			return err
		}
		deps, err := e.SourceCat.ListDependencies(ctx, nil, id)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if err := e.TargetCat.AddDependency(ctx, tx, id, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

// rebindUnchanged repoints any existing fs_files row whose path
// matches a pending file and whose content hash is already correct,
// leaving it untouched on disk. It returns the subset of pending that
// still needs new bytes written (§4.10 step 5).
func (e *Engine) rebindUnchanged(ctx context.Context, tx *sqlindex.Tx, pending []pendingFile) ([]pendingFile, error) {
	var unresolved []pendingFile
	for _, pf := range pending {
		existing, err := e.TargetCat.ListFilesByPath(ctx, tx, pf.Path)
		if err != nil {
			return nil, err
		}
		matched := false
		for _, ex := range existing {
			content, err := e.TargetCat.GetContent(ctx, tx, ex.ContentId)
			if err != nil {
				continue
			}
			if content.Hash == pf.Hash && content.Size == pf.Size {
				if ex.FeatureId != pf.FeatureId {
					if _, err := e.TargetCat.DB().Exec(ctx, tx, `UPDATE fs_files SET FeatureId = ? WHERE Id = ?`, pf.FeatureId.Bytes(), ex.Id); err != nil {
						return nil, err
					}
				}
				matched = true
				break
			}
		}
		if !matched {
			unresolved = append(unresolved, pf)
		}
	}
	return unresolved, nil
}

// dropChanged removes the fs_files rows at every path whose content is
// about to change (the paths in unresolved), so the coming insert
// starts from a clean row. Rows for paths not in the desired set are
// not touched here; prune removes them with their feature (§4.10
// step 6).
func (e *Engine) dropChanged(ctx context.Context, tx *sqlindex.Tx, pending, unresolved []pendingFile) error {
	changedPaths := map[string]bool{}
	for _, pf := range unresolved {
		changedPaths[pf.Path] = true
	}
	for path := range changedPaths {
		existing, err := e.TargetCat.ListFilesByPath(ctx, tx, path)
		if err != nil {
			return err
		}
		for _, ex := range existing {
			if err := e.TargetCat.DeleteFile(ctx, tx, ex.Id); err != nil {
				return err
			}
		}
	}
	return nil
}

// gcContents deletes every fs_contents row left with zero references,
// freeing up the hash for a fresh insert in localCopy and ensuring
// disk usage never grows for content nothing points at anymore
// (§4.10 step 7).
func (e *Engine) gcContents(ctx context.Context, tx *sqlindex.Tx) error {
	rows, err := e.TargetCat.DB().Query(ctx, tx, `SELECT ContentId FROM fs_contents_with_reference_count WHERE ReferenceCount = 0`)
	if err != nil {
		return err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return kylaerr.Wrap(kylaerr.IndexError, "scanning collectible content id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := e.TargetCat.DeleteContent(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

// fetchDeltas reads and stages the bytes for every pending file whose
// content is not already present in the target index, driving C7's
// pipeline with chunk descriptors read from the source catalog
// (§4.10 step 8).
func (e *Engine) fetchDeltas(ctx context.Context, tx *sqlindex.Tx, unresolved []pendingFile) error {
	type contentWork struct {
		pf     pendingFile
		chunks []chunkDescriptor
	}

	var work []contentWork
	seen := map[int64]bool{}
	for _, pf := range unresolved {
		if seen[pf.ContentId] {
			continue
		}
		seen[pf.ContentId] = true

		if _, ok, err := e.TargetCat.GetContentByHash(ctx, tx, pf.Hash); err != nil {
			return err
		} else if ok {
			continue // already have the bytes locally from an earlier file sharing this content
		}

		chunks, err := e.sourceChunks(ctx, pf.ContentId)
		if err != nil {
			return err
		}
		work = append(work, contentWork{pf: pf, chunks: chunks})
	}
	if len(work) == 0 {
		return nil
	}

	var jobs []chunkpipeline.Job
	seq := 0
	for _, w := range work {
		for _, ch := range w.chunks {
			jobs = append(jobs, chunkpipeline.Job{
				Seq:        seq,
				Weight:     ch.StoredSize,
				Descriptor: fetchJob{content: w.pf, chunk: ch},
			})
			seq++
		}
	}

	read := func(ctx context.Context, job chunkpipeline.Job) ([]byte, error) {
		fj := job.Descriptor.(fetchJob)
		return e.SourceReader.ReadPackedRange(ctx, fj.chunk.PackageName, fj.chunk.TargetOffset, fj.chunk.StoredSize)
	}
	transform := func(ctx context.Context, job chunkpipeline.Job, data []byte) ([]byte, error) {
		fj := job.Descriptor.(fetchJob)
		return e.decodeChunk(data, fj.chunk)
	}
	write := func(ctx context.Context, job chunkpipeline.Job, data []byte) error {
		fj := job.Descriptor.(fetchJob)
		return e.Target.StageChunk(ctx, fj.content.Hash, fj.content.Size, fj.chunk.SourceOffset, data)
	}

	return chunkpipeline.Run(ctx, jobs, read, transform, write, e.PipelineCfg)
}

type chunkDescriptor struct {
	PackageName      string
	SourceOffset     int64
	TargetOffset     int64
	StoredSize       int64
	UncompressedSize int64
	Hash             hashutil.Digest
	HasHash          bool
	Compression      blockcodec.Algorithm
	HasCompression   bool
	Encryption       []byte
	HasEncryption    bool
}

type fetchJob struct {
	content pendingFile
	chunk   chunkDescriptor
}

// sourceChunks reads a content's chunk layout (and the file name of
// the owning package) out of the attached source catalog.
func (e *Engine) sourceChunks(ctx context.Context, contentId int64) ([]chunkDescriptor, error) {
	rows, err := e.TargetCat.DB().Query(ctx, nil, `
		SELECT p.Filename, c.SourceOffset, c.TargetOffset, c.StoredSize, c.UncompressedSize,
		       h.Hash, comp.Algorithm, enc.Data
		FROM source.fs_chunks c
		JOIN source.fs_packages p ON p.Id = c.PackageId
		LEFT JOIN source.fs_chunk_hashes h ON h.ChunkId = c.Id
		LEFT JOIN source.fs_chunk_compression comp ON comp.ChunkId = c.Id
		LEFT JOIN source.fs_chunk_encryption enc ON enc.ChunkId = c.Id
		WHERE c.ContentId = ?
		ORDER BY c.SourceOffset ASC`, contentId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chunkDescriptor
	for rows.Next() {
		var d chunkDescriptor
		var hashBytes, encData []byte
		var algoStr sql.NullString
		if err := rows.Scan(&d.PackageName, &d.SourceOffset, &d.TargetOffset, &d.StoredSize, &d.UncompressedSize, &hashBytes, &algoStr, &encData); err != nil {
			return nil, kylaerr.Wrap(kylaerr.IndexError, "scanning source chunk row", err)
		}
		if hashBytes != nil {
			digest, err := hashutil.FromBytes(hashBytes)
			if err != nil {
				return nil, err
			}
			d.Hash = digest
			d.HasHash = true
		}
		if algoStr.Valid {
			d.Compression = blockcodec.Algorithm(algoStr.String)
			d.HasCompression = true
		}
		if encData != nil {
			d.Encryption = encData
			d.HasEncryption = true
		}
		out = append(out, d)
	}
	return out, nil
}

// decodeChunk reverses a chunk's on-disk encoding: verify the stored
// hash over the raw bytes as read (§4.7 "Processor" stage), then
// decrypt (if encrypted), then decompress (if compressed), the inverse
// of the builder's compress-then-encrypt (§4.2, §4.3).
func (e *Engine) decodeChunk(data []byte, d chunkDescriptor) ([]byte, error) {
	if d.HasHash {
		if got := hashutil.Sum(data); !got.Equal(d.Hash) {
			return nil, kylaerr.StorageCorruptedf("chunk hash mismatch: got %s, want %s", got, d.Hash)
		}
	}
	if d.HasEncryption {
		if len(d.Encryption) != blockcipher.BlobSize {
			return nil, kylaerr.StorageCorruptedf("chunk encryption blob has length %d, want %d", len(d.Encryption), blockcipher.BlobSize)
		}
		var salt [blockcipher.SaltSize]byte
		var iv [blockcipher.IVSize]byte
		copy(salt[:], d.Encryption[:blockcipher.SaltSize])
		copy(iv[:], d.Encryption[blockcipher.SaltSize:])
		blob := blockcipher.BlobFromParts(salt, iv)

		plain, err := blockcipher.Decrypt(e.Passphrase, blob, data)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	if d.HasCompression {
		codec, err := blockcodec.ByAlgorithm(d.Compression)
		if err != nil {
			return nil, err
		}
		out := make([]byte, d.UncompressedSize)
		if err := codec.Decompress(out, data); err != nil {
			return nil, err
		}
		return out, nil
	}
	return data, nil
}

// localCopy inserts fs_files rows for every resolved file. A content
// fetchDeltas staged this run is finalized out of its `.kytmp` file to
// every path that needs it; a content the target already had before
// this run (fetchDeltas never staged it, §4.10 step 8) is instead
// copied directly from an already-installed file referencing the same
// content, since no staging file exists for it (§4.10 step 9).
func (e *Engine) localCopy(ctx context.Context, tx *sqlindex.Tx, unresolved []pendingFile) error {
	byContent := map[int64][]pendingFile{}
	for _, pf := range unresolved {
		byContent[pf.ContentId] = append(byContent[pf.ContentId], pf)
	}

	for _, files := range byContent {
		hash := files[0].Hash
		size := files[0].Size
		mode := os.FileMode(files[0].Mode)

		existing, ok, err := e.TargetCat.GetContentByHash(ctx, tx, hash)
		if err != nil {
			return err
		}
		targetContentId := existing.Id
		if !ok {
			targetContentId, err = e.TargetCat.GetOrCreateContent(ctx, tx, hash, size)
			if err != nil {
				return err
			}
		}

		if ok {
			exemplars, err := e.TargetCat.ListFilesByContent(ctx, tx, targetContentId)
			if err != nil {
				return err
			}
			if len(exemplars) == 0 {
				return kylaerr.IndexErrorf("content %s already exists in the target index but has no materialized file to copy from", hash)
			}
			exemplarPath := exemplars[0].Path
			for _, pf := range files {
				if err := e.Target.CopyExistingFile(ctx, exemplarPath, pf.Path, os.FileMode(pf.Mode)); err != nil {
					return fmt.Errorf("copying content %s from %s to %s: %w", hash, exemplarPath, pf.Path, err)
				}
			}
		} else {
			var paths []string
			for _, pf := range files {
				paths = append(paths, pf.Path)
			}
			if err := e.Target.FinalizeStaged(ctx, hash, paths, mode); err != nil {
				return fmt.Errorf("finalizing content %s: %w", hash, err)
			}
		}

		for _, pf := range files {
			if _, err := e.TargetCat.InsertFile(ctx, tx, catalog.FileEntry{
				FeatureId: pf.FeatureId,
				ContentId: targetContentId,
				Path:      pf.Path,
				Mode:      pf.Mode,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// prune removes every target-side file whose feature is no longer in
// the desired closure, then that feature's dependency edges and the
// feature row itself, the mirror image of reconcileFeatures (§4.10
// step 10).
func (e *Engine) prune(ctx context.Context, tx *sqlindex.Tx, desired []kyuuid.UUID) error {
	closure, err := e.closeDependencies(ctx, desired)
	if err != nil {
		return err
	}
	wanted := map[kyuuid.UUID]bool{}
	for _, id := range closure {
		wanted[id] = true
	}

	features, err := e.TargetCat.ListFeatures(ctx, tx)
	if err != nil {
		return err
	}
	for _, f := range features {
		if wanted[f.Id] {
			continue
		}
		files, err := e.TargetCat.ListFilesByFeature(ctx, tx, f.Id)
		if err != nil {
			return err
		}
		for _, file := range files {
			if err := e.Target.RemovePath(ctx, file.Path); err != nil {
				return err
			}
			if err := e.TargetCat.DeleteFile(ctx, tx, file.Id); err != nil {
				return err
			}
		}
		if _, err := e.TargetCat.DB().Exec(ctx, tx, `DELETE FROM feature_dependencies WHERE FeatureId = ? OR DependencyId = ?`, f.Id.Bytes(), f.Id.Bytes()); err != nil {
			return err
		}
		if _, err := e.TargetCat.DB().Exec(ctx, tx, `DELETE FROM features WHERE Id = ?`, f.Id.Bytes()); err != nil {
			return err
		}
	}
	return e.gcContents(ctx, tx)
}
