// Package configure implements C10: the algorithm that reconciles a
// Deployed target repository with a desired feature set read from a
// source repository, as specified in §4.10. The index changes of a run
// execute inside one WAL-mode transaction on the target index, so an
// error or cancellation midway leaves the index as it was before
// Configure was called. Files already staged, written or removed on
// disk by then are not rolled back.
package configure

import (
	"context"
	"fmt"

	"github.com/Anteru/kyla/pkg/catalog"
	"github.com/Anteru/kyla/pkg/chunkpipeline"
	"github.com/Anteru/kyla/pkg/kylaerr"
	"github.com/Anteru/kyla/pkg/kyuuid"
	"github.com/Anteru/kyla/pkg/source"
	"github.com/Anteru/kyla/pkg/target"
)

// Layout identifies what kind of repository backs the target side of
// a Configure call.
type Layout int

const (
	LayoutDeployed Layout = iota
	LayoutPacked
)

// Engine runs Configure against one target repository and one source
// repository.
type Engine struct {
	TargetLayout Layout
	Target       *target.Target
	TargetCat    *catalog.Catalog
	SourceCat    *catalog.Catalog
	SourceReader source.Reader
	Passphrase   string
	PipelineCfg  *chunkpipeline.Config

	log func(string)
}

// New creates a Configure engine. log receives human-readable progress
// lines (§6 "set_log_callback"); pass nil to discard them.
func New(layout Layout, tgt *target.Target, targetCat, sourceCat *catalog.Catalog, reader source.Reader, log func(string)) *Engine {
	if log == nil {
		log = func(string) {}
	}
	return &Engine{
		TargetLayout: layout,
		Target:       tgt,
		TargetCat:    targetCat,
		SourceCat:    sourceCat,
		SourceReader: reader,
		PipelineCfg:  chunkpipeline.DefaultConfig(),
		log:          log,
	}
}

// pendingFile is one file the desired feature set requires, resolved
// down to its content.
type pendingFile struct {
	FeatureId kyuuid.UUID
	Path      string
	ContentId int64
	Hash      [32]byte
	Size      int64
	Mode      uint32
}

// Run executes the 11-step Configure algorithm against desired, the
// set of feature ids that should be present in the target afterward.
func (e *Engine) Run(ctx context.Context, desired []kyuuid.UUID) error {
	// Configure-on-packed-target is out of scope: a .kypkg's chunk
	// layout is fixed at build time and is not a reconciliation target
	// (SUPPLEMENTED Open Question decision, see DESIGN.md).
	if e.TargetLayout == LayoutPacked {
		return kylaerr.NotImplementedf("configure does not support a packed target repository")
	}

	// Step 1: prelude. Sweep any staging leftovers from a prior,
	// interrupted run before this one stages anything of its own.
	if err := e.Target.CleanStaging(ctx); err != nil {
		return err
	}
	if err := e.TargetCat.DB().EnableWAL(ctx); err != nil {
		return err
	}

	tx, err := e.TargetCat.DB().BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer e.TargetCat.DB().Rollback(ctx, tx)

	// Step 2: attach source. An in-memory backup decouples the rest of
	// this transaction from the source repository's availability; once
	// backed up, the source repo could even disappear without aborting
	// the run (§4.10 step 2).
	release, err := e.TargetCat.DB().AttachInMemoryBackup(ctx, e.SourceCat.DB(), "source")
	if err != nil {
		return err
	}
	defer release()

	// Step 3: compute the pending set, the full file list the desired
	// features resolve to (transitively through dependencies).
	pending, err := e.computePendingSet(ctx, tx, desired)
	if err != nil {
		return err
	}
	e.log(fmt.Sprintf("configure: %d files in the desired feature set", len(pending)))

	// Step 4: feature reconciliation. Bring the target's features table
	// in line with the desired set (insert features newly required;
	// ones no longer reachable are removed in step 10).
	if err := e.reconcileFeatures(ctx, tx, desired); err != nil {
		return err
	}

	// Step 5: rebind unchanged files. A file whose target content hash
	// already matches the desired content hash just gets its fs_files
	// row repointed; no bytes move.
	unresolved, err := e.rebindUnchanged(ctx, tx, pending)
	if err != nil {
		return err
	}
	e.log(fmt.Sprintf("configure: %d files need new content, %d already match", len(unresolved), len(pending)-len(unresolved)))

	// Step 6: drop changed files. Existing fs_files rows whose path is
	// in the desired set but whose content will change are removed so
	// the later insert starts clean; rows for paths no longer desired
	// at all are left for step 10.
	if err := e.dropChanged(ctx, tx, pending, unresolved); err != nil {
		return err
	}

	// Step 7: GC contents. Any fs_contents row left with zero
	// references after step 6 is deleted, since nothing will write it
	// back in step 9 unless it is still in `unresolved`.
	if err := e.gcContents(ctx, tx); err != nil {
		return err
	}

	// Step 8: fetch deltas. Read and stage the bytes for every content
	// in `unresolved` that is not already present locally.
	if err := e.fetchDeltas(ctx, tx, unresolved); err != nil {
		return err
	}

	// Step 9: local copy. Write fs_files rows for the files resolved in
	// step 8, after finalizing each staged content to every path that
	// needs it, or copying it from an installed file when the target
	// already had it.
	if err := e.localCopy(ctx, tx, unresolved); err != nil {
		return err
	}

	// Step 10: prune. Remove target-side files that are no longer
	// referenced by any feature in the desired set.
	if err := e.prune(ctx, tx, desired); err != nil {
		return err
	}

	// Step 11: epilogue. Commit, then switch the index back to DELETE
	// mode and analyze it, matching the state a freshly built target
	// would be in.
	if err := e.TargetCat.DB().Commit(ctx, tx); err != nil {
		return err
	}
	if err := e.TargetCat.DB().EnableDeleteMode(ctx); err != nil {
		return err
	}
	if err := e.TargetCat.DB().Analyze(ctx); err != nil {
		return err
	}
	return nil
}
