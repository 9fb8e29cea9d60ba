// Package builder implements C12: turning a build descriptor (the set
// of features and files a release consists of) into one of the three
// on-disk repository layouts, as specified in §4.12. It is grounded on
// the teacher's chunk-then-manifest pipeline in pkg/content/{chunker,
// manifest}.go, generalized from one file to a whole multi-feature
// repository and reworked around the relational index (C5/C6) instead
// of a standalone manifest document.
package builder

import (
	"context"
	"os"
	"path/filepath"

	"github.com/Anteru/kyla/pkg/blockcodec"
	"github.com/Anteru/kyla/pkg/catalog"
	"github.com/Anteru/kyla/pkg/chunkpipeline"
	"github.com/Anteru/kyla/pkg/kylaerr"
	"github.com/Anteru/kyla/pkg/sqlindex"
)

// Layout identifies which of the three on-disk repository shapes Build
// produces (§4.12).
type Layout int

const (
	LayoutLoose Layout = iota
	LayoutPacked
	LayoutDeployed
)

// Config controls a single Build call.
type Config struct {
	Layout Layout
	// TargetDir is where the repository is written: object store and
	// index for Loose, .kypkg files and index for Packed, materialized
	// files and index for Deployed.
	TargetDir string
	// Compression is the block compression algorithm used for a Packed
	// build. Defaults to Brotli (§4.12: "default brotli, quality 5").
	Compression blockcodec.Algorithm
	// Passphrase, when non-empty, encrypts every chunk of a Packed
	// build with AES-256-CBC under a key derived from it (§4.3). Loose
	// and Deployed layouts never encrypt: only a Packed on-disk byte
	// stream has chunks to encrypt.
	Passphrase string
	// PipelineCfg is not read by Build: a Packed build runs compression
	// and encryption inline, without the chunk pipeline. Reserved for
	// symmetry with the other C7 consumers.
	PipelineCfg *chunkpipeline.Config
}

// DefaultConfig returns a Config for layout rooted at targetDir, with
// brotli compression and no encryption.
func DefaultConfig(layout Layout, targetDir string) *Config {
	return &Config{
		Layout:      layout,
		TargetDir:   targetDir,
		Compression: blockcodec.Brotli,
		PipelineCfg: chunkpipeline.DefaultConfig(),
	}
}

func (cfg *Config) compressionAlgorithm() blockcodec.Algorithm {
	if cfg.Compression == "" {
		return blockcodec.Brotli
	}
	return cfg.Compression
}

// indexPath returns where the canonical index file lives for a given
// layout (§6 "Index file paths").
func indexPath(layout Layout, targetDir string) string {
	switch layout {
	case LayoutLoose:
		return filepath.Join(targetDir, ".ky", "repository.db")
	case LayoutPacked:
		return filepath.Join(targetDir, "repository.db")
	default:
		return filepath.Join(targetDir, "k.db")
	}
}

// Build links desc (§4.12's two-pass RepositoryObjectLinker), then
// writes the chosen layout and its index.
func Build(ctx context.Context, desc Descriptor, cfg *Config) error {
	if cfg == nil {
		return kylaerr.InvalidArgumentf("builder config must not be nil")
	}

	linker, err := Link(ctx, desc)
	if err != nil {
		return err
	}

	idxPath := indexPath(cfg.Layout, cfg.TargetDir)
	if err := os.MkdirAll(filepath.Dir(idxPath), 0o755); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "creating index directory", err)
	}

	db, err := sqlindex.Open(idxPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.CreateSchema(ctx); err != nil {
		return err
	}
	cat := catalog.New(db)

	if err := insertFeatures(ctx, cat, desc); err != nil {
		return err
	}

	switch cfg.Layout {
	case LayoutLoose:
		return writeLoose(ctx, linker, cat, desc.Features, cfg)
	case LayoutPacked:
		return writePacked(ctx, linker, cat, desc.Features, cfg)
	case LayoutDeployed:
		return writeDeployed(ctx, linker, cat, desc.Features, cfg)
	default:
		return kylaerr.InvalidArgumentf("unknown builder layout %d", cfg.Layout)
	}
}

// insertFeatures populates the features and feature_dependencies
// tables from desc, ahead of any content or file rows. Features are
// inserted in parent-before-child order so a child's ParentId always
// references an already-persisted row, mirroring the original
// builder's depth-first feature tree walk (§4.6).
func insertFeatures(ctx context.Context, cat *catalog.Catalog, desc Descriptor) error {
	pending := make([]FeatureDescriptor, len(desc.Features))
	copy(pending, desc.Features)

	for len(pending) > 0 {
		progressed := false
		var next []FeatureDescriptor
		for _, feature := range pending {
			if feature.HasParent {
				if _, ok, err := cat.GetFeature(ctx, nil, feature.ParentId); err != nil {
					return err
				} else if !ok {
					next = append(next, feature)
					continue
				}
			}
			if err := cat.InsertFeature(ctx, nil, catalog.Feature{
				Id:          feature.Id,
				Name:        feature.Name,
				UIName:      feature.UIName,
				Description: feature.Description,
				ParentId:    feature.ParentId,
				HasParent:   feature.HasParent,
			}); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			return kylaerr.InvalidArgumentf("feature descriptor graph has an unresolvable or cyclic ParentId chain")
		}
		pending = next
	}

	for _, feature := range desc.Features {
		for _, dep := range feature.Deps {
			if err := cat.AddDependency(ctx, nil, feature.Id, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

// linkFiles resolves every linked file against its (already-created)
// content row and inserts the matching fs_files row. Shared by all
// three layouts: by the time this runs, every layout's writer has
// already ensured an fs_contents row exists for every linked content.
func linkFiles(ctx context.Context, l *RepositoryObjectLinker, cat *catalog.Catalog, features []FeatureDescriptor) error {
	sizeByHash := make(map[string]int64, len(l.Contents))
	for _, c := range l.Contents {
		sizeByHash[string(c.Hash[:])] = c.Size
	}

	for _, lf := range l.Files {
		size, ok := sizeByHash[string(lf.ContentHash[:])]
		if !ok {
			return kylaerr.IndexErrorf("linked file %s references unknown content", lf.TargetPath)
		}
		contentId, err := cat.GetOrCreateContent(ctx, nil, lf.ContentHash, size)
		if err != nil {
			return err
		}
		if _, err := cat.InsertFile(ctx, nil, catalog.FileEntry{
			FeatureId: features[lf.FeatureIndex].Id,
			ContentId: contentId,
			Path:      lf.TargetPath,
			Mode:      uint32(lf.Mode),
		}); err != nil {
			return err
		}
	}
	return nil
}
