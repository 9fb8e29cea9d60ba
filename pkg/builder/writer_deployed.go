package builder

import (
	"context"
	"os"

	"github.com/Anteru/kyla/pkg/catalog"
	"github.com/Anteru/kyla/pkg/kylaerr"
	"github.com/Anteru/kyla/pkg/target"
)

// writeDeployed writes every linked file directly under cfg.TargetDir
// at its declared path and populates the index accordingly (§4.12).
// Unlike Loose, a Deployed build never dedups bytes on disk: two files
// sharing a content hash each get their own independent copy, the same
// hard-copy rule C9 applies when configure later rewrites one of them.
func writeDeployed(ctx context.Context, l *RepositoryObjectLinker, cat *catalog.Catalog, features []FeatureDescriptor, cfg *Config) error {
	tgt := target.New(cfg.TargetDir)

	contentByHash := make(map[[32]byte]linkedContent, len(l.Contents))
	for _, c := range l.Contents {
		contentByHash[c.Hash] = c
		if _, err := cat.GetOrCreateContent(ctx, nil, c.Hash, c.Size); err != nil {
			return err
		}
	}

	for _, lf := range l.Files {
		content, ok := contentByHash[lf.ContentHash]
		if !ok {
			return kylaerr.IndexErrorf("linked file %s references unknown content", lf.TargetPath)
		}
		data, err := os.ReadFile(content.SourcePath)
		if err != nil {
			return kylaerr.Wrap(kylaerr.Io, "reading source file for deployment", err)
		}
		if err := tgt.WriteWhole(ctx, lf.TargetPath, data, lf.Mode); err != nil {
			return err
		}
	}

	return linkFiles(ctx, l, cat, features)
}
