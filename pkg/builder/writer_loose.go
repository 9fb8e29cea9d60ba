package builder

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/Anteru/kyla/pkg/catalog"
	"github.com/Anteru/kyla/pkg/kylaerr"
)

// writeLoose copies every unique content to <target>/.ky/objects/<hex>
// and populates fs_contents/fs_files; no fs_packages or chunk rows are
// written for a Loose layout (§4.12).
func writeLoose(ctx context.Context, l *RepositoryObjectLinker, cat *catalog.Catalog, features []FeatureDescriptor, cfg *Config) error {
	objectsDir := filepath.Join(cfg.TargetDir, ".ky", "objects")
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "creating objects directory", err)
	}

	for _, content := range l.Contents {
		dst := filepath.Join(objectsDir, content.Hash.String())
		if _, err := os.Stat(dst); err == nil {
			// already materialized by an earlier build of the same
			// repository; the content hash guarantees the bytes match.
		} else if !os.IsNotExist(err) {
			return kylaerr.Wrap(kylaerr.Io, "stat'ing loose object", err)
		} else if err := copyLooseObject(content.SourcePath, dst); err != nil {
			return err
		}

		if _, err := cat.GetOrCreateContent(ctx, nil, content.Hash, content.Size); err != nil {
			return err
		}
	}

	return linkFiles(ctx, l, cat, features)
}

func copyLooseObject(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return kylaerr.Wrap(kylaerr.Io, "opening source file", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return kylaerr.Wrap(kylaerr.Io, "creating loose object", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return kylaerr.Wrap(kylaerr.Io, "copying loose object", err)
	}
	return nil
}
