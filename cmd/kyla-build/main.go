// Command kyla-build is a thin driver over pkg/builder, used by
// integration tests to produce a Loose, Packed or Deployed repository
// from a JSON manifest. It is not a general-purpose packaging tool:
// manifest authoring, feature graph validation and release tooling
// are left to whatever wraps this binary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/Anteru/kyla/pkg/blockcodec"
	"github.com/Anteru/kyla/pkg/builder"
	"github.com/Anteru/kyla/pkg/kyuuid"
)

type manifestFile struct {
	TargetPath string `json:"targetPath"`
	SourcePath string `json:"sourcePath"`
	Mode       uint32 `json:"mode"`
	Package    string `json:"package"`
}

type manifestFeature struct {
	Id          string         `json:"id"`
	Name        string         `json:"name"`
	UIName      string         `json:"uiName"`
	Description string         `json:"description"`
	Deps        []string       `json:"deps"`
	Files       []manifestFile `json:"files"`
	ParentId    string         `json:"parentId"`
}

type manifest struct {
	Features []manifestFeature `json:"features"`
}

func loadManifest(path string) (builder.Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return builder.Descriptor{}, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return builder.Descriptor{}, fmt.Errorf("parsing manifest: %w", err)
	}

	desc := builder.Descriptor{Features: make([]builder.FeatureDescriptor, len(m.Features))}
	for i, f := range m.Features {
		id, err := featureId(f.Id)
		if err != nil {
			return builder.Descriptor{}, fmt.Errorf("feature %q: %w", f.Name, err)
		}
		deps := make([]kyuuid.UUID, len(f.Deps))
		for j, d := range f.Deps {
			depId, err := kyuuid.Parse(d)
			if err != nil {
				return builder.Descriptor{}, fmt.Errorf("feature %q dependency %q: %w", f.Name, d, err)
			}
			deps[j] = depId
		}
		files := make([]builder.FileDescriptor, len(f.Files))
		for j, file := range f.Files {
			mode := file.Mode
			if mode == 0 {
				mode = 0o644
			}
			files[j] = builder.FileDescriptor{
				TargetPath: file.TargetPath,
				SourcePath: file.SourcePath,
				Mode:       os.FileMode(mode),
				Package:    file.Package,
			}
		}
		fd := builder.FeatureDescriptor{
			Id:          id,
			Name:        f.Name,
			UIName:      f.UIName,
			Description: f.Description,
			Deps:        deps,
			Files:       files,
		}
		if f.ParentId != "" {
			parentId, err := kyuuid.Parse(f.ParentId)
			if err != nil {
				return builder.Descriptor{}, fmt.Errorf("feature %q parentId %q: %w", f.Name, f.ParentId, err)
			}
			fd.ParentId = parentId
			fd.HasParent = true
		}
		desc.Features[i] = fd
	}
	return desc, nil
}

func featureId(s string) (kyuuid.UUID, error) {
	if s == "" {
		return kyuuid.New(), nil
	}
	return kyuuid.Parse(s)
}

func parseLayout(s string) (builder.Layout, error) {
	switch s {
	case "loose":
		return builder.LayoutLoose, nil
	case "packed":
		return builder.LayoutPacked, nil
	case "deployed":
		return builder.LayoutDeployed, nil
	default:
		return 0, fmt.Errorf("unknown layout %q (want loose, packed or deployed)", s)
	}
}

func main() {
	manifestPath := flag.String("manifest", "", "path to a JSON feature/file manifest")
	targetDir := flag.String("target", "", "directory to build the repository into")
	layoutFlag := flag.String("layout", "packed", "loose, packed or deployed")
	compression := flag.String("compression", string(blockcodec.Brotli), "block compression algorithm")
	passphrase := flag.String("passphrase", "", "encrypt chunks with this passphrase (packed layout only)")
	flag.Parse()

	if *manifestPath == "" || *targetDir == "" {
		fmt.Fprintln(os.Stderr, "usage: kyla-build -manifest manifest.json -target dir [-layout packed] [-compression Brotli] [-passphrase secret]")
		os.Exit(2)
	}

	layout, err := parseLayout(*layoutFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	desc, err := loadManifest(*manifestPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := builder.DefaultConfig(layout, *targetDir)
	cfg.Compression = blockcodec.Algorithm(*compression)
	cfg.Passphrase = *passphrase

	if err := builder.Build(context.Background(), desc, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "build failed:", err)
		os.Exit(1)
	}
}
