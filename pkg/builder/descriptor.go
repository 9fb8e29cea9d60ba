package builder

import (
	"os"

	"github.com/Anteru/kyla/pkg/kyuuid"
)

// FileDescriptor is one file a release places at a target path.
type FileDescriptor struct {
	// TargetPath is where the file is installed, relative to the
	// repository root.
	TargetPath string
	// SourcePath is where the builder reads the file's bytes from on
	// the build machine.
	SourcePath string
	Mode       os.FileMode
	// Package is the explicit package this file's content is assigned
	// to when building a Packed layout. Empty means it falls to the
	// synthesised "main" package (§4.12 default main-package rule).
	Package string
}

// FeatureDescriptor is one feature: a name, its dependencies, the
// files it contributes, and its place in the feature tree.
type FeatureDescriptor struct {
	Id          kyuuid.UUID
	Name        string
	UIName      string
	Description string
	Deps        []kyuuid.UUID
	Files       []FileDescriptor
	// ParentId names this feature's parent in the feature forest (§3,
	// §4.6). The zero kyuuid.UUID means a root feature.
	ParentId kyuuid.UUID
	HasParent bool
}

// Descriptor is the full input to a build: every feature a repository
// will offer.
type Descriptor struct {
	Features []FeatureDescriptor
}
