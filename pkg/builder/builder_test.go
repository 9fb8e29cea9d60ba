package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Anteru/kyla/pkg/blockcodec"
	"github.com/Anteru/kyla/pkg/catalog"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kyuuid"
	"github.com/Anteru/kyla/pkg/sqlindex"
)

func writeSourceFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func openCatalog(t *testing.T, path string) *catalog.Catalog {
	t.Helper()
	db, err := sqlindex.Open(path)
	if err != nil {
		t.Fatalf("Open %s: %v", path, err)
	}
	t.Cleanup(func() { db.Close() })
	return catalog.New(db)
}

func TestBuildLooseDedupsSharedContent(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	targetDir := t.TempDir()

	shared := writeSourceFile(t, srcDir, "shared.bin", []byte("shared payload"))
	unique := writeSourceFile(t, srcDir, "unique.bin", []byte("only one file has this"))

	featureId := kyuuid.New()
	desc := Descriptor{Features: []FeatureDescriptor{{
		Id:   featureId,
		Name: "main",
		Files: []FileDescriptor{
			{TargetPath: "a/shared.bin", SourcePath: shared, Mode: 0o644},
			{TargetPath: "b/shared.bin", SourcePath: shared, Mode: 0o644},
			{TargetPath: "unique.bin", SourcePath: unique, Mode: 0o644},
		},
	}}}

	cfg := DefaultConfig(LayoutLoose, targetDir)
	if err := Build(ctx, desc, cfg); err != nil {
		t.Fatalf("Build: %v", err)
	}

	sharedDigest := hashutil.Sum([]byte("shared payload"))
	objectPath := filepath.Join(targetDir, ".ky", "objects", sharedDigest.String())
	if _, err := os.Stat(objectPath); err != nil {
		t.Fatalf("expected loose object at %s: %v", objectPath, err)
	}

	cat := openCatalog(t, filepath.Join(targetDir, ".ky", "repository.db"))
	files, err := cat.ListFilesByFeature(ctx, nil, featureId)
	if err != nil {
		t.Fatalf("ListFilesByFeature: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3", len(files))
	}

	count, err := cat.ContentReferenceCount(ctx, nil, files[0].ContentId)
	if err != nil {
		t.Fatalf("ContentReferenceCount: %v", err)
	}
	// files[0] is one of the shared.bin entries in insertion order, so
	// its content should be referenced by exactly the two shared paths
	// unless it happens to be the unique file; check either shared path.
	if files[0].Path == "unique.bin" {
		if count != 1 {
			t.Fatalf("unique content reference count = %d, want 1", count)
		}
	} else if count != 2 {
		t.Fatalf("shared content reference count = %d, want 2", count)
	}
}

func TestBuildDeployedMaterializesFiles(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	targetDir := t.TempDir()

	payload := []byte("deployed contents")
	src := writeSourceFile(t, srcDir, "app.txt", payload)

	featureId := kyuuid.New()
	desc := Descriptor{Features: []FeatureDescriptor{{
		Id:   featureId,
		Name: "main",
		Files: []FileDescriptor{
			{TargetPath: "bin/app.txt", SourcePath: src, Mode: 0o644},
		},
	}}}

	cfg := DefaultConfig(LayoutDeployed, targetDir)
	if err := Build(ctx, desc, cfg); err != nil {
		t.Fatalf("Build: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(targetDir, "bin", "app.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}

	cat := openCatalog(t, filepath.Join(targetDir, "k.db"))
	files, err := cat.ListFilesByFeature(ctx, nil, featureId)
	if err != nil {
		t.Fatalf("ListFilesByFeature: %v", err)
	}
	if len(files) != 1 || files[0].Path != "bin/app.txt" {
		t.Fatalf("unexpected files: %+v", files)
	}
}

func TestBuildPackedWritesHeaderAndChunks(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	targetDir := t.TempDir()

	payload := make([]byte, 5*1024*1024) // larger than one 4 MiB chunk
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	src := writeSourceFile(t, srcDir, "big.bin", payload)

	featureId := kyuuid.New()
	desc := Descriptor{Features: []FeatureDescriptor{{
		Id:   featureId,
		Name: "main",
		Files: []FileDescriptor{
			{TargetPath: "big.bin", SourcePath: src, Mode: 0o644},
		},
	}}}

	cfg := DefaultConfig(LayoutPacked, targetDir)
	if err := Build(ctx, desc, cfg); err != nil {
		t.Fatalf("Build: %v", err)
	}

	pkgPath := filepath.Join(targetDir, "main.kypkg")
	header := make([]byte, packageHeaderSize)
	f, err := os.Open(pkgPath)
	if err != nil {
		t.Fatalf("Open package: %v", err)
	}
	defer f.Close()
	if _, err := f.Read(header); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	if string(header[:8]) != "KYLAPKG\x00" {
		t.Fatalf("unexpected magic %q", header[:8])
	}

	cat := openCatalog(t, filepath.Join(targetDir, "repository.db"))
	files, err := cat.ListFilesByFeature(ctx, nil, featureId)
	if err != nil {
		t.Fatalf("ListFilesByFeature: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}

	chunks, err := cat.ListChunksByContent(ctx, nil, files[0].ContentId)
	if err != nil {
		t.Fatalf("ListChunksByContent: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2 (5 MiB split into 4 MiB pieces)", len(chunks))
	}
	if chunks[0].SourceOffset != 0 || chunks[1].SourceOffset != DefaultPackedChunkSize {
		t.Fatalf("unexpected chunk source offsets: %d, %d", chunks[0].SourceOffset, chunks[1].SourceOffset)
	}
	for _, c := range chunks {
		if !c.HasHash || !c.HasCompression {
			t.Fatalf("chunk missing hash/compression side rows: %+v", c)
		}
		if c.Compression != blockcodec.Brotli {
			t.Fatalf("unexpected compression algorithm %q", c.Compression)
		}
	}
}

func TestBuildPackedZeroByteContentYieldsOneEmptyChunk(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	targetDir := t.TempDir()

	src := writeSourceFile(t, srcDir, "empty.bin", nil)

	featureId := kyuuid.New()
	desc := Descriptor{Features: []FeatureDescriptor{{
		Id:   featureId,
		Name: "main",
		Files: []FileDescriptor{
			{TargetPath: "empty.bin", SourcePath: src, Mode: 0o644},
		},
	}}}

	cfg := DefaultConfig(LayoutPacked, targetDir)
	if err := Build(ctx, desc, cfg); err != nil {
		t.Fatalf("Build: %v", err)
	}

	cat := openCatalog(t, filepath.Join(targetDir, "repository.db"))
	files, err := cat.ListFilesByFeature(ctx, nil, featureId)
	if err != nil {
		t.Fatalf("ListFilesByFeature: %v", err)
	}
	chunks, err := cat.ListChunksByContent(ctx, nil, files[0].ContentId)
	if err != nil {
		t.Fatalf("ListChunksByContent: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].StoredSize != 0 || chunks[0].UncompressedSize != 0 || chunks[0].HasHash || chunks[0].HasCompression || chunks[0].HasEncryption {
		t.Fatalf("zero-byte chunk has unexpected shape: %+v", chunks[0])
	}
}

func TestBuildPackedExplicitPackageAssignment(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	targetDir := t.TempDir()

	mainFile := writeSourceFile(t, srcDir, "main_only.bin", []byte("goes to main"))
	extraFile := writeSourceFile(t, srcDir, "extra_only.bin", []byte("goes to extra"))

	featureId := kyuuid.New()
	desc := Descriptor{Features: []FeatureDescriptor{{
		Id:   featureId,
		Name: "main",
		Files: []FileDescriptor{
			{TargetPath: "main_only.bin", SourcePath: mainFile, Mode: 0o644},
			{TargetPath: "extra_only.bin", SourcePath: extraFile, Mode: 0o644, Package: "extra"},
		},
	}}}

	cfg := DefaultConfig(LayoutPacked, targetDir)
	if err := Build(ctx, desc, cfg); err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := os.Stat(filepath.Join(targetDir, "main.kypkg")); err != nil {
		t.Fatalf("expected main.kypkg: %v", err)
	}
	if _, err := os.Stat(filepath.Join(targetDir, "extra.kypkg")); err != nil {
		t.Fatalf("expected extra.kypkg: %v", err)
	}
}

func TestBuildPackedEncryptsChunksWhenPassphraseSet(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	targetDir := t.TempDir()

	src := writeSourceFile(t, srcDir, "secret.bin", []byte("top secret payload"))

	featureId := kyuuid.New()
	desc := Descriptor{Features: []FeatureDescriptor{{
		Id:   featureId,
		Name: "main",
		Files: []FileDescriptor{
			{TargetPath: "secret.bin", SourcePath: src, Mode: 0o644},
		},
	}}}

	cfg := DefaultConfig(LayoutPacked, targetDir)
	cfg.Passphrase = "correct horse battery staple"
	if err := Build(ctx, desc, cfg); err != nil {
		t.Fatalf("Build: %v", err)
	}

	cat := openCatalog(t, filepath.Join(targetDir, "repository.db"))
	files, err := cat.ListFilesByFeature(ctx, nil, featureId)
	if err != nil {
		t.Fatalf("ListFilesByFeature: %v", err)
	}
	chunks, err := cat.ListChunksByContent(ctx, nil, files[0].ContentId)
	if err != nil {
		t.Fatalf("ListChunksByContent: %v", err)
	}
	if len(chunks) != 1 || !chunks[0].HasEncryption {
		t.Fatalf("expected one encrypted chunk, got %+v", chunks)
	}
	if len(chunks[0].Encryption) == 0 {
		t.Fatalf("encryption blob must not be empty")
	}
}
