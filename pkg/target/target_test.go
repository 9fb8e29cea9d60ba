package target

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Anteru/kyla/pkg/hashutil"
)

func TestWriteWholeCreatesParentDirs(t *testing.T) {
	tg := New(t.TempDir())
	ctx := context.Background()

	if err := tg.WriteWhole(ctx, filepath.Join("bin", "tool.exe"), []byte("payload"), 0o755); err != nil {
		t.Fatalf("WriteWhole: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(tg.RootDir, "bin", "tool.exe"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}
}

func TestStageChunkThenFinalizeToMultiplePaths(t *testing.T) {
	tg := New(t.TempDir())
	ctx := context.Background()

	content := []byte("0123456789ABCDEF")
	hash := hashutil.Sum(content)

	if err := tg.StageChunk(ctx, hash, int64(len(content)), 0, content[:8]); err != nil {
		t.Fatalf("StageChunk(0): %v", err)
	}
	if err := tg.StageChunk(ctx, hash, int64(len(content)), 8, content[8:]); err != nil {
		t.Fatalf("StageChunk(8): %v", err)
	}

	paths := []string{filepath.Join("a", "one.bin"), filepath.Join("b", "two.bin")}
	if err := tg.FinalizeStaged(ctx, hash, paths, 0o644); err != nil {
		t.Fatalf("FinalizeStaged: %v", err)
	}

	for _, p := range paths {
		got, err := os.ReadFile(filepath.Join(tg.RootDir, p))
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", p, err)
		}
		if string(got) != string(content) {
			t.Fatalf("ReadFile(%s) = %q, want %q", p, got, content)
		}
	}

	if _, err := os.Stat(tg.stagingPath(hash)); !os.IsNotExist(err) {
		t.Fatalf("expected staging file to be removed after finalize")
	}
}

func TestFinalizeCopiesAreIndependent(t *testing.T) {
	tg := New(t.TempDir())
	ctx := context.Background()

	content := []byte("shared content")
	hash := hashutil.Sum(content)
	if err := tg.StageChunk(ctx, hash, int64(len(content)), 0, content); err != nil {
		t.Fatalf("StageChunk: %v", err)
	}

	paths := []string{"one.bin", "two.bin"}
	if err := tg.FinalizeStaged(ctx, hash, paths, 0o644); err != nil {
		t.Fatalf("FinalizeStaged: %v", err)
	}

	if err := os.WriteFile(filepath.Join(tg.RootDir, "one.bin"), []byte("mutated"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(tg.RootDir, "two.bin"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("two.bin was affected by mutating one.bin: got %q", got)
	}
}

func TestCleanStagingRemovesOrphans(t *testing.T) {
	tg := New(t.TempDir())
	ctx := context.Background()

	if err := os.MkdirAll(tg.StagingDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	orphan := filepath.Join(tg.StagingDir, "deadbeef.kytmp")
	if err := os.WriteFile(orphan, []byte("leftover"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := tg.CleanStaging(ctx); err != nil {
		t.Fatalf("CleanStaging: %v", err)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatalf("expected orphaned staging file to be removed")
	}
}

func TestCleanStagingOnMissingDirIsNoop(t *testing.T) {
	tg := New(t.TempDir())
	if err := tg.CleanStaging(context.Background()); err != nil {
		t.Fatalf("CleanStaging on missing dir: %v", err)
	}
}

func TestRemovePathIsIdempotent(t *testing.T) {
	tg := New(t.TempDir())
	ctx := context.Background()
	if err := tg.RemovePath(ctx, "nonexistent.bin"); err != nil {
		t.Fatalf("RemovePath on missing file should be a no-op: %v", err)
	}
}
