package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Anteru/kyla/pkg/hashutil"
)

func TestLooseReaderReadsWholeObject(t *testing.T) {
	dir := t.TempDir()
	content := []byte("the quick brown fox")
	digest := hashutil.Sum(content)
	if err := os.WriteFile(filepath.Join(dir, digest.String()), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := NewLooseReader(dir)
	defer r.Close()

	got, err := r.ReadContent(context.Background(), digest, int64(len(content)))
	if err != nil {
		t.Fatalf("ReadContent: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestLooseReaderZeroSize(t *testing.T) {
	r := NewLooseReader(t.TempDir())
	got, err := r.ReadContent(context.Background(), hashutil.Digest{}, 0)
	if err != nil {
		t.Fatalf("ReadContent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected zero-length content")
	}
}

func TestLooseReaderDoesNotSupportPackedRange(t *testing.T) {
	r := NewLooseReader(t.TempDir())
	if _, err := r.ReadPackedRange(context.Background(), "main.kypkg", 0, 10); err == nil {
		t.Fatalf("expected NotImplemented from a loose reader")
	}
}

func TestPackedLocalReaderReadsRange(t *testing.T) {
	dir := t.TempDir()
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.kypkg"), payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := NewPackedLocalReader(dir)
	defer r.Close()

	got, err := r.ReadPackedRange(context.Background(), "main.kypkg", 64, 16)
	if err != nil {
		t.Fatalf("ReadPackedRange: %v", err)
	}
	if len(got) != 16 || got[0] != 64 {
		t.Fatalf("unexpected range contents: %v", got)
	}
}

func TestPackedLocalReaderShortReadIsCorruption(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tiny.kypkg"), []byte("abc"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r := NewPackedLocalReader(dir)
	defer r.Close()

	if _, err := r.ReadPackedRange(context.Background(), "tiny.kypkg", 0, 100); err == nil {
		t.Fatalf("expected an error reading past the end of the package file")
	}
}

func TestDeployedReaderReadsAtPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	content := []byte("deployed payload")
	if err := os.WriteFile(filepath.Join(dir, "bin", "tool.exe"), content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r := NewDeployedReader(dir)
	defer r.Close()

	got, err := r.ReadContentAtPath(context.Background(), filepath.Join("bin", "tool.exe"), int64(len(content)))
	if err != nil {
		t.Fatalf("ReadContentAtPath: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}
