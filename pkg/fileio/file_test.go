package fileio

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestWriteReadSeekTell(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	pos, err := f.Tell()
	if err != nil {
		t.Fatalf("Tell: %v", err)
	}
	if pos != 11 {
		t.Fatalf("Tell() = %d, want 11", pos)
	}

	if _, err := f.Seek(0); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	buf := make([]byte, 5)
	n, err := f.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("Read got %q, want %q", buf[:n], "hello")
	}
}

func TestReadAtWriteAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	if err := f.SetSize(16); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	if _, err := f.WriteAt([]byte("abcd"), 8); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := f.ReadAt(buf, 8); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "abcd" {
		t.Fatalf("ReadAt got %q, want %q", buf, "abcd")
	}

	size, err := f.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 16 {
		t.Fatalf("Size() = %d, want 16", size)
	}
}

func TestSetSizeTruncatesAndExtends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	f.Write([]byte("0123456789"))
	if err := f.SetSize(4); err != nil {
		t.Fatalf("SetSize(4): %v", err)
	}
	size, _ := f.Size()
	if size != 4 {
		t.Fatalf("Size() = %d, want 4", size)
	}

	if err := f.SetSize(10); err != nil {
		t.Fatalf("SetSize(10): %v", err)
	}
	size, _ = f.Size()
	if size != 10 {
		t.Fatalf("Size() = %d, want 10", size)
	}
}

func TestMapReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	content := bytes.Repeat([]byte("x"), 4096)
	if _, err := f.Write(content); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := WithMapping(f, 0, int64(len(content)), false, func(b []byte) error {
		if !bytes.Equal(b, content) {
			t.Fatalf("mapped bytes mismatch")
		}
		return nil
	}); err != nil {
		t.Fatalf("WithMapping: %v", err)
	}
}

func TestMapWritableRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	if err := f.SetSize(4096); err != nil {
		t.Fatalf("SetSize: %v", err)
	}

	payload := bytes.Repeat([]byte("y"), 100)
	if err := WithMapping(f, 200, int64(len(payload)), true, func(b []byte) error {
		copy(b, payload)
		return nil
	}); err != nil {
		t.Fatalf("WithMapping write: %v", err)
	}

	got := make([]byte, len(payload))
	if _, err := f.ReadAt(got, 200); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("mapped write did not land on disk: got %q want %q", got, payload)
	}
}
