package validate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Anteru/kyla/pkg/catalog"
	"github.com/Anteru/kyla/pkg/hashutil"
	"github.com/Anteru/kyla/pkg/kyuuid"
	"github.com/Anteru/kyla/pkg/sqlindex"
)

func setup(t *testing.T) (string, *catalog.Catalog) {
	t.Helper()
	root := t.TempDir()
	db, err := sqlindex.Open(filepath.Join(t.TempDir(), "k.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.CreateSchema(context.Background()); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	cat := catalog.New(db)

	feature := catalog.Feature{Id: kyuuid.New(), Name: "main"}
	cat.InsertFeature(context.Background(), nil, feature)
	return root, cat
}

func addFile(t *testing.T, root string, cat *catalog.Catalog, path string, data []byte) {
	t.Helper()
	full := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	digest := hashutil.Sum(data)
	contentId, err := cat.GetOrCreateContent(ctx, nil, digest, int64(len(data)))
	if err != nil {
		t.Fatalf("GetOrCreateContent: %v", err)
	}
	features, err := cat.ListFeatures(ctx, nil)
	if err != nil || len(features) == 0 {
		t.Fatalf("ListFeatures: %v", err)
	}
	if _, err := cat.InsertFile(ctx, nil, catalog.FileEntry{FeatureId: features[0].Id, ContentId: contentId, Path: path}); err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
}

func TestValidateAllOk(t *testing.T) {
	root, cat := setup(t)
	addFile(t, root, cat, "a.bin", []byte("hello"))
	addFile(t, root, cat, "empty.bin", nil)

	v := New(root, cat)
	var results []Result
	if err := v.Run(context.Background(), func(r Result) { results = append(results, r) }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, r := range results {
		if r.Status != Ok {
			t.Fatalf("file %s reported %s, want Ok: %v", r.Path, r.Status, r.Err)
		}
	}
}

func TestValidateReportsMissing(t *testing.T) {
	root, cat := setup(t)
	addFile(t, root, cat, "a.bin", []byte("hello"))
	os.Remove(filepath.Join(root, "a.bin"))

	v := New(root, cat)
	var results []Result
	v.Run(context.Background(), func(r Result) { results = append(results, r) })

	if len(results) != 1 || results[0].Status != Missing {
		t.Fatalf("expected a single Missing result, got %+v", results)
	}
}

func TestValidateReportsCorruption(t *testing.T) {
	root, cat := setup(t)
	addFile(t, root, cat, "a.bin", []byte("hello"))
	if err := os.WriteFile(filepath.Join(root, "a.bin"), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	v := New(root, cat)
	var results []Result
	v.Run(context.Background(), func(r Result) { results = append(results, r) })

	if len(results) != 1 || results[0].Status != Corrupted {
		t.Fatalf("expected a single Corrupted result, got %+v", results)
	}
}

func TestValidateOrdersBySizeAscending(t *testing.T) {
	root, cat := setup(t)
	addFile(t, root, cat, "big.bin", make([]byte, 1000))
	addFile(t, root, cat, "small.bin", []byte("x"))

	v := New(root, cat)
	var order []string
	v.Run(context.Background(), func(r Result) { order = append(order, r.Path) })

	if len(order) != 2 || order[0] != "small.bin" || order[1] != "big.bin" {
		t.Fatalf("unexpected order: %v", order)
	}
}
