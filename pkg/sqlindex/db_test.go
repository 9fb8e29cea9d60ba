package sqlindex

import (
	"context"
	"path/filepath"
	"testing"
)

func TestCreateSchemaAndInsert(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "k.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.EnableWAL(ctx); err != nil {
		t.Fatalf("EnableWAL: %v", err)
	}
	if err := db.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}

	tx, err := db.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	defer db.Rollback(ctx, tx)

	featureID := []byte("0123456789abcdef")
	if _, err := db.Exec(ctx, tx, `INSERT INTO features (Id, Name) VALUES (?, ?)`, featureID, "main"); err != nil {
		t.Fatalf("insert feature: %v", err)
	}
	if err := db.Commit(ctx, tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rows, err := db.Query(ctx, nil, `SELECT Name FROM features WHERE Id = ?`, featureID)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		t.Fatalf("expected one row")
	}
	var name string
	if err := rows.Scan(&name); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if name != "main" {
		t.Fatalf("Name = %q, want %q", name, "main")
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "k.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if err := db.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}

	tx, err := db.BeginImmediate(ctx)
	if err != nil {
		t.Fatalf("BeginImmediate: %v", err)
	}
	if _, err := db.Exec(ctx, tx, `INSERT INTO features (Id, Name) VALUES (?, ?)`, []byte("aaaaaaaaaaaaaaaa"), "abandoned"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Rollback(ctx, tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	rows, err := db.Query(ctx, nil, `SELECT COUNT(*) FROM features`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer rows.Close()
	rows.Next()
	var count int
	rows.Scan(&count)
	if count != 0 {
		t.Fatalf("count = %d, want 0 after rollback", count)
	}
}

func TestAttachInMemoryBackup(t *testing.T) {
	ctx := context.Background()

	srcPath := filepath.Join(t.TempDir(), "source.db")
	src, err := Open(srcPath)
	if err != nil {
		t.Fatalf("Open source: %v", err)
	}
	defer src.Close()
	if err := src.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	if _, err := src.sql.ExecContext(ctx, `INSERT INTO features (Id, Name) VALUES (?, ?)`, []byte("ffffffffffffffff"), "source-feature"); err != nil {
		t.Fatalf("seed source: %v", err)
	}

	dstPath := filepath.Join(t.TempDir(), "target.db")
	dst, err := Open(dstPath)
	if err != nil {
		t.Fatalf("Open target: %v", err)
	}
	defer dst.Close()
	if err := dst.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}

	release, err := dst.AttachInMemoryBackup(ctx, src, "source")
	if err != nil {
		t.Fatalf("AttachInMemoryBackup: %v", err)
	}
	defer release()

	rows, err := dst.Query(ctx, nil, `SELECT Name FROM source.features WHERE Id = ?`, []byte("ffffffffffffffff"))
	if err != nil {
		t.Fatalf("query attached copy: %v", err)
	}
	defer rows.Close()
	if !rows.Next() {
		t.Fatalf("expected the backed-up row to be visible through the attach")
	}
	var name string
	rows.Scan(&name)
	if name != "source-feature" {
		t.Fatalf("Name = %q, want %q", name, "source-feature")
	}
}
