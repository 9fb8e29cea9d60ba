package sqlindex

import (
	"context"
	"database/sql"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/Anteru/kyla/pkg/kylaerr"
)

// backupOnline copies every page of src into dst using SQLite's online
// backup API, which is safe to run against a database that is
// concurrently being read (§4.5: "online backup"). Both src and dst
// must be single-connection *sql.DB handles (see DB.Open's
// SetMaxOpenConns(1)) so the raw driver connection pulled out below is
// stable for the duration of the copy.
func backupOnline(ctx context.Context, src, dst *sql.DB) error {
	srcConn, err := src.Conn(ctx)
	if err != nil {
		return kylaerr.Wrap(kylaerr.Io, "acquiring source connection for backup", err)
	}
	defer srcConn.Close()

	dstConn, err := dst.Conn(ctx)
	if err != nil {
		return kylaerr.Wrap(kylaerr.Io, "acquiring destination connection for backup", err)
	}
	defer dstConn.Close()

	var srcRaw, dstRaw *sqlite3.SQLiteConn
	if err := srcConn.Raw(func(c interface{}) error {
		raw, ok := c.(*sqlite3.SQLiteConn)
		if !ok {
			return kylaerr.StorageCorruptedf("source connection is not a sqlite3 connection")
		}
		srcRaw = raw
		return nil
	}); err != nil {
		return err
	}

	var backupErr error
	if err := dstConn.Raw(func(c interface{}) error {
		raw, ok := c.(*sqlite3.SQLiteConn)
		if !ok {
			return kylaerr.StorageCorruptedf("destination connection is not a sqlite3 connection")
		}
		dstRaw = raw

		backup, err := raw.Backup("main", srcRaw, "main")
		if err != nil {
			backupErr = kylaerr.Wrap(kylaerr.Io, "starting online backup", err)
			return nil
		}
		defer backup.Close()

		for {
			done, stepErr := backup.Step(-1)
			if stepErr != nil {
				backupErr = kylaerr.Wrap(kylaerr.Io, "stepping online backup", stepErr)
				return nil
			}
			if done {
				return nil
			}
		}
	}); err != nil {
		return err
	}
	_ = dstRaw
	return backupErr
}
