// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

var (
	createTableSql = []string{
		// The bodies table indexes every message body held in the
		// content addressed message store.
		//
		// Field: content_hash
		//
		//   Lower case hex SHA-256 of the stored bytes.  Also the
		//   file name of the body within the store.
		//
		// Field: size
		//
		//   Size of the body in bytes.
		//
		// Field: added
		//
		//   Unix time the body was first stored.  Never updated.
		`
CREATE TABLE IF NOT EXISTS bodies (
content_hash TEXT NOT NULL PRIMARY KEY,
size INTEGER NOT NULL,
added INTEGER NOT NULL
);`,
		// The cloud_contents table remembers which body a cloud
		// message resolves to, so that a listing never downloads a
		// message it has seen before.
		//
		// Field: mailbox
		//
		//   The configured name of the cloud mailbox.
		//
		// Field: cloud_id
		//
		//   The provider's identifier for the message: the Graph
		//   message "id" or the GMail Users.messages "id".  Message
		//   content is immutable under a given id in both APIs.
		//
		// Field: content_hash
		//
		//   As in bodies.content_hash.
		`
CREATE TABLE IF NOT EXISTS cloud_contents (
mailbox TEXT NOT NULL,
cloud_id TEXT NOT NULL,
content_hash TEXT NOT NULL,
PRIMARY KEY (mailbox, cloud_id)
);`,
		// The local_files table caches the hash of maildir files so
		// that a directory scan only reads files that changed.
		//
		// Field: path
		//
		//   Absolute path of the file, without the maildir info
		//   suffix, since flag changes rename the file without
		//   touching its content.
		//
		// Fields: size, mtime
		//
		//   The stat(2) values observed when the hash was computed.
		//   A mismatch invalidates the row.
		`
CREATE TABLE IF NOT EXISTS local_files (
path TEXT NOT NULL PRIMARY KEY,
size INTEGER NOT NULL,
mtime INTEGER NOT NULL,
content_hash TEXT NOT NULL
);`,
		// The gmail_history_id table holds the GMail history ID
		// observed at each successful listing of a mailbox.
		//
		// Notes:
		//
		// The highest ID is the latest history ID for which the
		// mailbox listing is known to be complete.  A poll that
		// observes the same history ID can skip relisting.
		`
CREATE TABLE IF NOT EXISTS gmail_history_id (
mailbox TEXT NOT NULL,
history_id INTEGER NOT NULL,
PRIMARY KEY (mailbox, history_id)
);`,
	}
)

type DB struct {
	db *sql.DB
}

type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially in slower
	// debug builds; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_journal_mode": {"WAL"}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	slog.Debug("opening database", "dsn", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

// InsertBody records that the body with the given hash is present in
// the message store.  Inserting an existing hash is a no-op.
func (db *DB) InsertBody(ctx context.Context, hash string, size int64) error {
	const q = `INSERT OR IGNORE INTO bodies (content_hash, size, added) values ($1, $2, $3)`
	if _, err := db.db.ExecContext(ctx, q, hash, size, time.Now().Unix()); err != nil {
		return errors.Wrapf(err, "db insert failed for body %s", hash)
	}
	return nil
}

// ListBodies calls handler with the hash of every indexed body.
func (db *DB) ListBodies(ctx context.Context, handler func(hash string) error) error {
	const q = `SELECT content_hash FROM bodies`
	rows, err := db.db.QueryContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "db query failed in ListBodies")
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return errors.Wrap(err, "db scan failed in ListBodies")
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "db iteration failed in ListBodies")
	}
	// The handler may write to the database, so it runs only
	// after the result set is closed.
	rows.Close()
	for _, hash := range hashes {
		if err := handler(hash); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBodies removes the given hashes from the body index along with
// any cached references to them, in one transaction.
func (db *DB) DeleteBodies(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del, err := tx.tx.PrepareContext(ctx, `DELETE FROM bodies WHERE content_hash = $1`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for body delete")
	}
	defer del.Close()
	unref, err := tx.tx.PrepareContext(ctx, `DELETE FROM cloud_contents WHERE content_hash = $1`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for cloud_contents delete")
	}
	defer unref.Close()

	for _, hash := range hashes {
		if _, err := del.ExecContext(ctx, hash); err != nil {
			return errors.Wrap(err, "db body delete failed")
		}
		if _, err := unref.ExecContext(ctx, hash); err != nil {
			return errors.Wrap(err, "db cloud_contents delete failed")
		}
	}
	return tx.Commit()
}

// CloudContent returns the body hash previously recorded for a cloud
// message, or "" if none is known.
func (db *DB) CloudContent(ctx context.Context, mailbox, cloudID string) (string, error) {
	const q = `SELECT content_hash FROM cloud_contents WHERE mailbox = $1 AND cloud_id = $2`
	var hash string
	if err := db.db.QueryRowContext(ctx, q, mailbox, cloudID).Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", nil // a non-error
		}
		return "", errors.Wrap(err, "db query failed in CloudContent")
	}
	return hash, nil
}

// SetCloudContent records the body hash of a cloud message.
func (db *DB) SetCloudContent(ctx context.Context, mailbox, cloudID, hash string) error {
	const q = `INSERT OR REPLACE INTO cloud_contents (mailbox, cloud_id, content_hash) values ($1, $2, $3)`
	if _, err := db.db.ExecContext(ctx, q, mailbox, cloudID, hash); err != nil {
		return errors.Wrap(err, "db upsert failed in SetCloudContent")
	}
	return nil
}

// LocalFile is a cached hash for a maildir file.
type LocalFile struct {
	Path  string
	Size  int64
	MTime int64
	Hash  string
}

// LocalFileHash returns the cached hash for path if the cached stat
// values still match size and mtime, or "" otherwise.
func (db *DB) LocalFileHash(ctx context.Context, path string, size, mtime int64) (string, error) {
	const q = `SELECT content_hash FROM local_files WHERE path = $1 AND size = $2 AND mtime = $3`
	var hash string
	if err := db.db.QueryRowContext(ctx, q, path, size, mtime).Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", errors.Wrap(err, "db query failed in LocalFileHash")
	}
	return hash, nil
}

func (db *DB) SetLocalFile(ctx context.Context, f LocalFile) error {
	const q = `INSERT OR REPLACE INTO local_files (path, size, mtime, content_hash) values ($1, $2, $3, $4)`
	if _, err := db.db.ExecContext(ctx, q, f.Path, f.Size, f.MTime, f.Hash); err != nil {
		return errors.Wrap(err, "db upsert failed in SetLocalFile")
	}
	return nil
}

func (db *DB) DeleteLocalFile(ctx context.Context, path string) error {
	if _, err := db.db.ExecContext(ctx, `DELETE FROM local_files WHERE path = $1`, path); err != nil {
		return errors.Wrap(err, "db delete failed in DeleteLocalFile")
	}
	return nil
}

func orderedToSigned(u uint64) int64 {
	return int64(u - -math.MinInt64) // Imagine 0..255 -> -128..127
}

func orderedToUnsigned(s int64) uint64 {
	return uint64(s) + -math.MinInt64 // Imagine -128..127 -> 0..255
}

func (tx *Tx) LatestHistoryID(ctx context.Context, mailbox string) (uint64, error) {
	const q = `SELECT history_id FROM gmail_history_id WHERE mailbox = $1 ORDER BY history_id DESC LIMIT 1`
	row := tx.tx.QueryRowContext(ctx, q, mailbox)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			err = nil // a non-error
		}
		return 0, err
	}
	return orderedToUnsigned(id), nil
}

// WriteHistoryID records a history ID for mailbox.  Writing the current
// latest ID again is a no-op.  A history ID lower than the latest means
// the server reset its history; all older rows are discarded.
func (tx *Tx) WriteHistoryID(ctx context.Context, mailbox string, historyID uint64) error {
	latest, err := tx.LatestHistoryID(ctx, mailbox)
	if err != nil {
		return err
	}
	if historyID == latest {
		return nil
	}
	if historyID < latest {
		slog.Warn("gmail history id decreased, resetting", "mailbox", mailbox,
			"latest", latest, "new", historyID)
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM gmail_history_id WHERE mailbox = $1`, mailbox); err != nil {
			return errors.Wrap(err, "db history reset failed")
		}
	}

	sql := `INSERT INTO gmail_history_id (mailbox, history_id) values ($1, $2)`
	_, err = tx.tx.ExecContext(ctx, sql, mailbox, orderedToSigned(historyID))
	if err != nil {
		return errors.Wrap(err, "db insert failed")
	}
	return nil
}
