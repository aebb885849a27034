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

// Package msgdb implements the content addressed message store shared
// by every mailbox.  Bodies are stored once, named by the SHA-256 of
// their bytes, in a two level directory farm.  A SQLite index (see
// package persist) lists the stored bodies and caches which body each
// cloud message resolves to.
package msgdb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/matta/cloudmdir/internal/persist"
	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	pathFarm16 = "0123456789abcdef"
)

// DB is the message store.  It is safe for concurrent use.
type DB struct {
	root  string
	index *persist.DB
}

// Open opens (creating if needed) the message store rooted at dir.
func Open(ctx context.Context, dir string) (*DB, error) {
	if err := os.MkdirAll(dir, dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "creating message store directory %s", dir)
	}
	root := filepath.Join(dir, "msgs")
	if err := mkdirfarm(root, 2); err != nil {
		return nil, errors.Wrap(err, "creating message store farm")
	}
	if err := mkdir(filepath.Join(dir, "tmp")); err != nil {
		return nil, errors.Wrap(err, "creating message store tmp")
	}
	index, err := persist.Open(ctx, filepath.Join(dir, "msgdb.sqlite"))
	if err != nil {
		return nil, err
	}
	return &DB{root: dir, index: index}, nil
}

// Close releases the SQLite index.
func (db *DB) Close() error {
	return db.index.Close()
}

// Index exposes the persistent index for mailbox specific caches.
func (db *DB) Index() *persist.DB {
	return db.index
}

// HashBytes returns the content hash of body.
func HashBytes(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the content hash of the file at path.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errors.Wrapf(err, "hashing %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func validHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// Path returns the file name holding the body for hash.  The file may
// not exist.
func (db *DB) Path(hash string) string {
	return filepath.Join(db.root, "msgs", hash[0:1], hash[1:2], hash)
}

// Has reports whether the body for hash is present.
func (db *DB) Has(hash string) bool {
	if !validHash(hash) {
		return false
	}
	_, err := os.Stat(db.Path(hash))
	return err == nil
}

// Put stores body and returns its hash.  Storing an existing body is a
// no-op.  The write is atomic: a crash leaves either no file or the
// complete file.
func (db *DB) Put(ctx context.Context, body []byte) (string, error) {
	hash := HashBytes(body)
	if db.Has(hash) {
		return hash, nil
	}

	tmp, err := os.CreateTemp(filepath.Join(db.root, "tmp"), "put-")
	if err != nil {
		return "", errors.Wrap(err, "creating message store temporary file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "writing message body")
	}
	if err := tmp.Chmod(messageFileMode); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "chmod message body")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing message body")
	}
	if err := os.Rename(tmp.Name(), db.Path(hash)); err != nil {
		return "", errors.Wrap(err, "renaming message body into place")
	}
	if err := db.index.InsertBody(ctx, hash, int64(len(body))); err != nil {
		return "", err
	}
	return hash, nil
}

// Get returns the body for hash.
func (db *DB) Get(hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, errors.Errorf("invalid message hash %q", hash)
	}
	body, err := os.ReadFile(db.Path(hash))
	if err != nil {
		return nil, errors.Wrapf(err, "reading message %s", hash)
	}
	return body, nil
}

// Link materializes the body for hash at dst, as a hard link when the
// store and dst share a file system and as a copy otherwise.  dst must
// not exist.
func (db *DB) Link(hash, dst string) error {
	if !validHash(hash) {
		return errors.Errorf("invalid message hash %q", hash)
	}
	src := db.Path(hash)
	if err := os.Link(src, dst); err == nil {
		return nil
	} else if os.IsNotExist(err) {
		return errors.Wrapf(err, "message %s is not in the store", hash)
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening message %s", hash)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, messageFileMode)
	if err != nil {
		return errors.Wrapf(err, "creating %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return errors.Wrapf(err, "copying message %s to %s", hash, dst)
	}
	return out.Close()
}

// Cleanup removes every stored body whose hash is not in live.
func (db *DB) Cleanup(ctx context.Context, live map[string]struct{}) error {
	var dead []string
	err := db.index.ListBodies(ctx, func(hash string) error {
		if _, ok := live[hash]; !ok {
			dead = append(dead, hash)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(dead) == 0 {
		return nil
	}
	for _, hash := range dead {
		if !validHash(hash) {
			continue
		}
		if err := os.Remove(db.Path(hash)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing message %s", hash)
		}
	}
	slog.Debug("message store cleanup", "removed", len(dead), "live", len(live))
	return db.index.DeleteBodies(ctx, dead)
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func mkdirfarm(path string, depth int) error {
	if err := mkdir(path); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}

	for i := 0; i < len(pathFarm16); i++ {
		path := filepath.Join(path, pathFarm16[i:i+1])
		if err := mkdirfarm(path, depth-1); err != nil {
			return err
		}
	}
	return nil
}
