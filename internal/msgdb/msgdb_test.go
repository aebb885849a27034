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

package msgdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func isDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return fmt.Errorf("path is not a directory: %#v", stat)
	}
	return nil
}

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMkDirFarm(t *testing.T) {
	farm := filepath.Join(t.TempDir(), "farm")
	if err := mkdirfarm(farm, 2); err != nil {
		t.Errorf("mkdirfarm(%#v) = %#v, want nil", farm, err)
	}

	if err := isDir(farm); err != nil {
		t.Errorf("isDir(%#v) = %v, want nil", farm, err)
	}

	// Test a smattering of the directories that should be there.
	for _, sub := range []string{"0/0", "f/f", "a/3"} {
		path := filepath.Join(farm, sub)
		if err := isDir(path); err != nil {
			t.Errorf("isDir(%#v) = %v, want nil", path, err)
		}
	}
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	body := []byte("Subject: x\n\nhello\n")
	hash, err := db.Put(ctx, body)
	if err != nil {
		t.Fatalf("Put() = %v", err)
	}
	if hash != HashBytes(body) {
		t.Errorf("Put() = %q, want %q", hash, HashBytes(body))
	}
	again, err := db.Put(ctx, body)
	if err != nil || again != hash {
		t.Errorf("second Put() = %q, %v, want %q, nil", again, err, hash)
	}
	got, err := db.Get(hash)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if string(got) != string(body) {
		t.Errorf("Get() = %q, want %q", got, body)
	}
	if db.Has("nothex") {
		t.Errorf("Has(%q) = true, want false", "nothex")
	}
}

func TestLink(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	hash, err := db.Put(ctx, []byte("body"))
	if err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "linked")
	if err := db.Link(hash, dst); err != nil {
		t.Fatalf("Link() = %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "body" {
		t.Errorf("linked content = %q, %v, want %q", got, err, "body")
	}
	if err := db.Link(HashBytes([]byte("absent")), filepath.Join(t.TempDir(), "x")); err == nil {
		t.Errorf("Link() of absent body = nil, want error")
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	keep, _ := db.Put(ctx, []byte("keep"))
	drop, _ := db.Put(ctx, []byte("drop"))

	if err := db.Cleanup(ctx, map[string]struct{}{keep: {}}); err != nil {
		t.Fatalf("Cleanup() = %v", err)
	}
	if !db.Has(keep) {
		t.Errorf("Has(keep) = false after Cleanup, want true")
	}
	if db.Has(drop) {
		t.Errorf("Has(drop) = true after Cleanup, want false")
	}

	// A dropped body can be stored again.
	if _, err := db.Put(ctx, []byte("drop")); err != nil {
		t.Fatal(err)
	}
	if !db.Has(drop) {
		t.Errorf("Has(drop) = false after re-Put, want true")
	}
}

