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

package maildir

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matta/cloudmdir/internal/mailbox"
	"github.com/matta/cloudmdir/internal/message"
	"github.com/matta/cloudmdir/internal/msgdb"
	"github.com/pkg/errors"
)

func TestBasenameEncode(t *testing.T) {
	cases := []struct {
		name basename
		want string
	}{
		{
			name: basename{"AAMkAD", 0},
			want: "cms-1-AAMkAD:2,",
		},
		{
			name: basename{"a/b+c=", message.Seen | message.Flagged},
			want: "cms-1-a=2Fb=2Bc=3D:2,FS",
		},
		{
			name: basename{"竹", message.Replied},
			want: "cms-1-=E7=AB=B9:2,R",
		},
	}
	for _, tc := range cases {
		if got := tc.name.encode(); got != tc.want {
			t.Errorf("%#v.encode() = %#v, want %#v", tc.name, got, tc.want)
		}
		got, ours := decode(tc.want)
		if !ours || got != tc.name {
			t.Errorf("decode(%#v) = %#v, %v, want %#v, true", tc.want, got, ours, tc.name)
		}
	}
}

func TestDecodeForeign(t *testing.T) {
	cases := []struct {
		in    string
		flags message.Flags
	}{
		{"1570000000.M1P2.host:2,S", message.Seen},
		{"1570000000.M1P2.host", 0},
		{"cms-1-:2,F", message.Flagged},
		{"cms-1-bad=zz:2,", 0},
		{"cms-1-a.b:2,", 0},
		{"cms-1-trunc=4:2,", 0},
	}
	for _, tc := range cases {
		got, ours := decode(tc.in)
		if ours {
			t.Errorf("decode(%#v) ours = true, want false", tc.in)
		}
		if got.flags != tc.flags {
			t.Errorf("decode(%#v).flags = %v, want %v", tc.in, got.flags, tc.flags)
		}
	}
}

type fixture struct {
	ctx context.Context
	db  *msgdb.DB
	mb  *Mailbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := msgdb.Open(ctx, filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("msgdb.Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mb := New("local", filepath.Join(t.TempDir(), "INBOX"), mailbox.NewSignal())
	if err := mb.Setup(ctx); err != nil {
		t.Fatalf("Setup() = %v", err)
	}
	t.Cleanup(func() { mb.Close() })
	return &fixture{ctx: ctx, db: db, mb: mb}
}

func (f *fixture) put(t *testing.T, body string) string {
	t.Helper()
	hash, err := f.db.Put(f.ctx, []byte(body))
	if err != nil {
		t.Fatalf("Put() = %v", err)
	}
	return hash
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	var names []string
	for _, sub := range []string{"cur", "new"} {
		entries, err := os.ReadDir(filepath.Join(f.mb.path, sub))
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			names = append(names, sub+"/"+e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// summary reduces a snapshot to key -> flags/hash strings.
func summary(s mailbox.Snapshot) map[mailbox.ChangeKey]string {
	out := map[mailbox.ChangeKey]string{}
	for k, r := range s {
		out[k] = r.Flags.String() + " " + r.Hash[:8]
	}
	return out
}

func TestForceContent(t *testing.T) {
	f := newFixture(t)
	h1 := f.put(t, "Subject: one\n\nbody one\n")
	h2 := f.put(t, "Subject: two\n\nbody two\n")

	target := mailbox.Snapshot{
		"k1": {Key: "k1", Hash: h1, Flags: message.Seen},
		"k2": {Key: "k2", Hash: h2},
	}
	if err := f.mb.ForceContent(f.ctx, f.db, target); err != nil {
		t.Fatalf("ForceContent() = %v", err)
	}
	want := []string{"cur/cms-1-k1:2,S", "cur/cms-1-k2:2,"}
	if diff := cmp.Diff(want, f.files(t)); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	if !f.mb.SameMessages(target) {
		t.Errorf("SameMessages(target) = false after ForceContent")
	}

	// A rescan sees exactly what was forced.
	if err := f.mb.UpdateMessageList(f.ctx, f.db); err != nil {
		t.Fatalf("UpdateMessageList() = %v", err)
	}
	if diff := cmp.Diff(summary(target), summary(f.mb.Messages())); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	// Forcing again changes nothing.
	if err := f.mb.ForceContent(f.ctx, f.db, target); err != nil {
		t.Fatalf("second ForceContent() = %v", err)
	}
	if diff := cmp.Diff(want, f.files(t)); diff != "" {
		t.Errorf("files after second force mismatch (-want +got):\n%s", diff)
	}

	// Flag change renames; a dropped key is removed.
	target = mailbox.Snapshot{
		"k1": {Key: "k1", Hash: h1, Flags: message.Seen | message.Flagged},
	}
	if err := f.mb.ForceContent(f.ctx, f.db, target); err != nil {
		t.Fatalf("third ForceContent() = %v", err)
	}
	want = []string{"cur/cms-1-k1:2,FS"}
	if diff := cmp.Diff(want, f.files(t)); diff != "" {
		t.Errorf("files after flag change mismatch (-want +got):\n%s", diff)
	}
}

func TestForceContentReplacesBody(t *testing.T) {
	f := newFixture(t)
	h1 := f.put(t, "Subject: v1\n\nold\n")
	h2 := f.put(t, "Subject: v2\n\nnew\n")

	if err := f.mb.ForceContent(f.ctx, f.db, mailbox.Snapshot{"k": {Key: "k", Hash: h1}}); err != nil {
		t.Fatalf("ForceContent() = %v", err)
	}
	if err := f.mb.ForceContent(f.ctx, f.db, mailbox.Snapshot{"k": {Key: "k", Hash: h2, Flags: message.Seen}}); err != nil {
		t.Fatalf("ForceContent() = %v", err)
	}
	if diff := cmp.Diff([]string{"cur/cms-1-k:2,S"}, f.files(t)); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	got, err := os.ReadFile(filepath.Join(f.mb.path, "cur", "cms-1-k:2,S"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "Subject: v2\n\nnew\n" {
		t.Errorf("body = %q, want the replacement", got)
	}
}

func TestLocalMessages(t *testing.T) {
	f := newFixture(t)
	body := []byte("Subject: drafted\n\nhi\n")
	if err := os.WriteFile(filepath.Join(f.mb.path, "new", "1570000000.M1P2.host"), body, 0600); err != nil {
		t.Fatal(err)
	}
	// Two files claiming one key: the second becomes a local message.
	h := f.put(t, "Subject: dup\n\n")
	for _, name := range []string{"cms-1-k:2,", "cms-1-k:2,S"} {
		if err := f.db.Link(h, filepath.Join(f.mb.path, "cur", name)); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.mb.UpdateMessageList(f.ctx, f.db); err != nil {
		t.Fatalf("UpdateMessageList() = %v", err)
	}
	hb := msgdb.HashBytes(body)
	dup := mailbox.ChangeKey(LocalKeyPrefix + h)
	foreign := mailbox.ChangeKey(LocalKeyPrefix + hb)
	want := map[mailbox.ChangeKey]string{
		"k":     "- " + h[:8],
		dup:     "S " + h[:8],
		foreign: "- " + hb[:8],
	}
	if diff := cmp.Diff(want, summary(f.mb.Messages())); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
	for _, r := range f.mb.Messages() {
		if r.Path == "" || r.Mailbox != f.mb {
			t.Errorf("record %q lacks Path or Mailbox: %+v", r.Key, r)
		}
	}

	// The hash cache is consulted on the next scan.
	if err := f.mb.UpdateMessageList(f.ctx, f.db); err != nil {
		t.Fatalf("second UpdateMessageList() = %v", err)
	}
	if diff := cmp.Diff(want, summary(f.mb.Messages())); diff != "" {
		t.Errorf("second snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestMailboxesIndependent(t *testing.T) {
	a := newFixture(t)
	b := &fixture{ctx: a.ctx, db: a.db, mb: New("other", filepath.Join(t.TempDir(), "Other"), mailbox.NewSignal())}
	if err := b.mb.Setup(b.ctx); err != nil {
		t.Fatal(err)
	}
	defer b.mb.Close()

	h := a.put(t, "Subject: x\n\n")
	if err := a.mb.ForceContent(a.ctx, a.db, mailbox.Snapshot{"k": {Key: "k", Hash: h}}); err != nil {
		t.Fatal(err)
	}
	if err := b.mb.ForceContent(b.ctx, b.db, mailbox.Snapshot{}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"cur/cms-1-k:2,"}, a.files(t)); diff != "" {
		t.Errorf("forcing another mailbox changed this one (-want +got):\n%s", diff)
	}
}

// forceListed forces target into a freshly listed mailbox.
func (f *fixture) forceListed(t *testing.T, target mailbox.Snapshot) {
	t.Helper()
	if err := f.mb.ForceContent(f.ctx, f.db, target); err != nil {
		t.Fatalf("ForceContent() = %v", err)
	}
	if err := f.mb.UpdateMessageList(f.ctx, f.db); err != nil {
		t.Fatalf("UpdateMessageList() = %v", err)
	}
}

func TestForceKeepsUnlistedFiles(t *testing.T) {
	f := newFixture(t)
	h1 := f.put(t, "Subject: one\n\n")
	h2 := f.put(t, "Subject: two\n\n")
	f.forceListed(t, mailbox.Snapshot{"k1": {Key: "k1", Hash: h1}})

	// Delivered after the listing the force works from.
	drafted := filepath.Join(f.mb.path, "new", "1570000000.M1P2.host")
	if err := os.WriteFile(drafted, []byte("Subject: drafted\n\n"), 0600); err != nil {
		t.Fatal(err)
	}

	target := mailbox.Snapshot{
		"k1": {Key: "k1", Hash: h1},
		"k2": {Key: "k2", Hash: h2},
	}
	if err := f.mb.ForceContent(f.ctx, f.db, target); err != nil {
		t.Fatalf("ForceContent() = %v", err)
	}
	want := []string{"cur/cms-1-k1:2,", "cur/cms-1-k2:2,", "new/1570000000.M1P2.host"}
	if diff := cmp.Diff(want, f.files(t)); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	if !f.mb.NeedUpdate() {
		t.Errorf("NeedUpdate() = false with an unlisted file present")
	}

	if err := f.mb.UpdateMessageList(f.ctx, f.db); err != nil {
		t.Fatal(err)
	}
	foreign := mailbox.ChangeKey(LocalKeyPrefix + msgdb.HashBytes([]byte("Subject: drafted\n\n")))
	if _, ok := f.mb.Messages()[foreign]; !ok {
		t.Errorf("next listing lacks the drafted message %q", foreign)
	}
}

func TestForceFailsOnRenamedFile(t *testing.T) {
	f := newFixture(t)
	h1 := f.put(t, "Subject: one\n\n")
	h2 := f.put(t, "Subject: two\n\n")
	f.forceListed(t, mailbox.Snapshot{"k1": {Key: "k1", Hash: h1}})

	// A reader marks the message seen after the listing.
	cur := filepath.Join(f.mb.path, "cur")
	if err := os.Rename(filepath.Join(cur, "cms-1-k1:2,"), filepath.Join(cur, "cms-1-k1:2,S")); err != nil {
		t.Fatal(err)
	}

	target := mailbox.Snapshot{
		"k1": {Key: "k1", Hash: h1, Flags: message.Flagged},
		"k2": {Key: "k2", Hash: h2},
	}
	err := f.mb.ForceContent(f.ctx, f.db, target)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("ForceContent() = %v, want a not-exist error", err)
	}
	if !f.mb.NeedUpdate() {
		t.Errorf("NeedUpdate() = false after a failed force")
	}
	if _, err := os.Stat(filepath.Join(cur, "cms-1-k1:2,S")); err != nil {
		t.Errorf("flag change was undone: %v", err)
	}

	// The retry lists the change, which the merge carries into
	// the target, and converges.
	if err := f.mb.UpdateMessageList(f.ctx, f.db); err != nil {
		t.Fatal(err)
	}
	if got := f.mb.Messages()["k1"]; got == nil || got.Flags != message.Seen {
		t.Fatalf("listed k1 = %+v, want it seen", got)
	}
	target["k1"] = &mailbox.Record{Key: "k1", Hash: h1, Flags: message.Seen | message.Flagged}
	if err := f.mb.ForceContent(f.ctx, f.db, target); err != nil {
		t.Fatalf("retried ForceContent() = %v", err)
	}
	want := []string{"cur/cms-1-k1:2,FS", "cur/cms-1-k2:2,"}
	if diff := cmp.Diff(want, f.files(t)); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}
