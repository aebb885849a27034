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

package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matta/cloudmdir/internal/cloud"
	"github.com/matta/cloudmdir/internal/message"
	"github.com/matta/cloudmdir/internal/persist"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// fakeGmail serves the subset of the Gmail API the provider uses.
type fakeGmail struct {
	mu        sync.Mutex
	msgs      map[string]*gmail.Message
	history   uint64
	throttle  int
	next      int
	trashed   []string
	lastQuery string
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	const prefix = "/gmail/v1/users/me/"
	path := strings.TrimPrefix(r.URL.Path, prefix)
	parts := strings.Split(path, "/")
	reply := func(v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	switch {
	case path == "profile":
		if f.throttle > 0 {
			f.throttle--
			http.Error(w, `{"error":{"code":429,"message":"slow down"}}`, http.StatusTooManyRequests)
			return
		}
		reply(&gmail.Profile{EmailAddress: "me@example.com", HistoryId: f.history})
	case path == "messages" && r.Method == http.MethodGet:
		f.lastQuery = r.URL.Query().Get("q")
		want := r.URL.Query()["labelIds"]
		resp := &gmail.ListMessagesResponse{}
		var ids []string
		for id, m := range f.msgs {
			if hasAll(m.LabelIds, want) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		for _, id := range ids {
			resp.Messages = append(resp.Messages, &gmail.Message{Id: id})
		}
		reply(resp)
	case path == "messages" && r.Method == http.MethodPost:
		var m gmail.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.next++
		m.Id = fmt.Sprintf("new%d", f.next)
		f.msgs[m.Id] = &m
		reply(&m)
	case len(parts) >= 2 && parts[0] == "messages":
		m, ok := f.msgs[parts[1]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			reply(map[string]interface{}{"error": map[string]interface{}{
				"code": 404, "message": "Not Found",
				"errors": []map[string]string{{"reason": "notFound"}},
			}})
			return
		}
		switch {
		case len(parts) == 2:
			reply(m)
		case parts[2] == "modify":
			var req gmail.ModifyMessageRequest
			json.NewDecoder(r.Body).Decode(&req)
			labels := map[string]bool{}
			for _, l := range m.LabelIds {
				labels[l] = true
			}
			for _, l := range req.AddLabelIds {
				labels[l] = true
			}
			for _, l := range req.RemoveLabelIds {
				delete(labels, l)
			}
			m.LabelIds = nil
			for l := range labels {
				m.LabelIds = append(m.LabelIds, l)
			}
			sort.Strings(m.LabelIds)
			reply(m)
		case parts[2] == "trash":
			f.trashed = append(f.trashed, m.Id)
			delete(f.msgs, m.Id)
			reply(m)
		}
	default:
		http.NotFound(w, r)
	}
}

func hasAll(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			found = found || h == w
		}
		if !found {
			return false
		}
	}
	return true
}

func newTestLabel(t *testing.T, f *fakeGmail) *Label {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	ctx := context.Background()
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatal(err)
	}
	index, err := persist.Open(ctx, filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { index.Close() })
	a := &Account{Name: "home", limiter: rate.NewLimiter(rate.Inf, 1), service: svc}
	return NewLabel(a, "INBOX", "gmail", index)
}

func raw(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestList(t *testing.T) {
	f := &fakeGmail{
		history:  7,
		throttle: 1,
		msgs: map[string]*gmail.Message{
			"a": {Id: "a", LabelIds: []string{"INBOX"}},
			"b": {Id: "b", LabelIds: []string{"INBOX", "UNREAD"}},
			"c": {Id: "c", LabelIds: []string{"INBOX", "STARRED", "UNREAD"}},
			"d": {Id: "d", LabelIds: []string{"SENT"}},
		},
	}
	l := newTestLabel(t, f)
	ctx := context.Background()

	got, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	sort.Slice(got, func(i, j int) bool { return got[i].ID < got[j].ID })
	want := []cloud.Remote{
		{ID: "a", Flags: message.Seen},
		{ID: "b"},
		{ID: "c", Flags: message.Flagged},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
	if f.lastQuery != "-in:chats" {
		t.Errorf("list query = %q, want chats excluded", f.lastQuery)
	}

	changed, err := l.Changed(ctx)
	if err != nil || changed {
		t.Errorf("Changed() = %v, %v, want false, nil", changed, err)
	}
	f.mu.Lock()
	f.history = 9
	f.mu.Unlock()
	changed, err = l.Changed(ctx)
	if err != nil || !changed {
		t.Errorf("Changed() after history advanced = %v, %v, want true, nil", changed, err)
	}

	tx, err := l.index.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if h, err := tx.LatestHistoryID(ctx, "gmail"); err != nil || h != 7 {
		t.Errorf("LatestHistoryID() = %v, %v, want 7", h, err)
	}
}

func TestFetchAndModify(t *testing.T) {
	f := &fakeGmail{
		history: 1,
		msgs: map[string]*gmail.Message{
			"a":    {Id: "a", LabelIds: []string{"INBOX", "UNREAD"}, Raw: raw("Subject: a\r\n\r\nhi\r\n")},
			"chat": {Id: "chat", LabelIds: []string{"CHAT"}, Raw: raw("x")},
		},
	}
	l := newTestLabel(t, f)
	ctx := context.Background()

	body, err := l.Fetch(ctx, "a")
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if string(body) != "Subject: a\r\n\r\nhi\r\n" {
		t.Errorf("Fetch() = %q", body)
	}
	if _, err := l.Fetch(ctx, "missing"); !errors.Is(err, cloud.ErrMessageNotFound) {
		t.Errorf("Fetch(missing) = %v, want ErrMessageNotFound", err)
	}
	if _, err := l.Fetch(ctx, "chat"); !errors.Is(err, cloud.ErrMessageNotFound) {
		t.Errorf("Fetch(chat) = %v, want ErrMessageNotFound", err)
	}

	if err := l.SetFlags(ctx, "a", message.Seen|message.Flagged); err != nil {
		t.Fatalf("SetFlags() = %v", err)
	}
	if diff := cmp.Diff([]string{"INBOX", "STARRED"}, f.msgs["a"].LabelIds); diff != "" {
		t.Errorf("labels after SetFlags mismatch (-want +got):\n%s", diff)
	}

	id, err := l.Upload(ctx, []byte("Subject: up\r\n\r\n"), message.Flagged)
	if err != nil {
		t.Fatalf("Upload() = %v", err)
	}
	up := f.msgs[id]
	if diff := cmp.Diff([]string{"INBOX", "UNREAD", "STARRED"}, up.LabelIds); diff != "" {
		t.Errorf("uploaded labels mismatch (-want +got):\n%s", diff)
	}
	if up.Raw != raw("Subject: up\r\n\r\n") {
		t.Errorf("uploaded raw = %q", up.Raw)
	}

	if err := l.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if diff := cmp.Diff([]string{"a"}, f.trashed); diff != "" {
		t.Errorf("trashed mismatch (-want +got):\n%s", diff)
	}
}

func TestLabelChanges(t *testing.T) {
	cases := []struct {
		flags       message.Flags
		add, remove []string
	}{
		{0, []string{"UNREAD"}, []string{"STARRED"}},
		{message.Seen, nil, []string{"UNREAD", "STARRED"}},
		{message.Seen | message.Flagged | message.Replied, []string{"STARRED"}, []string{"UNREAD"}},
	}
	for _, tc := range cases {
		add, remove := labelChanges(tc.flags)
		if diff := cmp.Diff(tc.add, add); diff != "" {
			t.Errorf("labelChanges(%v) add mismatch (-want +got):\n%s", tc.flags, diff)
		}
		if diff := cmp.Diff(tc.remove, remove); diff != "" {
			t.Errorf("labelChanges(%v) remove mismatch (-want +got):\n%s", tc.flags, diff)
		}
	}
}
