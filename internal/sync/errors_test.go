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

package sync

import (
	"context"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/matta/cloudmdir/internal/mailbox"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

func TestIsTransient(t *testing.T) {
	refused := &url.Error{Op: "Get", URL: "https://graph.microsoft.com", Err: syscall.ECONNREFUSED}
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid configuration"), false},
		{"canceled", errors.Wrap(context.Canceled, "listing"), false},
		{"timeout", errors.Wrap(context.DeadlineExceeded, "listing"), true},
		{"retryable", errors.Wrap(mailbox.Retryable(errors.New("x")), "y"), true},
		{"connection refused", errors.Wrap(refused, "listing"), true},
		{"missing file", &fs.PathError{Op: "open", Path: "/m/cur/x", Err: fs.ErrNotExist}, true},
		{"rename", &os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.EIO}, true},
		{"throttled", &googleapi.Error{Code: http.StatusTooManyRequests}, true},
		{"server error", errors.Wrap(&googleapi.Error{Code: http.StatusBadGateway}, "fetch"), true},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, false},
		{"token server down", &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}}, true},
		{"grant revoked", &url.Error{Op: "Post", URL: "https://oauth2", Err: &oauth2.RetrieveError{
			Response: &http.Response{StatusCode: http.StatusBadRequest}, ErrorCode: "invalid_grant"}}, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient(%v) = %v, want %v", tc.name, tc.err, got, tc.want)
		}
	}
}
