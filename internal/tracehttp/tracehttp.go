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

package tracehttp

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"
)

// TraceTransport is an http.RoundTripper that writes the request and
// response to a trace file while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper

	mu sync.Mutex
	w  io.Writer
}

// RoundTrip writes a dump of the request and response while delegating the
// round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		t.write("request", dump)
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		dump, dumpErr = httputil.DumpResponse(resp, true)
		if dumpErr == nil {
			t.write("response", dump)
		}
	} else {
		t.write("error", []byte(err.Error()))
	}
	return resp, err
}

func (t *traceTransport) write(kind string, dump []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "--- %s %s\n%s\n", time.Now().Format(time.RFC3339Nano), kind, dump)
}

// Wrap returns a RoundTripper that traces to w.  A nil d means
// http.DefaultTransport.
func Wrap(d http.RoundTripper, w io.Writer) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, w: w}
}
