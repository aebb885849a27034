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
	"strings"

	"github.com/matta/cloudmdir/internal/mailbox"
	"github.com/matta/cloudmdir/internal/message"
)

const (
	// basenamePrefix distinguishes files written by this program,
	// followed by an encoding version.
	basenamePrefix = "cms-1-"

	// infoSeparator starts the maildir "info" suffix holding the
	// flags.
	infoSeparator = ":2,"
)

// basename holds the fields encoded into the file name of messages
// delivered to the maildir.
type basename struct {
	// The change key of the message, as assigned by the cloud
	// mailbox the message was routed from.
	key mailbox.ChangeKey

	flags message.Flags
}

// Return the specified string with characters that should not appear
// in a maildir filename escaped.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// unescape reverses escape.  It reports false for strings escape
// could not have produced.
func unescape(s string) (string, bool) {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '=' {
			if shouldEscape(c) {
				return "", false
			}
			sb.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", false
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", false
		}
		sb.WriteByte(hi<<4 | lo)
		i += 2
	}
	return sb.String(), true
}

// Return true if the specified character should be escaped when
// appearing in a maildir filename.
//
// The encoding uses '=' to designate the next two characters as a hex
// encoded byte.
//
// Based on the following IEEE specification, with the revision that
// the all punctuation is removed, leaving only alphanumeric
// characters.  See:
//
// The Open Group Base Specifications Issue 7, 2018 edition, IEEE Std
// 1003.1-2017 (Revision of IEEE Std 1003.1-2008).
// 3.282 Portable Filename Character Set
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' {
		return false
	}

	// Everything else must be escaped.
	return true
}

// stem returns the file name without the info suffix.
func (b basename) stem() string {
	var sb strings.Builder
	sb.Grow(len(basenamePrefix) + len(b.key))
	sb.WriteString(basenamePrefix)
	sb.WriteString(escape(string(b.key)))
	return sb.String()
}

// encode returns the complete file name for the cur/ directory.
func (b basename) encode() string {
	return b.stem() + infoSeparator + b.flags.Maildir()
}

// splitInfo splits a maildir file name into its stem and info suffix.
func splitInfo(name string) (stem, info string) {
	if i := strings.Index(name, infoSeparator); i >= 0 {
		return name[:i], name[i+len(infoSeparator):]
	}
	return name, ""
}

// decode parses a file name.  ours is false for files not written by
// this program, in which case only flags is meaningful.
func decode(name string) (b basename, ours bool) {
	stem, info := splitInfo(name)
	b.flags = message.ParseMaildir(info)
	if !strings.HasPrefix(stem, basenamePrefix) {
		return b, false
	}
	key, ok := unescape(stem[len(basenamePrefix):])
	if !ok || key == "" {
		return b, false
	}
	b.key = mailbox.ChangeKey(key)
	return b, true
}
