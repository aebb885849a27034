package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"bufio"
	"bytes"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
)

// Flags is the set of per-message state bits that are synchronized
// between the cloud and local replicas.
type Flags uint8

const (
	// The message has been read.
	Seen Flags = 1 << iota

	// The message is flagged (starred) for follow up.
	Flagged

	// The message has been replied to.
	Replied
)

// maildirFlags lists the maildir info characters in ASCII order, which
// is the order the maildir specification requires them to be written.
var maildirFlags = []struct {
	c    byte
	flag Flags
}{
	{'F', Flagged},
	{'R', Replied},
	{'S', Seen},
}

// Maildir returns the flags encoded as the characters following ":2,"
// in a maildir file name.
func (f Flags) Maildir() string {
	var sb strings.Builder
	for _, mf := range maildirFlags {
		if f&mf.flag != 0 {
			sb.WriteByte(mf.c)
		}
	}
	return sb.String()
}

// ParseMaildir decodes the characters following ":2," in a maildir
// file name.  Unknown characters (e.g. T for trashed, D for draft)
// are ignored.
func ParseMaildir(info string) Flags {
	var f Flags
	for i := 0; i < len(info); i++ {
		for _, mf := range maildirFlags {
			if info[i] == mf.c {
				f |= mf.flag
			}
		}
	}
	return f
}

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	return f.Maildir()
}

// Header defines the metadata of a message that is useful for logging
// and for identifying locally created messages.
type Header struct {
	// The RFC 5322 Message-Id, without angle brackets.  May be
	// empty.
	MessageID string

	Subject string

	// The Date header, or the zero time if absent or malformed.
	Date time.Time
}

// ParseHeader reads the RFC 5322 header block from raw.  Only the
// header is parsed; the body is never decoded.
func ParseHeader(raw []byte) (*Header, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, errors.Wrap(err, "reading message header")
	}
	h := mail.Header{Header: gomessage.Header{Header: th}}

	out := &Header{}
	if id, err := h.MessageID(); err == nil {
		out.MessageID = id
	}
	if s, err := h.Subject(); err == nil {
		out.Subject = s
	}
	if d, err := h.Date(); err == nil {
		out.Date = d
	}
	return out, nil
}

// ToUnix replaces all \r\n with \n.  Cloud APIs deliver messages in
// the RFC 822 mandated form but maildir readers expect local line
// endings.
func ToUnix(raw []byte) []byte {
	if !bytes.Contains(raw, []byte("\r\n")) {
		return raw
	}
	return bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
}

// ToCRLF converts bare \n line endings to \r\n, as required when
// uploading a MIME message.
func ToCRLF(raw []byte) []byte {
	unix := ToUnix(raw)
	return bytes.ReplaceAll(unix, []byte("\n"), []byte("\r\n"))
}
