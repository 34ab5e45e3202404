package sink

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"regexp"
	"strings"
	"time"
)

// internalDateLayout matches IMAP's INTERNALDATE format, locale-insensitive
// since Go's reference layout spells out the month abbreviation literally.
const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

// mboxDateLayout is the "From " separator's date format: two spaces before
// the date, no zone offset, matching traditional mbox output.
const mboxDateLayout = "Mon Jan _2 15:04:05 2006"

var fromEscapeRE = regexp.MustCompile(`^(>*From )`)

// Mbox appends each delivered message to a single flat file.
type Mbox struct {
	f   *os.File
	w   *bufio.Writer
	log *slog.Logger
}

// OpenMbox opens (creating if needed) the mbox file at path for appending.
func OpenMbox(path string, log *slog.Logger) (*Mbox, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open mbox %s: %w", path, err)
	}
	return &Mbox{f: f, w: bufio.NewWriter(f), log: log}, nil
}

// Deliver writes m's "From " separator line, its escaped body, and a
// trailing blank line, all with CRLF line endings.
func (m *Mbox) Deliver(msg Message) error {
	when := m.parseInternalDate(msg.InternalDate)
	sender := senderFromBody(msg.Body)

	if _, err := fmt.Fprintf(m.w, "From %s  %s\r\n", sender, when.Format(mboxDateLayout)); err != nil {
		return fmt.Errorf("sink: write mbox separator: %w", err)
	}
	if err := writeEscapedBody(m.w, msg.Body); err != nil {
		return fmt.Errorf("sink: write mbox body: %w", err)
	}
	if _, err := m.w.WriteString("\r\n"); err != nil {
		return fmt.Errorf("sink: write mbox trailer: %w", err)
	}
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("sink: flush mbox: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (m *Mbox) Close() error {
	if err := m.w.Flush(); err != nil {
		m.f.Close()
		return fmt.Errorf("sink: flush mbox on close: %w", err)
	}
	return m.f.Close()
}

// parseInternalDate parses raw per internalDateLayout, falling back to the
// current local time (and a warning) on failure, matching the legacy
// behavior the spec preserves for compatibility.
func (m *Mbox) parseInternalDate(raw string) time.Time {
	t, err := time.Parse(internalDateLayout, raw)
	if err != nil {
		if m.log != nil {
			m.log.Warn("could not parse INTERNALDATE, substituting current time", "raw", raw, "error", err)
		}
		return time.Now()
	}
	return t
}

// senderFromBody extracts the Return-Path header value, stripping angle
// brackets and interior whitespace, or falls back to the invoking user's
// login name when the header is absent or empty.
func senderFromBody(body []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break // end of headers
		}
		if v, ok := matchHeader(line, "Return-Path"); ok {
			v = strings.TrimSpace(v)
			v = strings.TrimPrefix(v, "<")
			v = strings.TrimSuffix(v, ">")
			v = strings.Join(strings.Fields(v), "")
			if v != "" {
				return v
			}
			break
		}
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func matchHeader(line, name string) (string, bool) {
	prefix := name + ":"
	if len(line) <= len(prefix) {
		return "", false
	}
	if !strings.EqualFold(line[:len(prefix)], prefix) {
		return "", false
	}
	return line[len(prefix):], true
}

// writeEscapedBody copies body to w, prefixing any line matching ^>*From
// with an extra ">" so it is never mistaken for a separator line.
func writeEscapedBody(w *bufio.Writer, body []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if fromEscapeRE.MatchString(line) {
			line = ">" + line
		}
		if _, err := w.WriteString(line); err != nil {
			return err
		}
		if _, err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return sc.Err()
}
