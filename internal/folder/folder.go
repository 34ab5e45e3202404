// Package folder implements the Folder Resolver: picking the mailbox to
// mirror, either an explicit configured name or by scanning LIST results
// for a flag match, then opening it read-only with EXAMINE.
package folder

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/esukram/imapfetcher/internal/imap"
)

// ErrNotFound is returned when no LIST response carries the configured flag.
var ErrNotFound = errors.New("folder: no mailbox matches the configured flag")

// Resolve returns the folder name to EXAMINE. If explicit is non-empty it
// is used as-is. Otherwise it issues LIST "" "*" and returns the first
// mailbox whose flag set contains flag, exactly as received on the wire
// (quotes, if any, preserved) so it can be passed to EXAMINE unchanged.
func Resolve(ch *imap.Channel, explicit, flag string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	var matched []byte
	onUntagged := func(r imap.Reader, line []byte) error {
		if matched != nil {
			return nil
		}
		flags, rawName, ok := parseListLine(line)
		if !ok {
			return nil
		}
		for _, f := range flags {
			if f == flag {
				matched = append([]byte(nil), rawName...)
				return nil
			}
		}
		return nil
	}

	if _, err := ch.Execute("LIST", `"" "*"`, onUntagged, nil); err != nil {
		return "", fmt.Errorf("folder: list: %w", err)
	}
	if matched == nil {
		return "", ErrNotFound
	}
	return string(matched), nil
}

// Examine opens name read-only. Failure is fatal per the spec: the folder
// is never opened with SELECT, so no server-side state ever changes.
func Examine(ch *imap.Channel, name string) error {
	if _, err := ch.Execute("EXAMINE", name, nil, nil); err != nil {
		return fmt.Errorf("folder: examine %s: %w", name, err)
	}
	return nil
}

// parseListLine extracts the flag list and the raw (still possibly quoted)
// mailbox-name token from an untagged "* LIST (flags) "delim" name" line.
// It deliberately does not decode quoting on the name, since the spec
// requires the token to be passed through to EXAMINE byte-for-byte.
func parseListLine(line []byte) (flags []string, rawName []byte, ok bool) {
	s := bytes.TrimSpace(line)
	if !bytes.HasPrefix(s, []byte("* LIST")) {
		return nil, nil, false
	}
	rest := bytes.TrimSpace(s[len("* LIST"):])
	if len(rest) == 0 || rest[0] != '(' {
		return nil, nil, false
	}
	closeIdx := bytes.IndexByte(rest, ')')
	if closeIdx < 0 {
		return nil, nil, false
	}
	flags = strings.Fields(string(rest[1:closeIdx]))
	rest = bytes.TrimSpace(rest[closeIdx+1:])

	if len(rest) == 0 {
		return nil, nil, false
	}
	var delimEnd int
	if rest[0] == '"' {
		end := bytes.IndexByte(rest[1:], '"')
		if end < 0 {
			return nil, nil, false
		}
		delimEnd = end + 2
	} else {
		sp := bytes.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, nil, false
		}
		delimEnd = sp
	}
	rest = bytes.TrimSpace(rest[delimEnd:])
	if len(rest) == 0 {
		return nil, nil, false
	}
	return flags, rest, true
}
