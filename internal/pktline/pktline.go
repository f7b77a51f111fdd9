// Package pktline parses the pkt-line framed advertisement of Git's smart
// HTTP v1 transport, extracting the default branch symref when present.
package pktline

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrProtocolV2 is returned when the advertisement carries a `version 2`
// capability; this proxy only understands smart HTTP v1.
var ErrProtocolV2 = errors.New("pktline: upstream advertised protocol v2, unsupported")

const flush = "0000"

// ParseSmartRefs parses a `info/refs?service=git-upload-pack` response body
// and returns the target of the upstream's `symref=HEAD:` capability, if
// advertised. It returns (nil, nil) when the upstream has no HEAD or an
// empty ref list.
func ParseSmartRefs(body []byte) (symref *string, err error) {
	header, rest, err := readPktLine(body)
	if err != nil {
		return nil, fmt.Errorf("pktline: reading service header: %w", err)
	}
	if string(header) != "# service=git-upload-pack\n" {
		return nil, fmt.Errorf("pktline: unexpected service header %q", header)
	}

	flushLine, rest, err := readPktLine(rest)
	if err != nil {
		return nil, fmt.Errorf("pktline: reading flush after service header: %w", err)
	}
	if len(flushLine) != 0 {
		return nil, fmt.Errorf("pktline: expected flush after service header, got %q", flushLine)
	}

	first, rest, err := readPktLine(rest)
	if err != nil {
		return nil, fmt.Errorf("pktline: reading first ref-list line: %w", err)
	}

	// GitHub's shape for an empty repository: the ref-list is a single
	// flush with nothing in it.
	if len(first) == 0 {
		return nil, nil
	}

	// Some servers (and older git) emit a `version 1` capability line
	// before the ref list; skip over it if present. A `version 2` line
	// announces protocol v2, which is refused.
	if bytes.HasPrefix(first, []byte("version")) {
		if bytes.Equal(bytes.TrimSuffix(first, []byte("\n")), []byte("version 2")) {
			return nil, ErrProtocolV2
		}
		first, _, err = readPktLine(rest)
		if err != nil {
			return nil, fmt.Errorf("pktline: reading ref-list after version line: %w", err)
		}
		if len(first) == 0 {
			return nil, nil
		}
	}

	return parseFirstRefLine(first)
}

// parseFirstRefLine parses `<40-hex-oid> SP <refname> NUL <capabilities> LF`
// and returns the `symref=HEAD:` target from the capability list.
func parseFirstRefLine(line []byte) (*string, error) {
	if len(line) < 41 || line[40] != ' ' {
		return nil, fmt.Errorf("pktline: malformed ref line %q", line)
	}
	rest := line[41:]

	nulPos := bytes.IndexByte(rest, 0)
	if nulPos < 0 {
		// No capability list at all: no symref to report.
		return nil, nil
	}
	capLine := rest[nulPos+1:]
	capLine = bytes.TrimSuffix(capLine, []byte("\n"))

	// `version 2` contains the list's own separator, so it is matched
	// against the whole capability list rather than a single token.
	if bytes.Contains(capLine, []byte("version 2")) {
		return nil, ErrProtocolV2
	}
	for _, cap := range bytes.Split(capLine, []byte(" ")) {
		if target, ok := bytes.CutPrefix(cap, []byte("symref=HEAD:")); ok {
			s := string(target)
			return &s, nil
		}
	}
	return nil, nil
}

// readPktLine reads one pkt-line off the front of b, returning its payload
// (empty for a flush line) and the remaining bytes.
func readPktLine(b []byte) (payload, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("pktline: truncated length header")
	}
	lenHex := string(b[:4])
	if lenHex == flush {
		return nil, b[4:], nil
	}

	var n int
	if _, err := fmt.Sscanf(lenHex, "%04x", &n); err != nil {
		return nil, nil, fmt.Errorf("pktline: invalid length header %q: %w", lenHex, err)
	}
	if n < 4 {
		return nil, nil, fmt.Errorf("pktline: length header %q underflows the 4-byte header", lenHex)
	}
	n -= 4
	if n > len(b)-4 {
		return nil, nil, fmt.Errorf("pktline: length header %q exceeds remaining buffer", lenHex)
	}
	return b[4 : 4+n], b[4+n:], nil
}
