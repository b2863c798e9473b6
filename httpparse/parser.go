package httpparse

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// MaxHeaderBlockSize bounds the accumulator so a peer that never sends
// a terminator cannot force unbounded buffering (spec.md §4.5,
// suggested 65536 bytes).
const MaxHeaderBlockSize = 65536

// ErrHeaderBlockTooLarge is returned once the accumulator would exceed
// MaxHeaderBlockSize without having found the end-of-headers marker.
var ErrHeaderBlockTooLarge = errors.New("httpparse: header block exceeds size limit")

// Request is the parsed result of a complete header block: the
// request line verbatim, and the headers decoded from it.
type Request struct {
	// RequestLine is the first line of the block, without its
	// trailing CRLF, e.g. "GET /chat HTTP/1.1".
	RequestLine string
	Method      string
	Target      string
	Version     string
	Header      Header
}

// Parser accumulates bytes across an arbitrary number of chunks until
// a complete RFC 9110 header block has been observed, applying RFC
// 7230 line folding and token validation along the way. It does not
// itself know about message bodies: callers pass the post-headers
// remainder of the final chunk back to their own body handling.
type Parser struct {
	acc      bytes.Buffer
	complete bool
}

// New returns a Parser ready to accept the first chunk of a request.
func New() *Parser {
	return &Parser{}
}

// Feed appends chunk to the accumulator and attempts to locate the
// end-of-headers marker. If found, it returns the parsed Request and
// the slice of chunk following the marker (the start of the body, or
// of the next pipelined request); ok is true. If the marker has not
// yet appeared, ok is false and rest is nil; Feed may be called again
// with the next chunk. Once a Request is ever successfully produced,
// rest may contain not just the current request's body but bytes
// belonging to data the caller must route to body/frame handling
// itself — the Parser does not track content-length.
func (p *Parser) Feed(chunk []byte) (req *Request, rest []byte, ok bool, err error) {
	if p.complete {
		return nil, chunk, false, errors.New("httpparse: parser already completed a header block")
	}

	p.acc.Write(chunk)

	data := p.acc.Bytes()
	idx, markerLen := findHeaderEnd(data)
	if idx < 0 {
		if p.acc.Len() > MaxHeaderBlockSize {
			return nil, nil, false, ErrHeaderBlockTooLarge
		}
		return nil, nil, false, nil
	}

	block := data[:idx]
	body := data[idx+markerLen:]

	r, perr := parseBlock(block)
	if perr != nil {
		return nil, nil, false, perr
	}

	p.complete = true
	bodyCopy := append([]byte(nil), body...)
	return r, bodyCopy, true, nil
}

// findHeaderEnd locates the first "\r\n\r\n" or "\n\n" (or a mix of
// the two, e.g. "\r\n\n") in data and returns its offset and length.
func findHeaderEnd(data []byte) (idx int, markerLen int) {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		idx = i
		markerLen = 4
	} else {
		idx = -1
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 && (idx < 0 || i < idx) {
		idx = i
		markerLen = 2
		if i > 0 && data[i-1] == '\r' {
			idx, markerLen = i-1, 3
		}
	}
	if i := bytes.Index(data, []byte("\n\r\n")); i >= 0 && (idx < 0 || i < idx) {
		idx = i
		markerLen = 3
	}
	return idx, markerLen
}

func splitLines(block []byte) []string {
	normalized := bytes.ReplaceAll(block, []byte("\r\n"), []byte("\n"))
	raw := strings.Split(string(normalized), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func parseBlock(block []byte) (*Request, error) {
	lines := splitLines(block)
	if len(lines) == 0 {
		return nil, errors.New("httpparse: empty header block")
	}

	requestLine := lines[0]
	method, target, version, err := parseRequestLine(requestLine)
	if err != nil {
		return nil, err
	}

	folded := foldContinuations(lines[1:])

	h := make(Header)
	for _, line := range folded {
		name, value, ferr := parseHeaderLine(line)
		if ferr != nil {
			return nil, ferr
		}
		h.Add(name, value)
	}

	return &Request{
		RequestLine: requestLine,
		Method:      method,
		Target:      target,
		Version:     version,
		Header:      h,
	}, nil
}

func parseRequestLine(line string) (method, target, version string, err error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("httpparse: malformed request line %q", line)
	}
	return parts[0], parts[1], parts[2], nil
}

// foldContinuations merges RFC 7230 obsolete line folding: any line
// beginning with SP or HT is a continuation of the previous header's
// value, joined with a single space.
func foldContinuations(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			if len(out) == 0 {
				continue // leading fold with nothing to continue; drop
			}
			out[len(out)-1] = out[len(out)-1] + " " + trimOWS(line)
			continue
		}
		out = append(out, line)
	}
	return out
}

func parseHeaderLine(line string) (name, value string, err error) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return "", "", fmt.Errorf("httpparse: malformed header line %q", line)
	}
	name = line[:colon]
	value = trimOWS(line[colon+1:])
	if !isValidFieldName(name) {
		return "", "", fmt.Errorf("httpparse: invalid header field name %q", name)
	}
	return name, value, nil
}

// Joined returns all values for key joined per RFC 9110 §5.3 field
// combination rules: comma-space separated, except Set-Cookie which
// must never be combined (callers should use Header.Values for it
// instead).
func (h Header) Joined(key string) string {
	vv := h.Values(key)
	if len(vv) == 0 {
		return ""
	}
	if CanonicalHeaderKey(key) == "Set-Cookie" {
		return vv[0]
	}
	return strings.Join(vv, ", ")
}
