// Package httpframe reads and writes the minimal HTTP/1.x framing that
// ncp's sender, receiver and relay need: a request or status line followed
// by headers up to a blank line. It deliberately does not implement
// chunked transfer, trailers or header folding.
//
// The line-reading and header-parsing style reads a request line
// (method, target, version) or a status line, then headers up to a
// blank line, capping header *count* rather than byte size and
// validating each header's name and value with golang.org/x/net's
// httpguts token rules.
package httpframe

import (
	"bufio"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/http/httpguts"

	"github.com/netcopy-go/ncp/pkg/constants"
	ncperrors "github.com/netcopy-go/ncp/pkg/errors"
)

// Header is one "Name: Value" pair, kept in arrival order so a relay can
// replay them unchanged.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of request or response headers.
type Headers []Header

// Get returns the value of the first header matching name
// (case-insensitive), and whether it was found.
func (h Headers) Get(name string) (string, bool) {
	for _, hd := range h {
		if strings.EqualFold(hd.Name, name) {
			return hd.Value, true
		}
	}
	return "", false
}

// ContentLength parses the Content-Length header, if present.
func (h Headers) ContentLength() (int64, bool, error) {
	v, ok := h.Get("Content-Length")
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, true, ncperrors.MalformedRequest("parse_content_length", "invalid Content-Length: "+v, err)
	}
	return n, true, nil
}

// FilePath returns the File-Path header value, if present.
func (h Headers) FilePath() (string, bool) {
	return h.Get("File-Path")
}

// Expect100 reports whether the client sent "Expect: 100-continue".
func (h Headers) Expect100() bool {
	v, ok := h.Get("Expect")
	return ok && strings.EqualFold(strings.TrimSpace(v), "100-continue")
}

// RequestLine is a parsed "METHOD /target HTTP/x.y" line.
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", ncperrors.MalformedRequest("read_line", "reading line before EOF", err)
	}
	if len(line) >= 2 && line[len(line)-2:] == "\r\n" {
		return line[:len(line)-2], nil
	}
	return strings.TrimRight(line, "\n"), nil
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// ReadRequestLine reads one request line ("GET /key HTTP/1.1") from r.
func ReadRequestLine(r *bufio.Reader) (RequestLine, error) {
	line, err := readLine(r)
	if err != nil {
		return RequestLine{}, err
	}
	if !isASCII(line) {
		return RequestLine{}, ncperrors.MalformedRequest("parse_request_line", "non-ASCII request line", nil)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return RequestLine{}, ncperrors.MalformedRequest("parse_request_line", "malformed request line: "+line, nil)
	}
	return RequestLine{Method: parts[0], Target: parts[1], Version: parts[2]}, nil
}

// ReadHeaders reads header lines until a blank line terminates them,
// rejecting a request once constants.MaxHeaderLines headers have been
// read without reaching the blank line (so 100 or more headers). Lines
// without a ':' are skipped and not counted.
func ReadHeaders(r *bufio.Reader) (Headers, error) {
	var headers Headers
	for {
		if len(headers) >= constants.MaxHeaderLines {
			return nil, ncperrors.MalformedRequest("read_headers", "too many header lines", nil)
		}
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, ncperrors.MalformedRequest("read_headers", "invalid header field name: "+name, nil)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, ncperrors.MalformedRequest("read_headers", "invalid header field value for "+name, nil)
		}
		headers = append(headers, Header{Name: name, Value: value})
	}
	return headers, nil
}

// WriteHeaders writes headers followed by the blank-line terminator, but
// does not flush — callers batch the terminating blank line with the
// caller's own flush.
func WriteHeaders(w *bufio.Writer, headers Headers) error {
	for _, h := range headers {
		if _, err := w.WriteString(h.Name + ": " + h.Value + "\r\n"); err != nil {
			return ncperrors.Transport("write_headers", "writing header line", err)
		}
	}
	_, err := w.WriteString("\r\n")
	if err != nil {
		return ncperrors.Transport("write_headers", "writing blank line terminator", err)
	}
	return nil
}

// WriteRequestLine writes "METHOD TARGET VERSION\r\n".
func WriteRequestLine(w *bufio.Writer, rl RequestLine) error {
	_, err := w.WriteString(rl.Method + " " + rl.Target + " " + rl.Version + "\r\n")
	if err != nil {
		return ncperrors.Transport("write_request_line", "writing request line", err)
	}
	return nil
}

// ReadStatusLine reads one response status line ("HTTP/1.1 200 OK").
func ReadStatusLine(r *bufio.Reader) (string, error) {
	return readLine(r)
}

// WriteRawLine writes a pre-formatted line followed by "\r\n", used by the
// relay data plane when replaying a line it only needs to forward, not
// reinterpret.
func WriteRawLine(w *bufio.Writer, line string) error {
	if _, err := w.WriteString(line + "\r\n"); err != nil {
		return ncperrors.Transport("write_raw_line", "writing line", err)
	}
	return nil
}

// ReadLine exposes the line reader to callers that need to forward header
// lines verbatim rather than parse them into a Header.
func ReadLine(r *bufio.Reader) (string, error) {
	return readLine(r)
}
