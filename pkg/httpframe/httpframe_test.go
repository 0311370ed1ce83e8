package httpframe

import (
	"bufio"
	"strings"
	"testing"

	ncperrors "github.com/netcopy-go/ncp/pkg/errors"
)

func TestReadRequestLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET /abc123 HTTP/1.1\r\n"))
	rl, err := ReadRequestLine(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rl.Method != "GET" || rl.Target != "/abc123" || rl.Version != "HTTP/1.1" {
		t.Fatalf("unexpected parse: %+v", rl)
	}
}

func TestReadRequestLineRejectsNonASCII(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET /café HTTP/1.1\r\n"))
	_, err := ReadRequestLine(r)
	if !ncperrors.Of(err, ncperrors.ErrorTypeMalformedRequest) {
		t.Fatalf("expected MalformedRequest, got %v", err)
	}
}

func TestReadHeaders(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Content-Length: 3\r\nFile-Path: a/b.txt\r\nExpect: 100-continue\r\n\r\n"))
	headers, err := ReadHeaders(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cl, ok, err := headers.ContentLength()
	if err != nil || !ok || cl != 3 {
		t.Fatalf("ContentLength() = %v, %v, %v", cl, ok, err)
	}
	fp, ok := headers.FilePath()
	if !ok || fp != "a/b.txt" {
		t.Fatalf("FilePath() = %q, %v", fp, ok)
	}
	if !headers.Expect100() {
		t.Fatalf("expected Expect100 to be true")
	}
}

func TestReadHeadersRejectsTooMany(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 150; i++ {
		sb.WriteString("X-Filler: v\r\n")
	}
	sb.WriteString("\r\n")
	r := bufio.NewReader(strings.NewReader(sb.String()))
	_, err := ReadHeaders(r)
	if !ncperrors.Of(err, ncperrors.ErrorTypeMalformedRequest) {
		t.Fatalf("expected MalformedRequest for >100 headers, got %v", err)
	}
}

func TestContentLengthInvalid(t *testing.T) {
	h := Headers{{Name: "Content-Length", Value: "not-a-number"}}
	_, _, err := h.ContentLength()
	if !ncperrors.Of(err, ncperrors.ErrorTypeMalformedRequest) {
		t.Fatalf("expected MalformedRequest, got %v", err)
	}
}
