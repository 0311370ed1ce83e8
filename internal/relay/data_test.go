package relay

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestServeConnGetRoundTrip exercises the full RECV_REQ..DONE chain for a
// GET request: a public client requests /zzz, the registered endpoint
// dials back with SEND in response to the relay's REQUEST push, and the
// relay splices the endpoint's canned response back to the public client.
func TestServeConnGetRoundTrip(t *testing.T) {
	reg := NewRegistry()
	cp := &ControlPlane{Registry: reg, PublicAddr: "1.2.3.4:9000", Log: zerolog.Nop()}
	dp := &DataPlane{Control: cp, Log: zerolog.Nop()}

	endpointSide, relaySide := net.Pipe()
	reg.Register("zzz", relaySide)

	// Simulate the endpoint: wait for REQUEST, then dial back with SEND.
	go func() {
		r := bufio.NewReader(endpointSide)
		line, err := r.ReadString('\n')
		if err != nil || trimCRLF(line) != "REQUEST" {
			return
		}
		r.ReadString('\n') // terminator

		transportClient, transportServer := net.Pipe()
		go cp.handle(transportServer)
		transportClient.Write([]byte("SEND zzz\r\n\r\n"))

		// Act as the sender: drain the replayed request, answer with a
		// small canned body.
		tr := bufio.NewReader(transportClient)
		for {
			l, err := tr.ReadString('\n')
			if err != nil || trimCRLF(l) == "" {
				break
			}
		}
		transportClient.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	}()

	public, publicServer := net.Pipe()
	done := make(chan struct{})
	go func() { dp.ServeConn(publicServer); close(done) }()

	public.Write([]byte("GET /zzz HTTP/1.1\r\n\r\n"))
	r := bufio.NewReader(public)

	status, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if trimCRLF(status) != "HTTP/1.1 200 OK" {
		t.Fatalf("status = %q", status)
	}
	for {
		l, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if trimCRLF(l) == "" {
			break
		}
	}
	body := make([]byte, 5)
	if _, err := readFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want hello", body)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("ServeConn did not return")
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
