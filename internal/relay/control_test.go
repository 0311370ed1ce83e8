package relay

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHandlePing(t *testing.T) {
	cp := &ControlPlane{Registry: NewRegistry(), PublicAddr: "1.2.3.4:9000", Log: zerolog.Nop()}
	client, server := net.Pipe()
	go cp.handle(server)

	client.Write([]byte("PING\r\n\r\n"))
	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if trimCRLF(line) != "PONG" {
		t.Fatalf("got %q, want PONG", line)
	}
}

func TestHandleProxyRegisters(t *testing.T) {
	reg := NewRegistry()
	cp := &ControlPlane{Registry: reg, PublicAddr: "1.2.3.4:9000", Log: zerolog.Nop()}
	client, server := net.Pipe()
	go cp.handle(server)

	client.Write([]byte("PROXY zzz\r\n\r\n"))
	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if trimCRLF(line) != "1.2.3.4:9000" {
		t.Fatalf("got %q, want public addr", line)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.controlOf("zzz"); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("key zzz was never registered")
}

func TestHandleProxyRejectsDuplicateKey(t *testing.T) {
	reg := NewRegistry()
	cp := &ControlPlane{Registry: reg, PublicAddr: "1.2.3.4:9000", Log: zerolog.Nop()}

	first, firstServer := net.Pipe()
	go cp.handle(firstServer)
	first.Write([]byte("PROXY zzz\r\n\r\n"))
	bufio.NewReader(first).ReadString('\n')

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.controlOf("zzz"); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	second, secondServer := net.Pipe()
	done := make(chan struct{})
	go func() { cp.handle(secondServer); close(done) }()
	second.Write([]byte("PROXY zzz\r\n\r\n"))
	r := bufio.NewReader(second)
	r.ReadString('\n') // still gets the advertised public addr

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handle did not return for rejected duplicate registration")
	}
}

// TestHandleEndClearsRegistration mirrors EndProxy's real dial pattern: a
// registration is made on one connection, then END is sent on a second,
// freshly-handled connection (never on the registration stream itself,
// which is read only by watchLiveness after registration). The registry
// must no longer contain the key once the second handle call returns.
func TestHandleEndClearsRegistration(t *testing.T) {
	reg := NewRegistry()
	cp := &ControlPlane{Registry: reg, PublicAddr: "1.2.3.4:9000", Log: zerolog.Nop()}

	regClient, regServer := net.Pipe()
	defer regClient.Close()
	go cp.handle(regServer)
	regClient.Write([]byte("PROXY zzz\r\n\r\n"))
	bufio.NewReader(regClient).ReadString('\n')

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.controlOf("zzz"); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := reg.controlOf("zzz"); !ok {
		t.Fatalf("key zzz was never registered")
	}

	endClient, endServer := net.Pipe()
	done := make(chan struct{})
	go func() { cp.handle(endServer); close(done) }()
	endClient.Write([]byte("END zzz\r\n\r\n"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handle did not return for END")
	}

	if _, ok := reg.controlOf("zzz"); ok {
		t.Fatalf("key zzz still registered after END")
	}
}

func TestRegistryFIFODispatch(t *testing.T) {
	reg := NewRegistry()
	_, control := net.Pipe()
	defer control.Close()
	reg.Register("zzz", control)

	w1 := make(chan net.Conn, 1)
	w2 := make(chan net.Conn, 1)
	reg.pushWaiter("zzz", w1)
	reg.pushWaiter("zzz", w2)

	first, ok := reg.popWaiter("zzz")
	if !ok || first != w1 {
		t.Fatalf("expected first waiter popped to be w1")
	}
	second, ok := reg.popWaiter("zzz")
	if !ok || second != w2 {
		t.Fatalf("expected second waiter popped to be w2")
	}
	if _, ok := reg.popWaiter("zzz"); ok {
		t.Fatalf("expected no waiters left")
	}
}
