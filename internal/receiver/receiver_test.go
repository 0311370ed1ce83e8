package receiver

import (
	"bufio"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/netcopy-go/ncp/pkg/httpframe"
)

func TestServeConnGetUploadPage(t *testing.T) {
	srv := NewServer("zzz", false, false, zerolog.Nop())
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() { srv.ServeConn(server); close(done) }()

	client.Write([]byte("GET /zzz HTTP/1.1\r\n\r\n"))
	r := bufio.NewReader(client)
	status, err := httpframe.ReadStatusLine(r)
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "HTTP/1.1 200 OK" {
		t.Fatalf("status = %q", status)
	}
	client.Close()
	<-done
}

func TestServeConnUploadRenameBackup(t *testing.T) {
	dir := t.TempDir()
	restoreDir(t, dir)

	os.WriteFile("x.txt", []byte("old"), 0o644)

	srv := NewServer("zzz", false, false, zerolog.Nop())
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() { srv.ServeConn(server); close(done) }()

	req := "POST /zzz HTTP/1.1\r\nFile-Path: x.txt\r\nContent-Length: 3\r\n\r\nnew"
	go client.Write([]byte(req))

	r := bufio.NewReader(client)
	for i := 0; i < 2; i++ {
		status, err := httpframe.ReadStatusLine(r)
		if err != nil {
			t.Fatalf("read status %d: %v", i, err)
		}
		if _, err := httpframe.ReadHeaders(r); err != nil {
			t.Fatalf("read headers %d: %v", i, err)
		}
		if i == 1 && status != "HTTP/1.1 200 OK" {
			t.Fatalf("final status = %q", status)
		}
	}
	client.Close()
	<-done

	data, err := os.ReadFile("x.txt")
	if err != nil || string(data) != "new" {
		t.Fatalf("x.txt = %q, %v, want %q", data, err, "new")
	}
	backup, err := os.ReadFile("x.txt-zzz")
	if err != nil || string(backup) != "old" {
		t.Fatalf("x.txt-zzz = %q, %v, want %q", backup, err, "old")
	}
}

func TestServeConnUploadPartialIsDeleted(t *testing.T) {
	dir := t.TempDir()
	restoreDir(t, dir)

	srv := NewServer("zzz", false, false, zerolog.Nop())
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() { srv.ServeConn(server); close(done) }()

	req := "POST /zzz HTTP/1.1\r\nFile-Path: partial.txt\r\nContent-Length: 10\r\n\r\nab"
	go func() {
		client.Write([]byte(req))
		client.Close()
	}()

	r := bufio.NewReader(client)
	httpframe.ReadStatusLine(r) // 100 Continue
	httpframe.ReadHeaders(r)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("ServeConn did not return after short read")
	}

	if _, err := os.Stat("partial.txt"); !os.IsNotExist(err) {
		t.Fatalf("expected partial.txt to be removed, stat err = %v", err)
	}
}

// restoreDir chdirs into dir for the duration of the test and restores the
// previous working directory afterward, since uploads are written
// relative to cwd when reserve is false.
func restoreDir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}
