// Package receiver implements the receiving side of a transfer: a
// browser-friendly upload page on GET /<key>, and streamed-to-disk uploads
// on POST /<key>. Streaming discipline mirrors internal/sender.
package receiver

import (
	"bufio"
	_ "embed"
	"io"
	"net"
	"os"

	"github.com/rs/zerolog"

	"github.com/netcopy-go/ncp/pkg/constants"
	ncperrors "github.com/netcopy-go/ncp/pkg/errors"
	"github.com/netcopy-go/ncp/pkg/httpframe"
	"github.com/netcopy-go/ncp/pkg/pathsec"
)

//go:embed upload.html
var uploadPage []byte

// Server serves the upload page and accepts uploads under Key.
type Server struct {
	Key     string
	Reserve bool
	Policy  CollisionPolicy
	Log     zerolog.Logger
}

// NewServer returns a Server. autoRename selects AutoRenamePolicy;
// otherwise RenameBackupPolicy (the default).
func NewServer(key string, reserve, autoRename bool, log zerolog.Logger) *Server {
	var policy CollisionPolicy = RenameBackupPolicy{}
	if autoRename {
		policy = AutoRenamePolicy{}
	}
	return &Server{Key: key, Reserve: reserve, Policy: policy, Log: log}
}

// Banner returns the copy/paste shell commands to print at startup.
func (s *Server) Banner(addr net.Addr) string {
	return "cURL (Bash): for f in <FILES>; do curl -X POST -H \"File-Path: $f\" -T $f http://" +
		addr.String() + "/" + s.Key + "; done\n" +
		"Browser: http://" + addr.String() + "/" + s.Key + "\n"
}

// ServeConn handles exactly one request on conn.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	log := s.Log.With().Str("peer", peer).Str("key", s.Key).Logger()

	r := bufio.NewReader(conn)
	rl, err := httpframe.ReadRequestLine(r)
	if err != nil {
		log.Debug().Err(err).Msg("malformed request line")
		return
	}
	headers, err := httpframe.ReadHeaders(r)
	if err != nil {
		log.Debug().Err(err).Msg("malformed request headers")
		return
	}

	switch {
	case rl.Method == "GET" && rl.Target == "/"+s.Key:
		s.serveUploadPage(conn)
	case rl.Method == "POST" && rl.Target == "/"+s.Key:
		s.serveUpload(conn, r, headers, log)
	default:
		writeBadRequest(conn)
		log.Info().Str("request", rl.Method+" "+rl.Target).Msg("bad request")
	}
}

func (s *Server) serveUploadPage(conn net.Conn) {
	w := bufio.NewWriter(conn)
	httpframe.WriteRawLine(w, "HTTP/1.1 200 OK")
	httpframe.WriteHeaders(w, httpframe.Headers{
		{Name: "Content-Type", Value: "text/html;charset=utf-8"},
	})
	w.Write(uploadPage)
	w.Flush()
}

// serveUpload implements the strict upload order: always reply with 100
// Continue, require Content-Length, resolve and sanitize the target path,
// resolve a collision if the target already exists, then stream the body
// to disk.
func (s *Server) serveUpload(conn net.Conn, r *bufio.Reader, headers httpframe.Headers, log zerolog.Logger) {
	// 1. Emit 100 Continue unconditionally, regardless of Expect.
	if _, err := conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n")); err != nil {
		log.Debug().Err(err).Msg("failed to write 100 Continue")
		return
	}

	// 2. Content-Length is required.
	contentLength, ok, err := headers.ContentLength()
	if err != nil {
		log.Debug().Err(err).Msg("invalid Content-Length")
		return
	}
	if !ok {
		log.Debug().Msg("missing Content-Length")
		return
	}

	// 3. Derive destination path.
	destPath := s.Key
	if raw, ok := headers.FilePath(); ok {
		destPath = pathsec.Sanitize(raw, s.Reserve)
	}
	if err := pathsec.EnsureParentDir(destPath); err != nil {
		log.Error().Err(err).Msg("failed to create parent directory")
		return
	}

	// 4. Collision policy.
	writeTo, err := s.Policy.Resolve(destPath, s.Key)
	if err != nil {
		log.Error().Err(err).Msg("collision resolution failed")
		return
	}

	// 5. Stream exactly contentLength bytes to writeTo.
	if err := streamToFile(r, writeTo, contentLength); err != nil {
		log.Warn().Err(err).Str("dest", writeTo).Msg("upload aborted")
		return
	}

	// 6. Success.
	if _, err := conn.Write([]byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		log.Debug().Err(err).Msg("failed to write final response")
		return
	}
	log.Info().Str("dest", writeTo).Int64("size", contentLength).Msg("upload done")
}

// streamToFile reads exactly length bytes from r into a freshly-created
// file at dest, using the same 16 KiB buffer / 16 MiB flush discipline as
// the sender. A short read is fatal: the partial file is deleted.
func streamToFile(r *bufio.Reader, dest string, length int64) error {
	f, err := os.Create(dest)
	if err != nil {
		return ncperrors.Storage("create_file", "creating upload destination", err)
	}

	w := bufio.NewWriter(f)
	buf := make([]byte, constants.ChunkSize)
	var remaining, sinceFlush int64 = length, 0

	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := r.Read(buf[:n])
		if read > 0 {
			if _, werr := w.Write(buf[:read]); werr != nil {
				f.Close()
				os.Remove(dest)
				return ncperrors.Storage("write_file", "writing upload destination", werr)
			}
			remaining -= int64(read)
			sinceFlush += int64(read)
			if sinceFlush >= constants.FlushEvery {
				if ferr := w.Flush(); ferr != nil {
					f.Close()
					os.Remove(dest)
					return ncperrors.Storage("flush_file", "flushing upload destination", ferr)
				}
				sinceFlush = 0
			}
		}
		if err == io.EOF && remaining > 0 {
			w.Flush()
			f.Close()
			os.Remove(dest)
			return ncperrors.PartialUpload("read_body", "connection closed before Content-Length satisfied", nil)
		}
		if err != nil && err != io.EOF {
			w.Flush()
			f.Close()
			os.Remove(dest)
			return ncperrors.Transport("read_body", "reading request body", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return ncperrors.Storage("flush_file", "flushing upload destination", err)
	}
	return f.Close()
}

func writeBadRequest(conn net.Conn) {
	_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
}
