// Package sender implements the sending side of a transfer: serving
// exactly one file, or a lazily-materialized tar of many, per incoming
// GET /<key>. Streaming discipline (16 KiB chunks, periodic flush)
// mirrors buffered body-reading on the write side.
package sender

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"mime"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/netcopy-go/ncp/pkg/constants"
	ncperrors "github.com/netcopy-go/ncp/pkg/errors"
	"github.com/netcopy-go/ncp/pkg/httpframe"
)

// Descriptor is the sender's transfer descriptor.
type Descriptor struct {
	SourcePaths []string
	FilePath    string
	FileName    string
	MIMEType    string
	IsArchive   bool
}

// BuildDescriptor derives a Descriptor from the source paths and key.
// The transfer is an archive whenever there is more than one path, or
// the single path is a directory.
func BuildDescriptor(paths []string, key string) (Descriptor, error) {
	if len(paths) == 0 {
		return Descriptor{}, fmt.Errorf("sender requires at least one source path")
	}
	isArchive := len(paths) > 1
	if !isArchive {
		info, err := os.Stat(paths[0])
		if err != nil {
			return Descriptor{}, ncperrors.Storage("stat", "cannot stat source path", err)
		}
		isArchive = info.IsDir()
	}

	var filePath, fileName string
	if isArchive {
		filePath = key + ".tar"
		fileName = filePath
	} else {
		filePath = paths[0]
		fileName = filepath.Base(paths[0])
	}

	mimeType := mime.TypeByExtension(filepath.Ext(fileName))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if isArchive {
		mimeType = "application/x-tar"
	}

	return Descriptor{
		SourcePaths: paths,
		FilePath:    filePath,
		FileName:    fileName,
		MIMEType:    mimeType,
		IsArchive:   isArchive,
	}, nil
}

// Server serves a single Descriptor under Key to any GET /<Key>.
type Server struct {
	Key  string
	Desc Descriptor
	Log  zerolog.Logger

	archiveOnce sync.Once
	archiveErr  error
}

// NewServer returns a Server for desc, registered under key.
func NewServer(key string, desc Descriptor, log zerolog.Logger) *Server {
	return &Server{Key: key, Desc: desc, Log: log}
}

// Banner returns the human-facing copy/paste instructions to print at
// startup.
func (s *Server) Banner(addr net.Addr) string {
	if s.Desc.IsArchive {
		return fmt.Sprintf(
			"cURL: curl http://%s/%s | tar xvf -\nWget: wget -O- http://%s/%s | tar xvf -\nBrowser: http://%s/%s\n",
			addr, s.Key, addr, s.Key, addr, s.Key)
	}
	return fmt.Sprintf(
		"cURL: curl -o %s http://%s/%s\nWget: wget -O %s http://%s/%s\nBrowser: http://%s/%s\n",
		s.Desc.FileName, addr, s.Key, s.Desc.FileName, addr, s.Key, addr, s.Key)
}

// ensureArchive materializes the tar file on first call; subsequent calls
// reuse the existing file.
func (s *Server) ensureArchive() error {
	s.archiveOnce.Do(func() {
		if _, err := os.Stat(s.Desc.FilePath); err == nil {
			return // already materialized by a previous request
		}
		s.archiveErr = writeTar(s.Desc.FilePath, s.Desc.SourcePaths)
	})
	return s.archiveErr
}

func writeTar(dest string, sources []string) error {
	f, err := os.Create(dest)
	if err != nil {
		return ncperrors.Storage("create_tar", "creating archive", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	for _, src := range sources {
		if err := addToTar(tw, src); err != nil {
			return ncperrors.Storage("write_tar", "appending "+src+" to archive", err)
		}
	}
	return nil
}

func addToTar(tw *tar.Writer, src string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(src), path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// Cleanup removes the materialized tar file, if any, on clean shutdown.
func (s *Server) Cleanup() {
	if !s.Desc.IsArchive {
		return
	}
	if err := os.Remove(s.Desc.FilePath); err != nil && !os.IsNotExist(err) {
		s.Log.Warn().Err(err).Str("path", s.Desc.FilePath).Msg("failed to remove archive on shutdown")
	}
}

// ServeConn handles exactly one request on conn: a GET /<Key> for the
// served file or archive, anything else gets 400 Bad Request.
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
	if _, err := httpframe.ReadHeaders(r); err != nil {
		log.Debug().Err(err).Msg("malformed request headers")
		return
	}

	if rl.Method != "GET" || rl.Target != "/"+s.Key {
		writeBadRequest(conn)
		log.Info().Str("request", rl.Method+" "+rl.Target).Msg("bad request")
		return
	}

	if s.Desc.IsArchive {
		if err := s.ensureArchive(); err != nil {
			log.Error().Err(err).Msg("failed to materialize archive")
			writeBadRequest(conn)
			return
		}
	}

	f, err := os.Open(s.Desc.FilePath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open file for sending")
		writeBadRequest(conn)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		log.Error().Err(err).Msg("failed to stat file")
		writeBadRequest(conn)
		return
	}

	w := bufio.NewWriter(conn)
	headers := httpframe.Headers{
		{Name: "Content-Length", Value: fmt.Sprintf("%d", info.Size())},
		{Name: "Content-Type", Value: s.Desc.MIMEType},
		{Name: "Content-Disposition", Value: fmt.Sprintf(`attachment; filename="%s"`, s.Desc.FileName)},
	}
	if err := httpframe.WriteRawLine(w, "HTTP/1.1 200 OK"); err != nil {
		return
	}
	if err := httpframe.WriteHeaders(w, headers); err != nil {
		return
	}
	if err := w.Flush(); err != nil {
		return
	}

	log.Info().Int64("size", info.Size()).Msg("sending")
	if err := streamFile(w, f); err != nil {
		log.Warn().Err(err).Msg("send aborted")
		return
	}
	log.Info().Msg("send done")
}

// streamFile copies f to w in fixed 16 KiB chunks, flushing every 16 MiB.
func streamFile(w *bufio.Writer, f *os.File) error {
	buf := make([]byte, constants.ChunkSize)
	var sinceFlush int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return ncperrors.Transport("write_body", "writing response body", werr)
			}
			sinceFlush += int64(n)
			if sinceFlush >= constants.FlushEvery {
				if ferr := w.Flush(); ferr != nil {
					return ncperrors.Transport("flush_body", "flushing response body", ferr)
				}
				sinceFlush = 0
			}
		}
		if err == io.EOF {
			return w.Flush()
		}
		if err != nil {
			return ncperrors.Storage("read_body", "reading source file", err)
		}
	}
}

func writeBadRequest(conn net.Conn) {
	_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
}
