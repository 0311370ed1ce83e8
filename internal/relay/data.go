package relay

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/netcopy-go/ncp/pkg/constants"
	ncperrors "github.com/netcopy-go/ncp/pkg/errors"
	"github.com/netcopy-go/ncp/pkg/httpframe"
)

// bufPool is a pool of fixed 16 KiB splice buffers, scaled down from a
// size-threshold buffering discipline to a single in-memory chunk since
// relay bodies are never spooled to disk.
var bufPool = sync.Pool{
	New: func() any { return make([]byte, constants.ChunkSize) },
}

// stream pairs a connection with the buffered reader/writer already used
// to parse it, so later state-machine stages keep reading from the same
// buffer instead of a raw conn that may have already consumed bytes of
// the body into bufio's internal buffer.
type stream struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// DataPlane replays one HTTP request/response across a transport stream
// obtained from the control plane, implementing the
// RECV_REQ -> AWAIT_TRANSPORT -> REPLAY_REQ -> RECV_RESP -> REPLAY_RESP ->
// SPLICE_BODY -> (POST: DRAIN_TAIL) -> DONE state machine.
type DataPlane struct {
	Control *ControlPlane
	Log     zerolog.Logger
}

// ServeConn handles one public connection end to end.
func (d *DataPlane) ServeConn(public net.Conn) {
	defer public.Close()
	pub := &stream{conn: public, r: bufio.NewReader(public), w: bufio.NewWriter(public)}
	log := d.Log.With().Str("peer", public.RemoteAddr().String()).Logger()

	rl, headers, key, err := d.recvReq(pub)
	if err != nil {
		log.Debug().Err(err).Msg("bad public request")
		return
	}
	log = log.With().Str("key", key).Logger()

	transportConn, err := d.awaitTransport(key)
	if err != nil {
		log.Warn().Err(err).Msg("no transport stream available")
		pub.w.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		pub.w.Flush()
		return
	}
	defer transportConn.Close()
	tr := &stream{conn: transportConn, r: bufio.NewReader(transportConn), w: bufio.NewWriter(transportConn)}

	if err := d.replayReq(tr, rl, headers); err != nil {
		log.Warn().Err(err).Msg("failed relaying request to transport")
		return
	}

	respStatus, respHeaders, err := d.recvResp(tr)
	if err != nil {
		log.Warn().Err(err).Msg("failed reading response from transport")
		return
	}

	if err := d.replayResp(pub, respStatus, respHeaders); err != nil {
		log.Warn().Err(err).Msg("failed relaying response to public peer")
		return
	}

	if err := d.spliceBody(rl.Method, pub, tr, headers, respHeaders); err != nil {
		log.Warn().Err(err).Msg("failed splicing body")
		return
	}

	if strings.EqualFold(rl.Method, "POST") {
		if err := d.drainTail(tr, pub); err != nil {
			log.Debug().Err(err).Msg("failed draining tail response")
		}
	}
	log.Info().Msg("relay: request done")
}

// recvReq is RECV_REQ: read the public request line and headers, taking
// the endpoint key to be the whole request target with its leading "/"
// removed.
func (d *DataPlane) recvReq(pub *stream) (httpframe.RequestLine, httpframe.Headers, string, error) {
	rl, err := httpframe.ReadRequestLine(pub.r)
	if err != nil {
		return httpframe.RequestLine{}, nil, "", err
	}
	headers, err := httpframe.ReadHeaders(pub.r)
	if err != nil {
		return httpframe.RequestLine{}, nil, "", err
	}
	key := strings.TrimPrefix(rl.Target, "/")
	if key == "" {
		return httpframe.RequestLine{}, nil, "", ncperrors.MalformedRequest("recv_req", "missing key in target "+rl.Target, nil)
	}
	return rl, headers, key, nil
}

// awaitTransport is AWAIT_TRANSPORT.
func (d *DataPlane) awaitTransport(key string) (net.Conn, error) {
	return d.Control.RequestTransport(key)
}

// replayReq is REPLAY_REQ: forward the request line and headers verbatim.
func (d *DataPlane) replayReq(tr *stream, rl httpframe.RequestLine, headers httpframe.Headers) error {
	if err := httpframe.WriteRequestLine(tr.w, rl); err != nil {
		return err
	}
	if err := httpframe.WriteHeaders(tr.w, headers); err != nil {
		return err
	}
	return tr.w.Flush()
}

// recvResp is RECV_RESP.
func (d *DataPlane) recvResp(tr *stream) (string, httpframe.Headers, error) {
	status, err := httpframe.ReadStatusLine(tr.r)
	if err != nil {
		return "", nil, err
	}
	headers, err := httpframe.ReadHeaders(tr.r)
	if err != nil {
		return "", nil, err
	}
	return status, headers, nil
}

// replayResp is REPLAY_RESP.
func (d *DataPlane) replayResp(pub *stream, status string, headers httpframe.Headers) error {
	if err := httpframe.WriteRawLine(pub.w, status); err != nil {
		return err
	}
	if err := httpframe.WriteHeaders(pub.w, headers); err != nil {
		return err
	}
	return pub.w.Flush()
}

// spliceBody is SPLICE_BODY: for GET, the response body flows
// transport -> public using the response's Content-Length; for POST, the
// request body flows public -> transport using the request's
// Content-Length (the transport's own response, typically a bare status
// line with no body, has already been replayed above).
func (d *DataPlane) spliceBody(method string, pub, tr *stream, reqHeaders, respHeaders httpframe.Headers) error {
	var length int64
	var ok bool
	var err error
	var src, dst *stream

	if strings.EqualFold(method, "GET") {
		length, ok, err = respHeaders.ContentLength()
		src, dst = tr, pub
	} else {
		length, ok, err = reqHeaders.ContentLength()
		src, dst = pub, tr
	}
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := splice(src.r, dst.w, length); err != nil {
		return err
	}
	return dst.w.Flush()
}

// drainTail is DRAIN_TAIL: after a POST body has been spliced, the
// transport side may still send a final raw response (e.g. the
// receiver's trailing "200 OK") with no declared length; forward whatever
// arrives until the transport closes.
func (d *DataPlane) drainTail(tr, pub *stream) error {
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	for {
		n, err := tr.r.Read(buf)
		if n > 0 {
			if _, werr := pub.w.Write(buf[:n]); werr != nil {
				return ncperrors.Transport("drain_tail", "writing tail to public peer", werr)
			}
		}
		if err == io.EOF {
			return pub.w.Flush()
		}
		if err != nil {
			pub.w.Flush()
			return ncperrors.Transport("drain_tail", "reading tail from transport", err)
		}
	}
}

// splice copies exactly length bytes from r to w using a pooled 16 KiB
// buffer.
func splice(r *bufio.Reader, w *bufio.Writer, length int64) error {
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := r.Read(buf[:n])
		if read > 0 {
			if _, werr := w.Write(buf[:read]); werr != nil {
				return ncperrors.Transport("splice", "writing spliced body", werr)
			}
			remaining -= int64(read)
		}
		if err != nil {
			if err == io.EOF && remaining > 0 {
				return ncperrors.PartialUpload("splice", "connection closed before body fully relayed", nil)
			}
			if err != io.EOF {
				return ncperrors.Transport("splice", "reading body to splice", err)
			}
		}
	}
	return nil
}
