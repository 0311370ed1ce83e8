// This file implements the registered-endpoint side of the relay
// protocol: watching a control stream for REQUEST pushes and dialing back
// with SEND.
package relay

import (
	"bufio"
	"net"

	"github.com/rs/zerolog"

	ncperrors "github.com/netcopy-go/ncp/pkg/errors"
)

// WatchRequests blocks reading REQUEST pushes off reader, the buffered
// reader over the control stream. For each one it dials relayAddr, sends
// "SEND <key>", and invokes serve with the resulting transport stream —
// the same stream a local Accept() would have produced, so serve is
// typically sender.Server.ServeConn or receiver.Server.ServeConn. It
// returns when reading the control stream fails (e.g. it is closed).
func WatchRequests(control net.Conn, reader *bufio.Reader, relayAddr, key string, serve func(net.Conn), log zerolog.Logger) error {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return ncperrors.Transport("watch_requests", "control stream closed", err)
		}
		if trimCRLF(line) == "" {
			continue
		}
		if trimCRLF(line) != "REQUEST" {
			continue
		}
		// Drain the blank-line terminator.
		if _, err := reader.ReadString('\n'); err != nil {
			return ncperrors.Transport("watch_requests", "reading REQUEST terminator", err)
		}

		transport, err := net.Dial("tcp", relayAddr)
		if err != nil {
			log.Warn().Err(err).Msg("failed to dial relay for transport stream")
			continue
		}
		if _, err := transport.Write([]byte("SEND " + key + "\r\n\r\n")); err != nil {
			log.Warn().Err(err).Msg("failed to send SEND to relay")
			transport.Close()
			continue
		}
		go serve(transport)
	}
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
