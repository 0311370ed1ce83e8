package relay

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/netcopy-go/ncp/pkg/constants"
	ncperrors "github.com/netcopy-go/ncp/pkg/errors"
)

// ControlPlane is the registration/dispatch half of the relay (spec
// component F). It binds the first available of the two well-known
// control ports and answers PING/PROXY/SEND/RECV/END.
type ControlPlane struct {
	Registry   *Registry
	PublicAddr string // advertised to PROXY registrants as the data-plane address
	Log        zerolog.Logger
}

// Run binds 0.0.0.0:7070, falling back to 0.0.0.0:7575, and serves the
// control protocol until the listener is closed or stop fires. The accept
// loop polls on a short deadline with a non-blocking accept pattern so
// Run notices stop promptly.
func (c *ControlPlane) Run(stop <-chan struct{}) error {
	l, err := bindFirst(constants.RelayControlPort1, constants.RelayControlPort2)
	if err != nil {
		return ncperrors.StartupFatal("relay_control_bind", "failed to bind control listener", err)
	}
	defer l.Close()
	c.Log.Info().Str("addr", l.Addr().String()).Msg("relay control plane listening")

	tcpL, _ := l.(*net.TCPListener)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if tcpL != nil {
			tcpL.SetDeadline(time.Now().Add(constants.RelayAcceptPoll))
		}
		conn, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return ncperrors.Transport("relay_control_accept", "accept failed on control listener", err)
		}
		go c.handle(conn)
	}
}

func bindFirst(ports ...int) (net.Listener, error) {
	var lastErr error
	for _, port := range ports {
		l, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// handle implements one control-connection interaction. An accepted PROXY
// registration, and a SEND/RECV stream handed to a waiting public request,
// stay open past this call; every other case closes the connection.
func (c *ControlPlane) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	// Drain the blank-line terminator.
	if _, err := r.ReadString('\n'); err != nil {
		conn.Close()
		return
	}

	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		conn.Close()
		return
	}

	switch fields[0] {
	case "PING":
		conn.Write([]byte("PONG\r\n\r\n"))
		conn.Close()

	case "PROXY":
		conn.Write([]byte(c.PublicAddr + "\r\n\r\n"))
		if len(fields) < 2 {
			conn.Close()
			return
		}
		key := fields[1]
		if !c.Registry.Register(key, conn) {
			c.Log.Warn().Str("key", key).Msg("registration rejected: key already in use")
			conn.Close()
			return
		}
		c.Log.Info().Str("key", key).Str("peer", conn.RemoteAddr().String()).Msg("endpoint registered")
		go c.watchLiveness(key, conn)

	case "SEND", "RECV":
		if len(fields) < 2 {
			conn.Close()
			return
		}
		key := fields[1]
		if waiter, ok := c.Registry.popWaiter(key); ok {
			waiter <- conn
			return
		}
		c.Log.Warn().Str("key", key).Msg("transport stream with no waiting public request")
		conn.Close()

	case "END":
		if len(fields) < 2 {
			conn.Close()
			return
		}
		c.Registry.Unregister(fields[1])
		conn.Close()

	default:
		conn.Close()
	}
}

// RequestTransport asks the endpoint registered under key for a fresh
// transport stream by pushing REQUEST on its control connection, then
// waits up to constants.RelayIdleTimeout for the matching SEND dial-back
// queued by handle. It is the data plane's half of the handshake.
func (c *ControlPlane) RequestTransport(key string) (net.Conn, error) {
	control, ok := c.Registry.controlOf(key)
	if !ok {
		return nil, ncperrors.RelayUnavailable("request_transport", "no endpoint registered for key", nil).WithKey(key)
	}

	wait := make(chan net.Conn, 1)
	if !c.Registry.pushWaiter(key, wait) {
		return nil, ncperrors.RelayUnavailable("request_transport", "registration disappeared", nil).WithKey(key)
	}
	if _, err := control.Write([]byte("REQUEST\r\n\r\n")); err != nil {
		c.Registry.Unregister(key)
		return nil, ncperrors.Transport("request_transport", "pushing REQUEST to endpoint", err).WithKey(key)
	}

	select {
	case conn := <-wait:
		return conn, nil
	case <-time.After(constants.RelayIdleTimeout):
		return nil, ncperrors.RelayUnavailable("request_transport", "endpoint did not dial back", nil).WithKey(key)
	}
}

// watchLiveness drops a registration once its control connection no
// longer looks alive, checked every constants.RelayIdleTimeout, so the
// relay garbage-collects registrations for endpoints that vanished
// without sending END. Liveness is probed the idiomatic zero-byte-read
// way: a short read deadline followed by a 1-byte Read, where a timeout
// means "alive, nothing to say" and EOF/error means the peer is gone.
func (c *ControlPlane) watchLiveness(key string, control net.Conn) {
	probe := make([]byte, 1)
	for {
		time.Sleep(constants.RelayIdleTimeout)
		if _, ok := c.Registry.controlOf(key); !ok {
			return
		}
		control.SetReadDeadline(time.Now().Add(constants.RelayLivenessDial))
		_, err := control.Read(probe)
		control.SetReadDeadline(time.Time{})
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		if err != nil {
			c.Log.Info().Str("key", key).Msg("registration liveness check failed, dropping")
			c.Registry.Unregister(key)
			return
		}
	}
}
