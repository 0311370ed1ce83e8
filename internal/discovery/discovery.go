// Package discovery implements endpoint setup: picking a bind address,
// and probing for a relay before falling back to direct mode. Probe
// dial/read timeouts use a short bounded-dial connection style, scaled
// down to a 200 ms bound.
package discovery

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/netcopy-go/ncp/pkg/constants"
	ncperrors "github.com/netcopy-go/ncp/pkg/errors"
)

// ChooseBind picks a bind IP and port. An empty host picks the first
// non-loopback IPv4 address found; a zero port picks an unused ephemeral
// port via net.Listen(":0").
func ChooseBind(host string, port uint16) (net.IP, uint16, error) {
	ip := net.ParseIP(host)
	if host == "" {
		var err error
		ip, err = firstUsableIPv4()
		if err != nil {
			return nil, 0, ncperrors.StartupFatal("choose_bind", "no usable network interface", err)
		}
	} else if ip == nil {
		return nil, 0, ncperrors.StartupFatal("choose_bind", "invalid host "+host, nil)
	}

	if port != 0 {
		return ip, port, nil
	}
	l, err := net.Listen("tcp", net.JoinHostPort(ip.String(), "0"))
	if err != nil {
		return nil, 0, ncperrors.StartupFatal("choose_bind", "failed to pick an unused port", err)
	}
	defer l.Close()
	return ip, uint16(l.Addr().(*net.TCPAddr).Port), nil
}

func firstUsableIPv4() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no non-loopback IPv4 interface found")
}

// ConsumerHandle is what FindRelay returns on success: the relay's
// advertised public socket and the still-open control stream the
// endpoint must keep alive for its lifetime. Reader wraps Control and
// must be used for all further reads
// on it — REQUEST pushes may already be sitting in its internal buffer
// immediately after the PROXY response. ControlAddr is the relay address
// the endpoint must redial when it needs a fresh transport stream.
type ConsumerHandle struct {
	PublicAddr  string
	ControlAddr string
	Control     net.Conn
	Reader      *bufio.Reader
}

// FindRelay probes, in order: loopback PING (never used, only to detect
// a local relay exists), caller-supplied candidates, then default-gateway
// IPs of active interfaces. no_proxy short-circuits straight to direct
// mode.
func FindRelay(candidates []net.IP, noProxy bool, key string, log zerolog.Logger) *ConsumerHandle {
	if noProxy {
		return nil
	}

	if localRelay := pingLoopback(); localRelay {
		log.Debug().Msg("a local relay answered PING; still choosing direct mode")
		return nil
	}

	for _, ip := range candidates {
		if h := tryRegister(ip, key); h != nil {
			return h
		}
	}

	for _, ip := range defaultGatewayIPs(log) {
		if h := tryRegister(ip, key); h != nil {
			return h
		}
	}
	return nil
}

func pingLoopback() bool {
	for _, port := range []int{constants.RelayControlPort1, constants.RelayControlPort2} {
		addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))
		conn, err := net.DialTimeout("tcp", addr, constants.ProbeConnTimeout)
		if err != nil {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(constants.ProbeReadTimeout))
		conn.Write([]byte("PING\r\n\r\n"))
		lines, err := readBlankTerminated(bufio.NewReader(conn))
		conn.Close()
		if err == nil && len(lines) == 1 && trimCRLF(lines[0]) == "PONG" {
			return true
		}
	}
	return false
}

// readBlankTerminated reads lines until a blank line terminates them,
// returning the non-terminator lines collected — the relay control
// protocol's own blank-line framing.
func readBlankTerminated(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if trimCRLF(line) == "" {
			break
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func tryRegister(ip net.IP, key string) *ConsumerHandle {
	for _, port := range []int{constants.RelayControlPort1, constants.RelayControlPort2} {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
		conn, err := net.DialTimeout("tcp", addr, constants.ProbeConnTimeout)
		if err != nil {
			continue
		}
		conn.SetReadDeadline(time.Now().Add(constants.ProbeReadTimeout))
		if _, err := conn.Write([]byte("PROXY " + key + "\r\n\r\n")); err != nil {
			conn.Close()
			continue
		}
		reader := bufio.NewReader(conn)
		lines, err := readBlankTerminated(reader)
		if err != nil || len(lines) != 1 {
			conn.Close()
			continue
		}
		public := trimCRLF(lines[0])
		conn.SetReadDeadline(time.Time{}) // clear timeout before long-lived use
		return &ConsumerHandle{PublicAddr: public, ControlAddr: addr, Control: conn, Reader: reader}
	}
	return nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// defaultGatewayIPs returns, for each active non-loopback interface, the
// interface's own address as a stand-in gateway candidate. A real
// default-gateway lookup needs a platform-specific syscall library absent
// from the example pack; see DESIGN.md for the stdlib justification.
func defaultGatewayIPs(log zerolog.Logger) []net.IP {
	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Debug().Err(err).Msg("failed to list interfaces for gateway discovery")
		return ips
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil {
				ips = append(ips, v4)
			}
		}
	}
	return ips
}

// EndProxy releases a registration on graceful shutdown by dialing a
// fresh connection to controlAddr and sending `END <key>` on it — the
// registered control connection itself is read by the relay's
// liveness-probing goroutine only, never looped back into command
// dispatch, so a command written onto it would never be processed.
func EndProxy(controlAddr, key string) error {
	conn, err := net.DialTimeout("tcp", controlAddr, constants.ProbeConnTimeout)
	if err != nil {
		return ncperrors.Transport("end_proxy", "dialing relay control port", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("END " + key + "\r\n\r\n")); err != nil {
		return ncperrors.Transport("end_proxy", "sending END to relay", err)
	}
	return nil
}
