// Command ncp is a peer-to-peer file transfer utility that turns any host
// into an ad-hoc HTTP endpoint for pushing or pulling files, relaying
// through an auxiliary proxy master when direct connectivity fails.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/netcopy-go/ncp/internal/config"
	"github.com/netcopy-go/ncp/internal/discovery"
	"github.com/netcopy-go/ncp/internal/keygen"
	"github.com/netcopy-go/ncp/internal/logging"
	"github.com/netcopy-go/ncp/internal/receiver"
	"github.com/netcopy-go/ncp/internal/relay"
	"github.com/netcopy-go/ncp/internal/sender"
	"github.com/netcopy-go/ncp/pkg/constants"
)

var (
	flagHost       string
	flagPort       uint16
	flagKey        string
	flagReserve    bool
	flagProxy      []string
	flagNoProxy    bool
	flagMode       string
	flagAutoRename bool
	flagSaveConfig bool
	flagVerbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "ncp [files...]",
		Short: "Ad-hoc peer-to-peer file transfer with relay fallback",
		Long: "ncp turns this host into a temporary HTTP endpoint: with no files given it " +
			"receives, with files given it sends them. Pass --mode proxy to instead run the " +
			"relay that bridges a sender/receiver pair that cannot see each other directly.",
		RunE: run,
	}
	flags := root.Flags()
	flags.StringVarP(&flagHost, "host", "l", "", "bind IP (default: first usable interface)")
	flags.Uint16VarP(&flagPort, "port", "p", 0, "bind port (default: unused ephemeral port)")
	flags.StringVarP(&flagKey, "key", "k", "", "secret key (default: random)")
	flags.BoolVarP(&flagReserve, "reserve", "r", false, "preserve full submitted path of received files")
	flags.StringSliceVarP(&flagProxy, "proxy", "x", nil, "candidate relay IPs to probe")
	flags.BoolVarP(&flagNoProxy, "no-proxy", "X", false, "disable relay discovery entirely")
	flags.StringVarP(&flagMode, "mode", "m", "", "serve mode: normal or proxy (default: normal)")
	flags.BoolVarP(&flagAutoRename, "auto-rename", "a", false, "auto-rename instead of backing up colliding files")
	flags.BoolVarP(&flagSaveConfig, "save-config", "s", false, "persist the resolved config to ~/.config/ncp.toml")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logging.New(flagVerbose)

	cli := config.Config{
		Host:       flagHost,
		Port:       flagPort,
		Key:        flagKey,
		Reserve:    flagReserve,
		Proxy:      flagProxy,
		NoProxy:    flagNoProxy,
		Mode:       config.Mode(flagMode),
		AutoRename: flagAutoRename,
	}
	cfg, err := config.New(cli, "")
	if err != nil {
		return err
	}
	if flagSaveConfig {
		if err := config.Save(cfg); err != nil {
			log.Warn().Err(err).Msg("failed to save config file")
		}
	}
	if cfg.Key == "" {
		cfg.Key = keygen.New(constants.DefaultKeyLength)
	}
	if cfg.Mode == "" {
		cfg.Mode = config.ModeNormal
	}

	for _, f := range args {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("file not found: %s", f)
		}
	}

	ip, port, err := discovery.ChooseBind(cfg.Host, cfg.Port)
	if err != nil {
		return err
	}
	bindAddr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if cfg.Mode == config.ModeProxy {
		if len(args) > 0 {
			log.Warn().Msg("proxy mode active, positional files are ignored")
		}
		return runProxy(bindAddr, sig, log)
	}

	candidates := parseCandidates(cfg.Proxy, log)
	handle := discovery.FindRelay(candidates, cfg.NoProxy, cfg.Key, log)

	if len(args) == 0 {
		return runReceiver(cfg, bindAddr, handle, sig, log)
	}
	return runSender(cfg, args, bindAddr, handle, sig, log)
}

func parseCandidates(raw []string, log zerolog.Logger) []net.IP {
	var ips []net.IP
	for _, h := range raw {
		ip := net.ParseIP(h)
		if ip == nil {
			log.Warn().Str("host", h).Msg("ignoring invalid proxy candidate IP")
			continue
		}
		ips = append(ips, ip)
	}
	return ips
}

func runSender(cfg config.Config, files []string, bindAddr string, handle *discovery.ConsumerHandle, sig chan os.Signal, log zerolog.Logger) error {
	desc, err := sender.BuildDescriptor(files, cfg.Key)
	if err != nil {
		return err
	}
	srv := sender.NewServer(cfg.Key, desc, log)

	go func() {
		<-sig
		srv.Cleanup()
		if handle != nil {
			_ = discovery.EndProxy(handle.ControlAddr, cfg.Key)
		}
		os.Exit(0)
	}()

	if handle != nil {
		fmt.Print(srv.Banner(addrString(handle.PublicAddr)))
		return serveViaRelay(handle, cfg.Key, srv.ServeConn, log)
	}

	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	fmt.Print(srv.Banner(ln.Addr()))
	return acceptLoop(ln, srv.ServeConn, log)
}

func runReceiver(cfg config.Config, bindAddr string, handle *discovery.ConsumerHandle, sig chan os.Signal, log zerolog.Logger) error {
	srv := receiver.NewServer(cfg.Key, cfg.Reserve, cfg.AutoRename, log)

	go func() {
		<-sig
		if handle != nil {
			_ = discovery.EndProxy(handle.ControlAddr, cfg.Key)
		}
		os.Exit(0)
	}()

	if handle != nil {
		fmt.Print(srv.Banner(addrString(handle.PublicAddr)))
		return serveViaRelay(handle, cfg.Key, srv.ServeConn, log)
	}

	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	fmt.Print(srv.Banner(ln.Addr()))
	return acceptLoop(ln, srv.ServeConn, log)
}

func runProxy(bindAddr string, sig chan os.Signal, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	registry := relay.NewRegistry()
	control := &relay.ControlPlane{Registry: registry, PublicAddr: ln.Addr().String(), Log: log}
	data := &relay.DataPlane{Control: control, Log: log}

	controlStop := make(chan struct{})
	go func() {
		if err := control.Run(controlStop); err != nil {
			log.Error().Err(err).Msg("relay control plane stopped")
		}
	}()

	go func() {
		<-sig
		close(controlStop)
		os.Exit(0)
	}()

	log.Info().Str("public", ln.Addr().String()).Msg("relay data plane listening")
	return acceptLoop(ln, data.ServeConn, log)
}

func acceptLoop(ln net.Listener, handle func(net.Conn), log zerolog.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go handle(conn)
	}
}

// serveViaRelay watches a relay-registered control stream for REQUEST
// pushes and dispatches each resulting transport stream to serve.
func serveViaRelay(handle *discovery.ConsumerHandle, key string, serve func(net.Conn), log zerolog.Logger) error {
	return relay.WatchRequests(handle.Control, handle.Reader, handle.ControlAddr, key, serve, log)
}

func addrString(s string) net.Addr {
	return stringAddr(s)
}

// stringAddr adapts a plain "host:port" string to net.Addr for Banner's
// benefit, since the relay only gives back a string, not a net.Addr.
type stringAddr string

func (s stringAddr) Network() string { return "tcp" }
func (s stringAddr) String() string  { return string(s) }
