/*
The rohc-server command is the central endpoint of the compressed
IP-in-IP tunnel: it accepts control connections from rohc-client
instances, allocates each one a tunnel address out of the configured
range, and relays packets between the shared tun device and the
per-client raw data path.

The server is driven by a configuration file; see package config for
the accepted keys. A pid file is written when configured, and removed
again on clean shutdown. SIGUSR1 dumps per-client statistics to the
log; SIGUSR2 toggles debug verbosity.
*/
package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"net"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/katalix/rohctun/config"
	"github.com/katalix/rohctun/internal/creds"
	"github.com/katalix/rohctun/internal/rtnl"
	"github.com/katalix/rohctun/rohc"
)

const version = "1.0.0"

// serverTunName is the tun device the server multiplexes every client's
// inner traffic over.
const serverTunName = "rohc0"

// tunnelOverhead sizes the tun device below the base device's MTU: the
// outer IPv4 header, the per-packet framing inside a datagram, and
// headroom for a compressed header larger than the original.
const tunnelOverhead = 40

func main() {
	var baseDev, confPath string
	var debug, showVersion bool

	flag.StringVar(&baseDev, "b", "", "name of the underlying network interface")
	flag.StringVar(&baseDev, "basedev", "", "name of the underlying network interface")
	flag.StringVar(&confPath, "c", "/etc/iprohc_server.conf", "path to the configuration file")
	flag.StringVar(&confPath, "conf", "/etc/iprohc_server.conf", "path to the configuration file")
	flag.BoolVar(&debug, "d", false, "enable debug log output")
	flag.BoolVar(&showVersion, "v", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("rohc-server, version %s\n", version)
		os.Exit(0)
	}
	if baseDev == "" {
		stdlog.Println("wrong usage: basedev is mandatory")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadServerFile(confPath)
	if err != nil {
		stdlog.Printf("failed to load configuration: %v", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		stdlog.Printf("invalid configuration: %v", err)
		os.Exit(2)
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	if debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	os.Exit(run(logger, cfg, baseDev))
}

func run(logger log.Logger, cfg *config.ServerConfig, baseDev string) int {
	tlsCfg, err := creds.ServerTLSConfig(cfg.Pkcs12File, "")
	if err != nil {
		level.Error(logger).Log("message", "failed to load credentials", "error", err)
		return 2
	}

	localAddr := net.ParseIP(cfg.LocalAddress)
	if localAddr == nil || localAddr.To4() == nil {
		level.Error(logger).Log("message", "local_address is not an IPv4 address", "address", cfg.LocalAddress)
		return 2
	}

	pool, err := rohc.NewAddrPool(fmt.Sprintf("%s/%d", cfg.LocalAddress, cfg.Prefix), cfg.MaxClients)
	if err != nil {
		level.Error(logger).Log("message", "invalid tunnel address range", "error", err)
		return 2
	}
	if err := pool.ReserveAddr(localAddr); err != nil {
		level.Error(logger).Log("message", "failed to reserve the server tunnel address", "error", err)
		return 2
	}

	nl, err := rtnl.Dial()
	if err != nil {
		level.Error(logger).Log("message", "failed to open netlink", "error", err)
		return 1
	}
	defer nl.Close()

	baseMTU, err := nl.LinkMTU(baseDev)
	if err != nil {
		level.Error(logger).Log("message", "failed to query base device", "device", baseDev, "error", err)
		return 1
	}

	tun, err := rohc.OpenTunDevice(serverTunName)
	if err != nil {
		level.Error(logger).Log("message", "failed to open tun device", "device", serverTunName, "error", err)
		return 1
	}
	defer tun.Close()

	if err := nl.SetLinkUp(serverTunName, baseMTU-tunnelOverhead); err != nil {
		level.Error(logger).Log("message", "failed to bring tun device up", "device", serverTunName, "error", err)
		return 1
	}
	if err := nl.AddAddress(serverTunName, localAddr, cfg.Prefix); err != nil {
		level.Error(logger).Log("message", "failed to set the server tunnel address", "error", err)
		return 1
	}

	raw, err := rohc.NewIPIPRawSocket("")
	if err != nil {
		level.Error(logger).Log("message", "failed to open raw socket", "error", err)
		return 1
	}
	defer raw.Close()

	sv, err := rohc.NewSupervisor(logger, &rohc.ServerConfig{
		ListenAddr: fmt.Sprintf(":%d", cfg.Port),
		TLSConfig:  tlsCfg,
		MaxClients: cfg.MaxClients,
		Pool:       pool,
		Tun:        tun,
		Raw:        raw,
		PidFile:    cfg.PidFile,
		Defaults: rohc.TunnelParams{
			Packing:          cfg.Packing,
			MaxCID:           cfg.MaxCid,
			Unidirectional:   cfg.Unidirectional,
			WindowWidth:      cfg.WindowWidth,
			RefreshInterval:  cfg.RefreshInterval,
			KeepaliveTimeout: cfg.KeepaliveTimeout,
			CodecVersion:     cfg.CodecVersion,
		},
	})
	if err != nil {
		level.Error(logger).Log("message", "failed to create supervisor", "error", err)
		return 2
	}

	if err := sv.Run(); err != nil {
		level.Error(logger).Log("message", "server terminated", "error", err)
		return 1
	}
	return 0
}
