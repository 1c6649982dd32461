/*
The rohc-client command establishes a compressed IP-in-IP tunnel to a
rohc-server instance.

The client dials the server's TLS control port, negotiates the tunnel
parameters, and brings up a local tun device carrying the inner traffic.
The tun device is sized from the base device's MTU so that a full inner
packet plus the outer IP header and packing framing still fits on the
wire.

An optional up script is run once the tunnel is established, receiving
the tun device name and the assigned tunnel address as its arguments.
Typical scripts install routes towards the tunnel.
*/
package main

import (
	"errors"
	"flag"
	"fmt"
	stdlog "log"
	"net"
	"os"
	"os/exec"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/katalix/rohctun/internal/creds"
	"github.com/katalix/rohctun/internal/rtnl"
	"github.com/katalix/rohctun/rohc"
	"golang.org/x/sys/unix"
)

const version = "1.0.0"

// tunnelOverhead is how much smaller than the base device's MTU the tun
// device must be: the outer IPv4 header, the per-packet framing inside a
// datagram, and headroom for a compressed header larger than the
// original.
const tunnelOverhead = 40

// tunnelPrefixLen is the prefix length the assigned tunnel address is
// installed with; the tunnel subnet is provisioned as a /24 in
// deployment.
const tunnelPrefixLen = 24

func main() {
	var remote, baseDev, dev, p12, upPath string
	var port, packing int
	var debug, showVersion bool

	flag.StringVar(&remote, "r", "", "address of the remote server")
	flag.StringVar(&remote, "remote", "", "address of the remote server")
	flag.StringVar(&baseDev, "b", "", "name of the underlying network interface")
	flag.StringVar(&baseDev, "basedev", "", "name of the underlying network interface")
	flag.StringVar(&dev, "i", "", "name of the tun interface to create")
	flag.StringVar(&dev, "dev", "", "name of the tun interface to create")
	flag.StringVar(&p12, "P", "", "path to the PKCS#12 credential container")
	flag.StringVar(&p12, "p12", "", "path to the PKCS#12 credential container")
	flag.IntVar(&port, "p", 3126, "control port of the remote server")
	flag.IntVar(&port, "port", 3126, "control port of the remote server")
	flag.IntVar(&packing, "k", 0, "request a smaller packing factor")
	flag.IntVar(&packing, "packing", 0, "request a smaller packing factor")
	flag.StringVar(&upPath, "u", "", "script to run once the tunnel is up")
	flag.StringVar(&upPath, "up", "", "script to run once the tunnel is up")
	flag.BoolVar(&debug, "d", false, "enable debug log output")
	flag.BoolVar(&debug, "debug", false, "enable debug log output")
	flag.BoolVar(&showVersion, "v", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("rohc-client, version %s\n", version)
		os.Exit(0)
	}
	if remote == "" || baseDev == "" || dev == "" || p12 == "" {
		stdlog.Println("wrong usage: remote, basedev, dev and p12 are mandatory")
		flag.Usage()
		os.Exit(1)
	}
	if packing < 0 || packing > rohc.MaxPacking {
		stdlog.Printf("wrong usage: packing %d out of range", packing)
		os.Exit(1)
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	if debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	os.Exit(run(logger, remote, baseDev, dev, p12, upPath, port, packing))
}

func run(logger log.Logger, remote, baseDev, dev, p12, upPath string, port, packing int) int {
	tlsCfg, err := creds.ClientTLSConfig(p12, "")
	if err != nil {
		level.Error(logger).Log("message", "failed to load credentials", "error", err)
		return 1
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

	tun, err := rohc.OpenTunDevice(dev)
	if err != nil {
		level.Error(logger).Log("message", "failed to open tun device", "device", dev, "error", err)
		return 1
	}
	defer tun.Close()

	if err := nl.SetLinkUp(dev, baseMTU-tunnelOverhead); err != nil {
		level.Error(logger).Log("message", "failed to bring tun device up", "device", dev, "error", err)
		return 1
	}

	raw, err := rohc.NewIPIPRawSocket("")
	if err != nil {
		level.Error(logger).Log("message", "failed to open raw socket", "error", err)
		return 1
	}
	defer raw.Close()

	cs := rohc.NewClient(logger, &rohc.ClientConfig{
		RemoteAddr:     net.JoinHostPort(remote, fmt.Sprintf("%d", port)),
		TLSConfig:      tlsCfg,
		RequestPacking: uint8(packing),
		Tun:            tun,
		Raw:            raw,
		UpHook: func(assigned string) error {
			if err := nl.AddAddress(dev, net.ParseIP(assigned), tunnelPrefixLen); err != nil {
				return err
			}
			if upPath == "" {
				return nil
			}
			return exec.Command(upPath, dev, assigned).Run()
		},
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	go func() {
		<-sigs
		level.Info(logger).Log("message", "received signal, shutting down")
		cs.Close()
	}()

	if err := cs.Run(); err != nil {
		level.Error(logger).Log("message", "tunnel terminated", "error", err)
		var perr *rohc.ProtocolError
		if errors.As(err, &perr) && (perr.Kind == rohc.ErrAuthFailure || perr.Kind == rohc.ErrResourceExhausted) {
			return 2
		}
		return 1
	}
	return 0
}
