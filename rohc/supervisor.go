package rohc

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// ServerConfig bundles everything the supervisor needs to run the server
// side of the protocol.
type ServerConfig struct {
	ListenAddr string
	TLSConfig  *tls.Config
	MaxClients int
	Pool       *AddrPool
	Tun        TunDevice
	Raw        RawSocket
	Codec      Codec
	Stats      StatsSink
	Defaults   TunnelParams
	PidFile    string
}

// slot bundles a live session with the bookkeeping the supervisor needs
// to reap it.
type slot struct {
	occupied bool
	sess     *serverSession
}

// Supervisor is the server-only main loop: it accepts new control
// connections, maintains the slot table, reaps dead sessions and serves
// stats-dump requests. Go has no way to select over a runtime-sized set
// of session channels, so liveness reaping polls each occupied slot's
// done-channel non-blockingly on every tick instead of adding it to the
// select set.
type Supervisor struct {
	logger     log.Logger
	baseLogger log.Logger
	debug      bool
	cfg        *ServerConfig
	router     *router

	mu        sync.Mutex
	slots     []slot
	clientsNr int

	listener net.Listener
	acceptCh chan net.Conn

	alive bool
}

func NewSupervisor(logger log.Logger, cfg *ServerConfig) (*Supervisor, error) {
	if cfg.Pool.Width() < cfg.MaxClients {
		return nil, fmt.Errorf("supervisor: max_clients %d exceeds pool width %d", cfg.MaxClients, cfg.Pool.Width())
	}
	if cfg.Stats == nil {
		cfg.Stats = nullStatsSink{}
	}

	sv := &Supervisor{
		logger:     logger,
		baseLogger: logger,
		cfg:        cfg,
		router:     newRouter(logger, cfg.Tun, cfg.Raw, cfg.MaxClients),
		slots:      make([]slot, cfg.MaxClients),
		acceptCh:   make(chan net.Conn, 4),
		alive:      true,
	}
	return sv, nil
}

// Run accepts connections and drives the event loop until a termination
// signal is received. It blocks the calling goroutine.
func (sv *Supervisor) Run() error {
	ln, err := tls.Listen("tcp4", sv.cfg.ListenAddr, sv.cfg.TLSConfig)
	if err != nil {
		return newProtocolError(ErrFatal, "listen %s: %v", sv.cfg.ListenAddr, err)
	}
	sv.listener = ln

	if sv.cfg.PidFile != "" {
		if err := writePidFile(sv.cfg.PidFile); err != nil {
			level.Error(sv.logger).Log("message", "failed to write pidfile", "error", err)
		}
		defer os.Remove(sv.cfg.PidFile)
	}

	sv.router.start()
	go sv.acceptLoop()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP, syscall.SIGPIPE)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(supervisorTick)
	defer ticker.Stop()

	level.Info(sv.logger).Log("message", "server started", "listen", sv.cfg.ListenAddr)

	for sv.alive {
		select {
		case sig := <-sigCh:
			sv.handleSignal(sig)

		case conn, ok := <-sv.acceptCh:
			if !ok {
				// listener gone; a nil channel blocks in select
				sv.acceptCh = nil
				continue
			}
			sv.handleAccept(conn)

		case <-ticker.C:
			sv.reapTick()
		}
	}

	sv.shutdown()
	return nil
}

func (sv *Supervisor) acceptLoop() {
	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			close(sv.acceptCh)
			return
		}
		sv.acceptCh <- conn
	}
}

func (sv *Supervisor) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		level.Info(sv.logger).Log("message", "signal received, shutting down", "priority", "notice", "signal", sig.String())
		sv.alive = false
	case syscall.SIGUSR1:
		sv.dumpStats()
	case syscall.SIGUSR2:
		sv.debug = !sv.debug
		if sv.debug {
			sv.logger = level.NewFilter(sv.baseLogger, level.AllowDebug())
		} else {
			sv.logger = level.NewFilter(sv.baseLogger, level.AllowInfo())
		}
		level.Info(sv.logger).Log("message", "log verbosity toggled", "debug", sv.debug)
	case syscall.SIGHUP, syscall.SIGPIPE:
		// ignored
	}
}

func (sv *Supervisor) handleAccept(conn net.Conn) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		_ = conn.Close()
		return
	}

	sv.mu.Lock()
	if sv.clientsNr >= sv.cfg.MaxClients {
		sv.mu.Unlock()
		_ = conn.Close()
		return
	}
	idx := -1
	for i, s := range sv.slots {
		if !s.occupied {
			idx = i
			break
		}
	}
	if idx < 0 {
		sv.mu.Unlock()
		_ = conn.Close()
		return
	}
	sv.clientsNr++
	sv.mu.Unlock()

	cp := newControlPlane(tlsConn)
	ss := newServerSession(sv.logger, cp, &ServerSessionConfig{
		Defaults: sv.cfg.Defaults,
		Pool:     sv.cfg.Pool,
		Tun:      sv.cfg.Tun,
		Raw:      sv.cfg.Raw,
		Codec:    sv.cfg.Codec,
		Stats:    sv.cfg.Stats,
	}, idx)

	sv.mu.Lock()
	sv.slots[idx] = slot{occupied: true, sess: ss}
	sv.mu.Unlock()

	go func() {
		ss.Run()
		sv.router.registerSession(idx, nil)
	}()
}

// reapTick scans occupied slots for sessions whose done-channel has
// closed, publishing each live CONNECTED session's router-visible state
// along the way so newly negotiated sessions become routable promptly.
func (sv *Supervisor) reapTick() {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	for i, s := range sv.slots {
		if !s.occupied {
			continue
		}
		select {
		case <-s.sess.doneChan:
			if s.sess.assignedAddr != nil {
				sv.router.registerSession(i, nil)
			}
			sv.slots[i] = slot{}
			sv.clientsNr--
			continue
		default:
		}

		if s.sess.getStatus() == statusConnected {
			sv.router.registerSession(i, &routableSession{
				localAddr: s.sess.assignedAddr,
				peerAddr:  s.sess.remoteAddrIP(),
				worker:    s.sess.worker,
			})
		}
	}
}

func (sv *Supervisor) dumpStats() {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	for _, s := range sv.slots {
		if !s.occupied || s.sess.worker == nil {
			continue
		}
		c := s.sess.worker.counters.snapshot()
		sv.cfg.Stats.Observe(s.sess.remoteAddr.String(), c)
		level.Info(sv.logger).Log(
			"message", "stats",
			"peer", s.sess.remoteAddr.String(),
			"compressed", c.CompressTotal,
			"decompressed", c.DecompressTotal)
	}
}

func (sv *Supervisor) shutdown() {
	sv.mu.Lock()
	slots := make([]slot, len(sv.slots))
	copy(slots, sv.slots)
	sv.mu.Unlock()

	for _, s := range slots {
		if s.occupied {
			s.sess.close()
			if s.sess.assignedAddr != nil {
				sv.cfg.Pool.Release(s.sess.assignedAddr)
			}
		}
	}
	sv.router.stop()
	_ = sv.listener.Close()
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
