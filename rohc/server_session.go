package rohc

import (
	"net"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// ServerSessionConfig bundles the collaborators a server session needs
// once a client connects. Tun, Raw and Codec are the server-wide
// instances shared by every session; the session's worker only writes to
// Tun and Raw, and the router (router.go) does all reads from them.
type ServerSessionConfig struct {
	Defaults TunnelParams
	Pool     *AddrPool
	Tun      TunDevice
	Raw      RawSocket
	Codec    Codec
	Stats    StatsSink
}

// serverSession drives the server-side control state machine:
// ACCEPTED -> TLS_HANDSHAKE -> WAIT_CONNECT -> NEGOTIATE -> CONNECTED ->
// PENDING_DELETE. It accepts a peer-initiated handshake rather than
// dialing one.
type serverSession struct {
	session
	cfg      *ServerSessionConfig
	fsm      fsm
	recvChan chan frame
	slot     int
}

func newServerSession(logger log.Logger, cp *controlPlane, cfg *ServerSessionConfig, slot int) *serverSession {
	ss := &serverSession{
		session: session{
			logger:       log.With(logger, "session_slot", slot),
			role:         roleServer,
			cp:           cp,
			localAddr:    cp.LocalAddr(),
			remoteAddr:   cp.RemoteAddr(),
			doneChan:     make(chan struct{}),
			lastReceived: time.Now(),
		},
		cfg:      cfg,
		recvChan: make(chan frame, 4),
		slot:     slot,
	}
	ss.fsm = fsm{
		current: "wait_connect",
		table: []eventDesc{
			{from: "wait_connect", events: []string{"connect_ok"}, cb: ss.fsmActOnConnectOK, to: "connected"},
			{from: "wait_connect", events: []string{"connect_ko"}, cb: ss.fsmActOnConnectKO, to: "pending_delete"},
			{from: "wait_connect", events: []string{"bad_frame"}, cb: ss.fsmActOnBadFrame, to: "pending_delete"},
			{from: "wait_connect", events: []string{"io_error"}, cb: ss.fsmActOnPeerGone, to: "pending_delete"},
			{from: "connected", events: []string{"disconnect", "keepalive_timeout", "io_error"}, cb: ss.fsmActOnPeerGone, to: "pending_delete"},
			{from: "connected", events: []string{"close"}, cb: ss.fsmActOnLocalClose, to: "pending_delete"},
		},
	}
	return ss
}

// Run verifies the TLS handshake, waits for CONNECT and drives the session
// until it reaches PENDING_DELETE. Like the client's reply timer, the
// server applies a local timeout (clientReplyTimeout) for the initial
// CONNECT, since the session isn't CONNECTED yet and the keepalive
// liveness check only applies once it is.
func (ss *serverSession) Run() {
	// Guarantees the slot is always reapable: every return path reaches
	// this defer even when the current FSM state has no transition for
	// the triggering event. close() is idempotent, so this is harmless on
	// the paths that already call it explicitly from an fsm action.
	defer ss.close()

	if err := ss.cp.handshake(); err != nil {
		level.Error(ss.logger).Log("message", "tls handshake failed", "error", err)
		return
	}

	go ss.readLoop()

	keepaliveTimer := newTimer(0)
	connectTimer := time.NewTimer(clientReplyTimeout)
	defer connectTimer.Stop()

	statusTick := time.NewTicker(supervisorTick)
	defer statusTick.Stop()

	for {
		select {
		case <-ss.doneChan:
			return

		case <-connectTimer.C:
			if ss.getStatus() != statusConnected {
				ss.setStatus(statusPendingDelete)
				ss.close()
				return
			}

		case f, ok := <-ss.recvChan:
			if !ok {
				ss.handleEvent("io_error")
				return
			}
			ss.touchReceived(time.Now())
			if ss.handleControlFrame(f) {
				keepaliveTimer.Reset(keepaliveSendInterval(time.Duration(ss.params.KeepaliveTimeout) * time.Second))
			}

		case <-keepaliveTimer.C:
			if ss.getStatus() == statusConnected {
				if err := ss.sendFrame(newKeepaliveFrame()); err != nil {
					ss.handleEvent("io_error")
					return
				}
				keepaliveTimer.Reset(keepaliveSendInterval(time.Duration(ss.params.KeepaliveTimeout) * time.Second))
			}

		case <-statusTick.C:
			// fall through to the liveness checks below
		}

		if ss.getStatus() == statusConnected {
			deadline := keepaliveDeadInterval(time.Duration(ss.params.KeepaliveTimeout) * time.Second)
			if ss.silentSince(time.Now()) > deadline {
				ss.handleEvent("keepalive_timeout")
				return
			}
		}

		if ss.getStatus() == statusPendingDelete {
			if ss.fsm.current == "connected" {
				ss.handleEvent("io_error")
			}
			return
		}
	}
}

// handleControlFrame processes one frame according to the session's
// current state and returns true if a keepalive timer (re)start is needed.
func (ss *serverSession) handleControlFrame(f frame) bool {
	switch ss.fsm.current {
	case "wait_connect":
		if f.op != opConnect {
			ss.handleEvent("bad_frame")
			return false
		}
		requested, err := connectRequestedPacking(f)
		if err != nil {
			ss.handleEvent("bad_frame")
			return false
		}
		params, addr, ok := ss.negotiate(requested)
		if !ok {
			ss.params = params
			ss.handleEvent("connect_ko")
			return false
		}
		ss.params = params
		ss.assignedAddr = addr
		ss.handleEvent("connect_ok", params)
		return true

	case "connected":
		switch f.op {
		case opKeepalive:
		case opDisconnect:
			ss.handleEvent("disconnect")
		default:
			level.Error(ss.logger).Log("message", "unexpected opcode while connected", "opcode", f.op.String())
		}
	}
	return false
}

// negotiate clamps the server's packing factor to the client's request
// and reserves a tunnel address from the pool. ok=false means the session
// must be refused (currently only "pool exhausted"); the reason text is
// carried back via the CONNECT_KO frame built in fsmActOnConnectKO.
func (ss *serverSession) negotiate(requestedPacking uint8) (params TunnelParams, addr net.IP, ok bool) {
	params = ss.cfg.Defaults
	if requestedPacking != 0 && requestedPacking < params.Packing {
		params.Packing = requestedPacking
	}

	reserved, got := ss.cfg.Pool.Reserve()
	if !got {
		return params, nil, false
	}
	copy(params.AssignedAddress[:], reserved.To4())
	return params, reserved, true
}

func (ss *serverSession) readLoop() {
	for {
		f, err := readFrame(ss.cp)
		if err != nil {
			close(ss.recvChan)
			return
		}
		select {
		case ss.recvChan <- f:
		case <-ss.doneChan:
			return
		}
	}
}

func (ss *serverSession) handleEvent(ev string, args ...interface{}) {
	level.Debug(ss.logger).Log("message", "fsm event", "event", ev, "state", ss.fsm.current)
	if err := ss.fsm.handleEvent(ev, args...); err != nil {
		level.Error(ss.logger).Log("message", "fsm error", "error", err)
	}
}

func (ss *serverSession) fsmActOnConnectOK(args []interface{}) {
	params := args[0].(TunnelParams)
	if err := ss.sendFrame(newConnectOKFrame(params)); err != nil {
		level.Error(ss.logger).Log("message", "failed to send connect_ok", "error", err)
		ss.cfg.Pool.Release(ss.assignedAddr)
		ss.setStatus(statusPendingDelete)
		ss.close()
		return
	}
	ss.setStatus(statusConnected)

	w, err := newTunnelWorker(ss.logger, &ss.session, params, ss.cfg.Tun, ss.cfg.Raw, ss.cfg.Codec, ss.cfg.Stats)
	if err != nil {
		level.Error(ss.logger).Log("message", "failed to start worker", "error", err)
		ss.cfg.Pool.Release(ss.assignedAddr)
		ss.setStatus(statusPendingDelete)
		ss.close()
		return
	}
	ss.worker = w
	w.start()
}

func (ss *serverSession) fsmActOnConnectKO(args []interface{}) {
	_ = ss.sendFrame(newConnectKOFrame("no address available"))
	ss.setStatus(statusPendingDelete)
	ss.close()
}

func (ss *serverSession) fsmActOnBadFrame(args []interface{}) {
	_ = ss.sendFrame(newConnectKOFrame("protocol error"))
	ss.setStatus(statusPendingDelete)
	ss.close()
}

func (ss *serverSession) fsmActOnPeerGone(args []interface{}) {
	if ss.assignedAddr != nil {
		ss.cfg.Pool.Release(ss.assignedAddr)
	}
	ss.setStatus(statusPendingDelete)
	ss.close()
}

func (ss *serverSession) fsmActOnLocalClose(args []interface{}) {
	_ = ss.sendFrame(newDisconnectFrame())
	if ss.assignedAddr != nil {
		ss.cfg.Pool.Release(ss.assignedAddr)
	}
	ss.setStatus(statusPendingDelete)
	ss.close()
}
