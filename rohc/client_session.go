package rohc

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// ClientConfig supplies the information a client session needs to dial
// and negotiate with a server.
type ClientConfig struct {
	RemoteAddr     string
	TLSConfig      *tls.Config
	RequestPacking uint8
	Tun            TunDevice
	Raw            RawSocket
	Codec          Codec
	Stats          StatsSink
	UpHook         func(assigned string) error
}

// ClientSession drives the client-side control state machine:
// INIT -> TLS_HANDSHAKE -> SEND_CONNECT -> WAIT_REPLY -> CONNECTED ->
// CLOSED.
type ClientSession struct {
	session
	cfg        *ClientConfig
	fsm        fsm
	recvChan   chan frame
	recvErr    error
	failReason error
	closeReq   chan struct{}
}

func NewClient(logger log.Logger, cfg *ClientConfig) *ClientSession {
	cs := &ClientSession{
		session: session{
			logger:   logger,
			role:     roleClient,
			doneChan: make(chan struct{}),
		},
		cfg:      cfg,
		recvChan: make(chan frame, 4),
		closeReq: make(chan struct{}),
	}
	cs.fsm = fsm{
		current: "init",
		table: []eventDesc{
			{from: "init", events: []string{"open"}, cb: cs.fsmActConnect, to: "wait_reply"},
			{from: "wait_reply", events: []string{"connect_ok"}, cb: cs.fsmActOnConnectOK, to: "connected"},
			{from: "wait_reply", events: []string{"connect_ko", "timeout", "bad_reply", "io_error"}, cb: cs.fsmActOnFail, to: "closed"},
			{from: "connected", events: []string{"disconnect", "keepalive_timeout", "io_error"}, cb: cs.fsmActOnPeerGone, to: "closed"},
			{from: "connected", events: []string{"close"}, cb: cs.fsmActOnLocalClose, to: "closed"},
		},
	}
	return cs
}

// Run dials the server, completes the handshake and drives the session
// until it closes, returning the reason for termination. It blocks the
// calling goroutine.
func (cs *ClientSession) Run() error {
	// Guarantees doneChan is always closed on return, even when the
	// current FSM state has no transition for the triggering event.
	// close() is idempotent with the explicit calls already made from
	// fsm actions.
	defer cs.close()

	if err := cs.handleEvent("open"); err != nil {
		return err
	}
	if cs.failReason != nil {
		return cs.failReason
	}

	go cs.readLoop()

	keepaliveTimer := newTimer(0)
	replyTimer := time.NewTimer(clientReplyTimeout)
	defer replyTimer.Stop()

	statusTick := time.NewTicker(supervisorTick)
	defer statusTick.Stop()

	for {
		select {
		case <-cs.doneChan:
			return cs.failReason

		case <-cs.closeReq:
			if cs.getStatus() == statusConnected {
				cs.handleEvent("close")
			} else {
				cs.close()
			}
			return cs.failReason

		case <-replyTimer.C:
			if cs.getStatus() != statusConnected {
				cs.handleEvent("timeout")
				return cs.failReason
			}

		case f, ok := <-cs.recvChan:
			if !ok {
				if cs.failReason == nil && cs.recvErr != nil {
					cs.failReason = newProtocolError(ErrPeerProtocol, "control channel closed: %v", cs.recvErr)
				}
				cs.handleEvent("io_error")
				return cs.failReason
			}
			cs.touchReceived(time.Now())
			cs.handleControlFrame(f, keepaliveTimer)

		case <-statusTick.C:
			// fall through to the liveness checks below

		case <-keepaliveTimer.C:
			if cs.getStatus() == statusConnected {
				if err := cs.sendFrame(newKeepaliveFrame()); err != nil {
					cs.handleEvent("io_error")
					return cs.failReason
				}
				keepaliveTimer.Reset(keepaliveSendInterval(time.Duration(cs.params.KeepaliveTimeout) * time.Second))
			}
		}

		if cs.getStatus() == statusPendingDelete {
			if cs.fsm.current == "connected" {
				cs.handleEvent("io_error")
			}
			return cs.failReason
		}
		if cs.getStatus() == statusConnected {
			deadline := keepaliveDeadInterval(time.Duration(cs.params.KeepaliveTimeout) * time.Second)
			if cs.silentSince(time.Now()) > deadline {
				cs.handleEvent("keepalive_timeout")
				return cs.failReason
			}
		}
	}
}

// Close requests a clean shutdown of a running session: it is safe to call
// from any goroutine (the signal handler in cmd/rohc-client, in particular)
// since the actual state transition happens on Run's own select loop.
func (cs *ClientSession) Close() {
	select {
	case <-cs.closeReq:
	default:
		close(cs.closeReq)
	}
}

func (cs *ClientSession) handleControlFrame(f frame, keepaliveTimer *time.Timer) {
	switch cs.fsm.current {
	case "wait_reply":
		switch f.op {
		case opConnectOK:
			cs.handleEvent("connect_ok", f)
			keepaliveTimer.Reset(keepaliveSendInterval(time.Duration(cs.params.KeepaliveTimeout) * time.Second))
		case opConnectKO:
			cs.failReason = newProtocolError(ErrResourceExhausted, "connect refused: %s", connectKOReason(f))
			cs.handleEvent("connect_ko")
		default:
			cs.failReason = newProtocolError(ErrPeerProtocol, "unexpected opcode %s while awaiting reply", f.op)
			cs.handleEvent("bad_reply")
		}
	case "connected":
		switch f.op {
		case opKeepalive:
			// liveness already recorded by touchReceived
		case opDisconnect:
			cs.handleEvent("disconnect")
		default:
			level.Error(cs.logger).Log("message", "unexpected opcode while connected", "opcode", f.op.String())
		}
	}
}

func (cs *ClientSession) readLoop() {
	for {
		f, err := readFrame(cs.cp)
		if err != nil {
			cs.recvErr = err
			close(cs.recvChan)
			return
		}
		select {
		case cs.recvChan <- f:
		case <-cs.doneChan:
			return
		}
	}
}

func (cs *ClientSession) handleEvent(ev string, args ...interface{}) error {
	level.Debug(cs.logger).Log("message", "fsm event", "event", ev, "state", cs.fsm.current)
	return cs.fsm.handleEvent(ev, args...)
}

// fsmActConnect performs the TCP+TLS dial and sends CONNECT, per the
// client state diagram's INIT -> TLS_HANDSHAKE -> SEND_CONNECT sequence.
func (cs *ClientSession) fsmActConnect(args []interface{}) {
	cp, err := dialControlPlane(cs.cfg.RemoteAddr, cs.cfg.TLSConfig)
	if err != nil {
		cs.failReason = newProtocolError(ErrAuthFailure, "dial %s: %v", cs.cfg.RemoteAddr, err)
		cs.close()
		return
	}
	if err := cp.handshake(); err != nil {
		_ = cp.close()
		cs.failReason = err
		cs.close()
		return
	}

	cs.cp = cp
	cs.localAddr = cp.LocalAddr()
	cs.remoteAddr = cp.RemoteAddr()

	if err := cs.sendFrame(newConnectFrame(cs.cfg.RequestPacking)); err != nil {
		cs.failReason = err
		cs.close()
	}
}

func (cs *ClientSession) fsmActOnConnectOK(args []interface{}) {
	f := args[0].(frame)
	params, err := parseConnectOKFrame(f)
	if err != nil {
		cs.failReason = newProtocolError(ErrPeerProtocol, "malformed connect_ok: %v", err)
		cs.close()
		return
	}
	cs.params = params
	cs.assignedAddr = params.AssignedAddress[:]
	cs.setStatus(statusConnected)

	w, err := newTunnelWorker(cs.logger, &cs.session, params, cs.cfg.Tun, cs.cfg.Raw, cs.cfg.Codec, cs.cfg.Stats)
	if err != nil {
		cs.failReason = err
		cs.close()
		return
	}
	cs.worker = w
	w.start()

	if cs.cfg.UpHook != nil {
		if err := cs.cfg.UpHook(fmt.Sprintf("%d.%d.%d.%d", params.AssignedAddress[0], params.AssignedAddress[1], params.AssignedAddress[2], params.AssignedAddress[3])); err != nil {
			level.Error(cs.logger).Log("message", "up hook failed", "error", err)
		}
	}
}

func (cs *ClientSession) fsmActOnFail(args []interface{}) {
	cs.close()
}

func (cs *ClientSession) fsmActOnPeerGone(args []interface{}) {
	cs.setStatus(statusPendingDelete)
	cs.close()
}

func (cs *ClientSession) fsmActOnLocalClose(args []interface{}) {
	_ = cs.sendFrame(newDisconnectFrame())
	cs.setStatus(statusPendingDelete)
	cs.close()
}
