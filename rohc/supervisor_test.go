package rohc

import (
	"testing"

	"github.com/go-kit/kit/log"
)

func TestNewSupervisorRejectsOversizedMaxClients(t *testing.T) {
	pool, err := NewAddrPool("192.168.99.0/30", 2) // width 3
	if err != nil {
		t.Fatalf("NewAddrPool: unexpected error: %v", err)
	}
	_, err = NewSupervisor(log.NewNopLogger(), &ServerConfig{Pool: pool, MaxClients: 5})
	if err == nil {
		t.Fatal("expected an error when max_clients exceeds the address pool's width")
	}
}

func TestNewSupervisorAcceptsMaxClientsWithinPool(t *testing.T) {
	pool, err := NewAddrPool("192.168.99.0/24", 254)
	if err != nil {
		t.Fatalf("NewAddrPool: unexpected error: %v", err)
	}
	sv, err := NewSupervisor(log.NewNopLogger(), &ServerConfig{Pool: pool, MaxClients: 10, Tun: nil, Raw: nil})
	if err != nil {
		t.Fatalf("NewSupervisor: unexpected error: %v", err)
	}
	if len(sv.slots) != 10 {
		t.Errorf("got %d slots, want 10", len(sv.slots))
	}
}

func TestSupervisorReapTickFreesClosedSlot(t *testing.T) {
	pool, err := NewAddrPool("192.168.99.0/24", 5)
	if err != nil {
		t.Fatalf("NewAddrPool: unexpected error: %v", err)
	}
	sv, err := NewSupervisor(log.NewNopLogger(), &ServerConfig{Pool: pool, MaxClients: 1})
	if err != nil {
		t.Fatalf("NewSupervisor: unexpected error: %v", err)
	}

	done := make(chan struct{})
	close(done)
	ss := &serverSession{session: session{doneChan: done}}
	sv.slots[0] = slot{occupied: true, sess: ss}
	sv.clientsNr = 1

	sv.reapTick()

	if sv.slots[0].occupied {
		t.Error("expected the slot to be freed once its session's doneChan closed")
	}
	if sv.clientsNr != 0 {
		t.Errorf("got clientsNr %d, want 0", sv.clientsNr)
	}
}

func TestSupervisorReapTickLeavesLiveSlotOccupied(t *testing.T) {
	pool, err := NewAddrPool("192.168.99.0/24", 5)
	if err != nil {
		t.Fatalf("NewAddrPool: unexpected error: %v", err)
	}
	sv, err := NewSupervisor(log.NewNopLogger(), &ServerConfig{Pool: pool, MaxClients: 1})
	if err != nil {
		t.Fatalf("NewSupervisor: unexpected error: %v", err)
	}

	ss := &serverSession{session: session{doneChan: make(chan struct{})}}
	sv.slots[0] = slot{occupied: true, sess: ss}
	sv.clientsNr = 1

	sv.reapTick()

	if !sv.slots[0].occupied {
		t.Error("expected a live session's slot to remain occupied")
	}
	if sv.clientsNr != 1 {
		t.Errorf("got clientsNr %d, want 1", sv.clientsNr)
	}
}
