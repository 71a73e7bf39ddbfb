package socketpool

import (
	"context"
	"testing"
)

func TestListenUDPWithNoOptionsSucceeds(t *testing.T) {
	pool := New("", "", 0, nil)
	conn, err := pool.ListenUDP(context.Background(), KindPhysical, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()
	if conn.LocalAddr() == nil {
		t.Fatal("expected a bound local address")
	}
}

func TestProtectCallbackIsInvoked(t *testing.T) {
	called := false
	protect := func(fd int) error {
		called = true
		return nil
	}
	pool := New("", "", 0, protect)
	conn, err := pool.ListenUDP(context.Background(), KindPhysical, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()
	if !called {
		t.Fatal("expected protect callback to be invoked")
	}
}

func TestSetFwmarkUpdatesAppliedValue(t *testing.T) {
	pool := New("", "", 0, nil)
	pool.SetFwmark(7)
	if pool.fwmark != 7 {
		t.Fatalf("fwmark = %d, want 7", pool.fwmark)
	}
}
