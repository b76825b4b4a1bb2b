package isolate

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/cryguy/edgeruntime/internal/bridge"
	"github.com/cryguy/edgeruntime/internal/core"
)

func TestUpgradeWhileBorrowedIsBusy(t *testing.T) {
	set := newStreamSet()
	peer, conn := net.Pipe()
	defer peer.Close()
	st := bridge.NewStream(conn, nil, nil)
	ctx := set.attach(context.Background(), st)

	release, err := set.borrow(ctx)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	other, err := set.borrow(ctx)
	if err != nil {
		t.Fatalf("second borrow: %v", err)
	}
	release()
	if _, err := set.take(ctx); !errors.Is(err, core.ErrResourceBusy) {
		t.Fatalf("take while borrowed: %v", err)
	}
	other()
	got, err := set.take(ctx)
	if err != nil || got != st {
		t.Fatalf("take after release = %v, %v", got, err)
	}
	if _, err := set.borrow(ctx); err == nil {
		t.Error("a taken stream cannot be borrowed again")
	}
	set.detach(st)
}

func TestStreamSetIgnoresPlainConnections(t *testing.T) {
	set := newStreamSet()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	ctx := set.attach(context.Background(), b)
	release, err := set.borrow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	release()
	if s, err := set.take(ctx); s != nil || err != nil {
		t.Errorf("take = %v, %v", s, err)
	}
}

func TestAbortAllEmptiesSet(t *testing.T) {
	set := newStreamSet()
	peer, conn := net.Pipe()
	defer peer.Close()
	ctx := set.attach(context.Background(), bridge.NewStream(conn, nil, nil))
	set.abortAll()
	if set.table.Len() != 0 {
		t.Errorf("len = %d", set.table.Len())
	}
	if s, err := set.take(ctx); s != nil || err != nil {
		t.Errorf("take after abort = %v, %v", s, err)
	}
}
