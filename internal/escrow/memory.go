package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// HoldState is the lifecycle state of a hold kept by MemoryGateway.
type HoldState string

const (
	HoldAuthorized HoldState = "authorized"
	HoldCaptured   HoldState = "captured"
	HoldReleased   HoldState = "released"
)

// Hold is a record kept by MemoryGateway.
type Hold struct {
	ID       string
	Amount   int64
	Currency string
	Metadata Metadata
	State    HoldState
}

// MemoryGateway keeps holds in process.  It is used when no provider keys
// are configured and by tests that need a working gateway.
type MemoryGateway struct {
	mu    sync.Mutex
	holds map[string]*Hold
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{holds: make(map[string]*Hold)}
}

func (g *MemoryGateway) Create(ctx context.Context, amount int64, currency string, metadata Metadata) (string, error) {
	if amount <= 0 || currency == "" {
		return "", ErrInvalidHold
	}
	id := "hold_" + uuid.NewString()
	g.mu.Lock()
	g.holds[id] = &Hold{ID: id, Amount: amount, Currency: currency, Metadata: metadata, State: HoldAuthorized}
	g.mu.Unlock()
	return id, nil
}

// Capture is idempotent for holds that are already captured.
func (g *MemoryGateway) Capture(ctx context.Context, holdID string) error {
	return g.move(holdID, HoldCaptured)
}

// Cancel is idempotent for holds that are already released.
func (g *MemoryGateway) Cancel(ctx context.Context, holdID string) error {
	return g.move(holdID, HoldReleased)
}

func (g *MemoryGateway) move(holdID string, to HoldState) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[holdID]
	if !ok {
		return fmt.Errorf("%w: unknown hold %q", ErrInvalidHold, holdID)
	}
	if h.State == to {
		return nil
	}
	if h.State != HoldAuthorized {
		return fmt.Errorf("hold %s is %s", holdID, h.State)
	}
	h.State = to
	return nil
}

// Lookup returns a copy of the hold with the given id.
func (g *MemoryGateway) Lookup(holdID string) (Hold, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holds[holdID]
	if !ok {
		return Hold{}, false
	}
	return *h, true
}
