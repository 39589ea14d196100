// Package bridge tracks the fleet of media-forwarding bridges and picks
// one per participant. The focus never carries media; it only allocates
// and expires channels on the bridge it selects here.
package bridge

import (
	"context"
	"time"

	"github.com/colloq/focus/internal/v1/xmpp"
)

// Stats is one published statistics report from a bridge.
type Stats struct {
	Stress           float64
	ConferenceCount  int
	Region           string
	Version          string
	GracefulShutdown bool
	Timestamp        time.Time
}

// Info is an immutable snapshot of one registry entry.
type Info struct {
	Address          string
	Region           string
	Version          string
	Operational      bool
	GracefulShutdown bool
	Stress           float64
	ConferenceCount  int
	LastSeen         time.Time
}

// entry is the mutable registry record, guarded by the selector mutex.
type entry struct {
	Info
}

// Prober checks whether a previously failed bridge answers again.
// A nil prober restores the bridge unconditionally after the reset delay.
type Prober interface {
	Probe(ctx context.Context, address string) error
}

// Transport issues control commands (allocate / modify / expire) to a
// bridge and waits for its answer.
type Transport interface {
	Request(ctx context.Context, address string, cmd *xmpp.BridgeConference) (*xmpp.BridgeConference, error)
}
