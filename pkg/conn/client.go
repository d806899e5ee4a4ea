package conn

import "context"

// Characteristic is an opaque handle to one characteristic exposed by the
// connected peripheral.
type Characteristic interface {
	UUID() string
}

// Client is the peripheral transport capability consumed by a Conn: one
// radio link to one peripheral. Implementations are not reused across
// connect cycles; the supervising loop asks its Dialer for a fresh Client
// on every attempt.
type Client interface {
	// Connect establishes the link. Implementations honor ctx cancellation.
	Connect(ctx context.Context) error
	// Disconnect force-closes the link. Safe to call in any state.
	Disconnect() error
	// IsConnected reports whether the link is currently up.
	IsConnected() bool
	// Characteristic looks up a characteristic by its UUID string,
	// reporting false when the peripheral does not expose it.
	Characteristic(uuid string) (Characteristic, bool)
	// Subscribe enables notifications on ch, delivering every raw frame
	// to h. h may be invoked from transport goroutines.
	Subscribe(ch Characteristic, h func(frame []byte)) error
}

// Dialer mints Clients bound to a peripheral address. onDisconnect is
// invoked by the transport, asynchronously, at most once per connect
// cycle, when the link drops.
type Dialer interface {
	NewClient(addr string, onDisconnect func()) (Client, error)
}
