package patches

import "context"

// Transport is the narrow client-side contract the sync engine depends
// on (§4.5/§6.2): a JSON-RPC 2.0 method table plus the two
// server-initiated notifications, carried over any byte-string duplex
// channel. The engine owns exactly one Transport; concrete
// implementations (e.g. package jsonrpc, over github.com/gorilla/websocket)
// live outside the core so it never depends on a particular wire.
type Transport interface {
	// Connect establishes the connection. Connect is idempotent while
	// already connected.
	Connect(ctx context.Context) error

	// Close tears down the connection and releases resources.
	Close() error

	// IsConnected reports the transport's last known connection state.
	IsConnected() bool

	// OnConnectionChange registers a listener invoked whenever the
	// transport transitions between connected and disconnected (or
	// error, surfaced as connected=false with a non-nil err delivered
	// separately via OnError).
	OnConnectionChange(fn func(connected bool)) Unsubscribe

	// OnError registers a listener invoked on transport-level failures
	// that do not carry a specific docId (e.g. ParseError).
	OnError(fn func(err error)) Unsubscribe

	// Subscribe requests a stream of changes for the given subscription
	// endpoints (doc ids or, with a subscribeFilter configured, roots),
	// returning the endpoints the server actually accepted.
	Subscribe(ctx context.Context, endpoints []string) ([]string, error)

	// Unsubscribe stops the stream for the given endpoints.
	Unsubscribe(ctx context.Context, endpoints []string) error

	// GetDoc fetches the full current snapshot for id.
	GetDoc(ctx context.Context, id string) (Snapshot, error)

	// GetChangesSince fetches every committed change with Rev > rev.
	GetChangesSince(ctx context.Context, id string, rev int64) ([]Change, error)

	// CommitChanges submits a locally authored batch and returns the
	// server's committed form (possibly transformed), in order.
	CommitChanges(ctx context.Context, id string, changes []Change) ([]Change, error)

	// DeleteDoc requests server-side deletion of id.
	DeleteDoc(ctx context.Context, id string) error

	// OnChangesCommitted registers a listener for the server-initiated
	// changesCommitted notification (another client's changes, or the
	// server's own generated changes).
	OnChangesCommitted(fn func(docID string, changes []Change)) Unsubscribe

	// OnDocDeleted registers a listener for the server-initiated
	// docDeleted notification.
	OnDocDeleted(fn func(docID string)) Unsubscribe
}
