// Package jsonrpc is the wire transport patches.Transport depends on: a
// symmetric JSON-RPC 2.0 client over any byte-string duplex channel
// (§4.5/§6.2). Production dials github.com/gorilla/websocket (see
// Dial); tests can supply any Conn, including an in-process pipe.
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"patches"
)

// invalidParamsCode is JSON-RPC 2.0's standard "invalid params" code.
// It is not one of the core package's reserved codes (those are the
// ones a client needs to recognise across both directions); only this
// transport ever inspects raw wire codes.
const invalidParamsCode = -32602

// textMessage matches github.com/gorilla/websocket's TextMessage
// constant; Conn is defined to match *websocket.Conn's signature
// exactly so the concrete type satisfies it with no adapter.
const textMessage = 1

// Conn is the minimal duplex message channel the client frames JSON-RPC
// over. *websocket.Conn satisfies it without a wrapper.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens one underlying Conn. Dial adapts a gorilla/websocket
// URL into this shape; tests can supply their own.
type DialFunc func(ctx context.Context) (Conn, error)

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResult struct {
	Result json.RawMessage
	Err    error
}

type pendingCall struct {
	method string
	ch     chan rpcResult
}

type changesCommittedEvent struct {
	DocID   string
	Changes []patches.Change
}

// Client implements patches.Transport. The zero value is not usable;
// construct with NewClient.
type Client struct {
	dial   DialFunc
	logger *zap.Logger

	mu        sync.Mutex
	conn      Conn
	connected bool
	closed    bool
	nextID    int64
	pending   map[int64]pendingCall
	closeCh   chan struct{}

	connChange       patches.Signal[bool]
	errSig           patches.Signal[error]
	changesCommitted patches.Signal[changesCommittedEvent]
	docDeleted       patches.Signal[string]
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the client's logger (default: zap.NewNop()).
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient constructs a Client that dials via dial on Connect.
func NewClient(dial DialFunc, opts ...Option) *Client {
	c := &Client{
		dial:    dial,
		logger:  zap.NewNop(),
		nextID:  1,
		pending: map[int64]pendingCall{},
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("jsonrpc: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	c.connChange.Emit(true)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	close(c.closeCh)
	c.rejectAllPending(patches.ErrCancelled)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) OnConnectionChange(fn func(connected bool)) patches.Unsubscribe {
	return c.connChange.Subscribe(fn)
}

func (c *Client) OnError(fn func(err error)) patches.Unsubscribe {
	return c.errSig.Subscribe(fn)
}

func (c *Client) OnChangesCommitted(fn func(docID string, changes []patches.Change)) patches.Unsubscribe {
	return c.changesCommitted.Subscribe(func(e changesCommittedEvent) { fn(e.DocID, e.Changes) })
}

func (c *Client) OnDocDeleted(fn func(docID string)) patches.Unsubscribe {
	return c.docDeleted.Subscribe(fn)
}

func (c *Client) Subscribe(ctx context.Context, endpoints []string) ([]string, error) {
	var accepted []string
	err := c.call(ctx, "subscribe", endpoints, &accepted)
	return accepted, err
}

func (c *Client) Unsubscribe(ctx context.Context, endpoints []string) error {
	return c.call(ctx, "unsubscribe", endpoints, nil)
}

func (c *Client) GetDoc(ctx context.Context, id string) (patches.Snapshot, error) {
	var snap patches.Snapshot
	err := c.call(ctx, "getDoc", struct {
		ID string `json:"id"`
	}{ID: id}, &snap)
	return snap, err
}

func (c *Client) GetChangesSince(ctx context.Context, id string, rev int64) ([]patches.Change, error) {
	var changes []patches.Change
	err := c.call(ctx, "getChangesSince", struct {
		ID  string `json:"id"`
		Rev int64  `json:"rev"`
	}{ID: id, Rev: rev}, &changes)
	return changes, err
}

func (c *Client) CommitChanges(ctx context.Context, id string, changes []patches.Change) ([]patches.Change, error) {
	var committed []patches.Change
	err := c.call(ctx, "commitChanges", struct {
		ID      string           `json:"id"`
		Changes []patches.Change `json:"changes"`
	}{ID: id, Changes: changes}, &committed)
	return committed, err
}

func (c *Client) DeleteDoc(ctx context.Context, id string) error {
	return c.call(ctx, "deleteDoc", struct {
		ID string `json:"id"`
	}{ID: id}, nil)
}

// call issues one request and blocks until its response arrives, ctx is
// done, or the client is closed.
func (c *Client) call(ctx context.Context, method string, params, out interface{}) error {
	paramsRaw, err := marshalParams(params)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return patches.ErrNotConnected
	}
	conn := c.conn
	id := c.nextID
	c.nextID++
	ch := make(chan rpcResult, 1)
	c.pending[id] = pendingCall{method: method, ch: ch}
	c.mu.Unlock()

	reqID := id
	data, err := json.Marshal(frame{JSONRPC: "2.0", ID: &reqID, Method: method, Params: paramsRaw})
	if err != nil {
		c.dropPending(id)
		return err
	}
	if err := conn.WriteMessage(textMessage, data); err != nil {
		c.dropPending(id)
		return fmt.Errorf("jsonrpc: write %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		if out != nil && len(res.Result) > 0 {
			if err := json.Unmarshal(res.Result, out); err != nil {
				return fmt.Errorf("jsonrpc: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case <-c.closeCh:
		return patches.ErrCancelled
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func marshalParams(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

func (c *Client) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		c.handleFrame(data)
	}
}

// handleFrame is the recovery policy of §4.5/P7: an unparseable frame
// rejects every pending request with a ParseError and clears pending;
// requests issued afterwards proceed normally.
func (c *Client) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		pe := patches.NewParseError(string(data), err)
		c.rejectAllPending(pe)
		c.errSig.Emit(pe)
		return
	}
	switch {
	case f.ID != nil && f.Method == "":
		c.resolvePending(*f.ID, f)
	case f.Method != "":
		c.dispatchNotification(f)
	default:
		c.logger.Warn("jsonrpc: dropping frame matching neither response nor notification shape")
	}
}

func (c *Client) resolvePending(id int64, f frame) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("jsonrpc: response for unknown id", zap.Int64("id", id))
		return
	}
	if f.Error != nil {
		p.ch <- rpcResult{Err: errorFromRPC(p.method, f.Error)}
		return
	}
	p.ch <- rpcResult{Result: f.Result}
}

func errorFromRPC(method string, e *rpcError) error {
	switch e.Code {
	case patches.CodeMethodNotFound:
		return &patches.MethodNotFoundError{Method: method}
	case invalidParamsCode:
		return &patches.InvalidParamsError{Method: method, Message: e.Message}
	default:
		return &patches.ServerError{Code: e.Code, Message: e.Message, Data: e.Data}
	}
}

func (c *Client) dispatchNotification(f frame) {
	switch f.Method {
	case "changesCommitted":
		var payload struct {
			DocID   string           `json:"docId"`
			Changes []patches.Change `json:"changes"`
		}
		if err := json.Unmarshal(f.Params, &payload); err != nil {
			c.logger.Warn("jsonrpc: malformed changesCommitted params", zap.Error(err))
			return
		}
		c.changesCommitted.Emit(changesCommittedEvent{DocID: payload.DocID, Changes: payload.Changes})
	case "docDeleted":
		var payload struct {
			DocID string `json:"docId"`
		}
		if err := json.Unmarshal(f.Params, &payload); err != nil {
			c.logger.Warn("jsonrpc: malformed docDeleted params", zap.Error(err))
			return
		}
		c.docDeleted.Emit(payload.DocID)
	default:
		c.logger.Warn("jsonrpc: unknown notification method", zap.String("method", f.Method))
	}
}

func (c *Client) rejectAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[int64]pendingCall{}
	c.mu.Unlock()
	for _, p := range pending {
		p.ch <- rpcResult{Err: err}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	lost := fmt.Errorf("%w: %v", patches.ErrConnectionLost, err)
	c.rejectAllPending(lost)
	c.errSig.Emit(lost)
	c.connChange.Emit(false)
}
