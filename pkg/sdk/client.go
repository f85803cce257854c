package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	callBuffer              = 64
)

// Client is one authenticated protocol connection. It is safe for
// concurrent use.
type Client struct {
	ws     *websocket.Conn
	obs    *observer
	token  string
	userID string

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu    sync.Mutex
	calls map[int64]*call
	err   error

	done      chan struct{}
	closeOnce sync.Once
}

// call receives the frames of one request.
type call struct {
	frames chan frame
	gone   chan struct{}
	once   sync.Once
}

func newCall() *call {
	return &call{frames: make(chan frame, callBuffer), gone: make(chan struct{})}
}

func (cl *call) abandon() { cl.once.Do(func() { close(cl.gone) }) }

// Dial opens a connection to url and performs the handshake. Without
// WithToken or WithAnonymous the connection is unauthenticated.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	cfg := &dialConfig{
		method:           methodUnauthenticated,
		dialer:           websocket.DefaultDialer,
		handshakeTimeout: defaultHandshakeTimeout,
	}
	for _, o := range opts {
		o.apply(cfg)
	}
	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ws, _, err := cfg.dialer.DialContext(ctx, url, cfg.header)
	if err != nil {
		obs.observe("dial", start, err)
		return nil, fmt.Errorf("fusion: dial: %w", err)
	}
	c := &Client{
		ws:    ws,
		obs:   obs,
		calls: make(map[int64]*call),
		done:  make(chan struct{}),
	}
	if err := c.handshake(cfg); err != nil {
		_ = ws.Close()
		obs.observe("dial", start, err)
		return nil, err
	}
	obs.observe("dial", start, nil)
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(cfg *dialConfig) error {
	if err := c.ws.WriteJSON(handshake{Method: cfg.method, Token: cfg.token}); err != nil {
		return fmt.Errorf("fusion: send handshake: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.handshakeTimeout))
	var reply handshakeReply
	if err := c.ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("fusion: read handshake reply: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Time{})
	if reply.Error != "" {
		return &ServerError{RequestID: reply.RequestID, Message: reply.Error}
	}
	c.token, c.userID = reply.Token, reply.UserID
	return nil
}

// Token returns the token issued by an anonymous handshake, if any.
func (c *Client) Token() string { return c.token }

// UserID returns the authenticated user id, empty when unauthenticated.
func (c *Client) UserID() string { return c.userID }

// readLoop routes frames to their calls. A call that is no longer read
// never blocks frames of other requests beyond its buffer.
func (c *Client) readLoop() {
	var err error
	for {
		var f frame
		if err = c.ws.ReadJSON(&f); err != nil {
			break
		}
		c.mu.Lock()
		cl, ok := c.calls[f.RequestID]
		if ok && f.terminal() {
			delete(c.calls, f.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case cl.frames <- f:
		case <-cl.gone:
			continue
		case <-c.done:
		}
		if f.terminal() {
			close(cl.frames)
		}
	}

	c.mu.Lock()
	if c.err == nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			c.err = ErrClosed
		} else {
			c.err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
	}
	calls := c.calls
	c.calls = make(map[int64]*call)
	c.mu.Unlock()
	for _, cl := range calls {
		close(cl.frames)
	}
}

// start registers a new request and sends it.
func (c *Client) start(typ string, options any) (int64, *call, error) {
	id := c.nextID.Add(1)
	cl := newCall()

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, nil, err
	}
	c.calls[id] = cl
	c.mu.Unlock()

	if err := c.send(request{RequestID: id, Type: typ, Options: options}); err != nil {
		c.forget(id)
		return 0, nil, err
	}
	return id, cl, nil
}

func (c *Client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	cl, ok := c.calls[id]
	delete(c.calls, id)
	c.mu.Unlock()
	if ok {
		cl.abandon()
	}
}

// closedErr is returned once a call channel closes without a terminal frame.
func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// collect reads frames of a materialized request up to its terminal frame.
func (c *Client) collect(ctx context.Context, id int64, cl *call) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for {
		select {
		case f, ok := <-cl.frames:
			if !ok {
				return nil, c.closedErr()
			}
			if f.Error != "" {
				return nil, &ServerError{RequestID: id, Message: f.Error}
			}
			out = append(out, f.Data...)
			if f.terminal() {
				return out, nil
			}
		case <-ctx.Done():
			c.forget(id)
			return nil, ctx.Err()
		}
	}
}

// Query runs q once and returns the matching documents.
func (c *Client) Query(ctx context.Context, q Query) (docs []Document, err error) {
	start := time.Now()
	defer func() { c.obs.observe("query", start, err) }()

	id, cl, err := c.start("query", q)
	if err != nil {
		return nil, err
	}
	raw, err := c.collect(ctx, id, cl)
	if err != nil {
		return nil, err
	}
	docs = make([]Document, 0, len(raw))
	for _, r := range raw {
		var d Document
		if err := json.Unmarshal(r, &d); err != nil {
			return nil, fmt.Errorf("fusion: decode document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// Insert adds documents that must not exist yet and returns their ids.
func (c *Client) Insert(ctx context.Context, collection string, docs ...Document) ([]any, error) {
	return c.Write(ctx, "insert", collection, docs...)
}

// Store inserts or overwrites documents.
func (c *Client) Store(ctx context.Context, collection string, docs ...Document) ([]any, error) {
	return c.Write(ctx, "store", collection, docs...)
}

// Replace overwrites existing documents.
func (c *Client) Replace(ctx context.Context, collection string, docs ...Document) ([]any, error) {
	return c.Write(ctx, "replace", collection, docs...)
}

// Update merges fields into existing documents.
func (c *Client) Update(ctx context.Context, collection string, docs ...Document) ([]any, error) {
	return c.Write(ctx, "update", collection, docs...)
}

// Remove deletes documents by id.
func (c *Client) Remove(ctx context.Context, collection string, ids ...any) error {
	docs := make([]Document, len(ids))
	for i, id := range ids {
		docs[i] = Document{"id": id}
	}
	_, err := c.Write(ctx, "remove", collection, docs...)
	return err
}

// Write sends a write request of the given type and returns the ids of the
// written documents in order.
func (c *Client) Write(ctx context.Context, typ, collection string, docs ...Document) (ids []any, err error) {
	start := time.Now()
	defer func() { c.obs.observe(typ, start, err) }()

	if docs == nil {
		docs = []Document{}
	}
	id, cl, err := c.start(typ, writeOptions{Collection: collection, Data: docs})
	if err != nil {
		return nil, err
	}
	raw, err := c.collect(ctx, id, cl)
	if err != nil {
		return nil, err
	}
	ids = make([]any, 0, len(raw))
	for _, r := range raw {
		var d struct {
			ID any `json:"id"`
		}
		if err := json.Unmarshal(r, &d); err != nil {
			return nil, fmt.Errorf("fusion: decode write result: %w", err)
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// Subscribe follows the changes of the documents q selects.
func (c *Client) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	start := time.Now()
	id, cl, err := c.start("subscribe", q)
	c.obs.observe("subscribe", start, err)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		c.forget(id)
		return nil, err
	}
	return &Subscription{c: c, id: id, call: cl}, nil
}

// Subscription is a live changefeed. Next is not safe for concurrent use.
type Subscription struct {
	c    *Client
	id   int64
	call *call

	pending []json.RawMessage
	ended   error
	once    sync.Once
}

// ID returns the request id of the subscription.
func (s *Subscription) ID() int64 { return s.id }

// Next returns the next change. It returns io.EOF once the feed completes
// and a *ServerError if the gateway ends it with an error.
func (s *Subscription) Next(ctx context.Context) (Change, error) {
	for len(s.pending) == 0 {
		if s.ended != nil {
			return Change{}, s.ended
		}
		select {
		case f, ok := <-s.call.frames:
			switch {
			case !ok:
				s.ended = s.c.closedErr()
			case f.Error != "":
				s.ended = &ServerError{RequestID: s.id, Message: f.Error}
			default:
				s.pending = f.Data
				if f.terminal() {
					s.ended = io.EOF
				}
			}
		case <-ctx.Done():
			return Change{}, ctx.Err()
		}
	}
	raw := s.pending[0]
	s.pending = s.pending[1:]
	var change Change
	if err := json.Unmarshal(raw, &change); err != nil {
		return Change{}, fmt.Errorf("fusion: decode change: %w", err)
	}
	return change, nil
}

// Close ends the subscription. The gateway sends no further frames for it.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.c.forget(s.id)
		err = s.c.send(request{RequestID: s.id, Type: "end_subscription"})
		if s.ended == nil {
			s.ended = io.EOF
		}
	})
	return err
}

// Close closes the connection. Pending requests fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = ErrClosed
		}
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		close(c.done)
		err = c.ws.Close()
	})
	return err
}
