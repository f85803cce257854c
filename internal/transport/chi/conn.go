package chi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kailas-cloud/fusion/internal/db"
	"github.com/kailas-cloud/fusion/internal/domain"
	"github.com/kailas-cloud/fusion/internal/domain/frame"
	logpkg "github.com/kailas-cloud/fusion/internal/logger"
	"github.com/kailas-cloud/fusion/internal/metrics"
	planner "github.com/kailas-cloud/fusion/internal/query"
	"github.com/kailas-cloud/fusion/internal/stream"
	writeuc "github.com/kailas-cloud/fusion/internal/usecase/write"
)

// conn is one websocket session. Requests run concurrently; writes to the
// socket are serialized.
type conn struct {
	srv      *Server
	ws       *websocket.Conn
	id       string
	limiter  *rate.Limiter
	streamer *stream.Streamer
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex
	userID  string
}

func newConn(srv *Server, ws *websocket.Conn, id string, limiter *rate.Limiter) *conn {
	return &conn{srv: srv, ws: ws, id: id, limiter: limiter}
}

func (c *conn) serve(parent context.Context) {
	c.ctx, c.logger = logpkg.WithConn(context.WithoutCancel(parent), c.srv.logger, c.id)
	c.ctx, c.cancel = context.WithCancel(c.ctx)
	c.streamer = stream.NewStreamer(c.logger)
	defer c.close()

	if err := c.handshake(); err != nil {
		c.logger.Info("handshake rejected", zap.Error(err))
		return
	}
	c.logger.Info("connection opened", zap.String("user_id", c.userID))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		if !c.handle(data) {
			return
		}
	}
}

func (c *conn) handshake() error {
	_ = c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hs Handshake
	if err := c.ws.ReadJSON(&hs); err != nil {
		c.closeWith(websocket.CloseProtocolError, "invalid handshake")
		return err
	}
	_ = c.ws.SetReadDeadline(time.Time{})

	reply, err := c.srv.auth.Authenticate(hs)
	if err != nil {
		_ = c.write(errorReply{RequestID: hs.RequestID, Error: err.Error()})
		c.closeWith(websocket.ClosePolicyViolation, "authentication failed")
		return err
	}
	c.userID = reply.UserID
	return c.write(reply)
}

// handle dispatches one message. It returns false when the connection must
// be dropped.
func (c *conn) handle(data []byte) bool {
	var req request
	if err := json.Unmarshal(data, &req); err != nil || req.RequestID == nil {
		c.closeWith(websocket.CloseUnsupportedData, "request_id is required")
		return false
	}
	id := *req.RequestID

	if req.Type == TypeEndSubscription {
		c.streamer.Cancel(id)
		metrics.ObserveRequest(req.Type, nil)
		return true
	}

	if c.limiter != nil && !c.limiter.Allow() {
		metrics.ObserveRequest(req.Type, errRateLimited)
		_ = c.send(id, frame.Error(errRateLimited))
		return true
	}

	// Claimed here so an end_subscription read right after this message
	// finds the request even while it is still being planned.
	var release func() bool
	if req.Type == TypeSubscribe {
		var err error
		if release, err = c.streamer.Reserve(id); err != nil {
			metrics.ObserveRequest(req.Type, err)
			_ = c.send(id, frame.Error(err))
			return true
		}
	}

	c.wg.Add(1)
	go c.run(id, req, release)
	return true
}

func (c *conn) run(id int64, req request, release func() bool) {
	defer c.wg.Done()
	if release != nil {
		defer release()
	}
	ctx, log := logpkg.WithRequest(c.ctx, id, req.Type)
	defer func() {
		if rvr := recover(); rvr != nil {
			log.Error("panic recovered", zap.Any("panic", rvr), zap.Stack("stacktrace"))
			_ = c.send(id, frame.Error(errors.New("internal error")))
		}
	}()

	start := time.Now()
	var first sync.Once
	send := func(f frame.Frame) error {
		first.Do(func() {
			metrics.RequestDuration.WithLabelValues(req.Type).Observe(time.Since(start).Seconds())
		})
		return c.send(id, f)
	}

	res, err := c.execute(ctx, req)
	switch {
	case err == nil:
		err = c.streamer.Stream(ctx, id, res, send)
		if errors.Is(err, stream.ErrDuplicateRequest) {
			_ = send(frame.Error(err))
		}
	case release != nil && release():
		// ended by the client before it started
	default:
		_ = send(frame.Error(c.clientError(log, err)))
	}
	metrics.ObserveRequest(req.Type, err)
}

func (c *conn) execute(ctx context.Context, req request) (db.Result, error) {
	switch req.Type {
	case TypeQuery, TypeSubscribe:
		opts, err := planner.ParseOptions(req.Options)
		if err != nil {
			return db.Result{}, err
		}
		if req.Type == TypeQuery {
			return c.srv.queries.Query(ctx, opts)
		}
		return c.srv.queries.Subscribe(ctx, opts)
	}

	kind, ok := writeuc.ParseKind(req.Type)
	if !ok {
		return db.Result{}, domain.Validationf("unknown request type %q", req.Type)
	}
	opts, err := writeuc.ParseOptions(req.Options)
	if err != nil {
		return db.Result{}, err
	}
	return c.srv.writes.Write(ctx, kind, opts)
}

func (c *conn) clientError(log *zap.Logger, err error) error {
	msg, ok := clientMessage(err)
	if !ok {
		log.Error("request failed", zap.Error(err))
	} else {
		log.Debug("request failed", zap.Error(err))
	}
	return errors.New(msg)
}

func (c *conn) send(id int64, f frame.Frame) error {
	return c.write(f.ToWire(id))
}

func (c *conn) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if d := c.srv.opts.WriteTimeout; d > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(d))
	}
	return c.ws.WriteJSON(v)
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// shutdown asks the client to go away; the read loop then ends the session.
func (c *conn) shutdown() {
	c.closeWith(websocket.CloseGoingAway, "server shutting down")
	_ = c.ws.Close()
}

func (c *conn) close() {
	c.cancel()
	c.streamer.CancelAll()
	_ = c.ws.Close()
	c.wg.Wait()
	c.logger.Info("connection closed")
}
