package chi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kailas-cloud/fusion/internal/db/memory"
	"github.com/kailas-cloud/fusion/internal/metadata"
	healthuc "github.com/kailas-cloud/fusion/internal/usecase/health"
	queryuc "github.com/kailas-cloud/fusion/internal/usecase/query"
	writeuc "github.com/kailas-cloud/fusion/internal/usecase/write"
)

// --- Helpers ---

type wireFrame struct {
	RequestID int64            `json:"request_id"`
	Data      []map[string]any `json:"data"`
	State     string           `json:"state"`
	Error     string           `json:"error"`
	Token     string           `json:"token"`
	UserID    string           `json:"user_id"`
}

func newTestServer(t *testing.T, auth *Authenticator, opts Options) (*httptest.Server, *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	store := memory.New(nil)
	reg := metadata.NewRegistry(store, nil, true)
	if err := reg.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	srv := NewServer(
		queryuc.New(reg, store, nil, queryuc.Config{DevMode: true}),
		writeuc.New(reg, store, nil),
		healthuc.New(store, reg),
		auth,
		nil,
		opts,
	)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.CloseConnections()
		ts.Close()
		reg.Close()
		store.Close()
	})
	return ts, srv
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/fusion"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func open(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ws := dial(t, ts)
	send(t, ws, map[string]any{"request_id": 0})
	if f := read(t, ws); f.Error != "" {
		t.Fatalf("handshake failed: %s", f.Error)
	}
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() = %v", err)
	}
}

func read(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f wireFrame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("ReadJSON() = %v", err)
	}
	return f
}

// readUntil reads frames until one for id is terminal and returns the
// collected frames of id.
func readUntil(t *testing.T, ws *websocket.Conn, id int64) []wireFrame {
	t.Helper()
	var out []wireFrame
	for {
		f := read(t, ws)
		if f.RequestID != id {
			continue
		}
		out = append(out, f)
		if f.Error != "" || f.State == "complete" {
			return out
		}
	}
}

// collect reads frames in the background until the connection fails.
func collect(ws *websocket.Conn) <-chan wireFrame {
	ch := make(chan wireFrame, 64)
	go func() {
		defer close(ch)
		for {
			var f wireFrame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			ch <- f
		}
	}()
	return ch
}

// storeOnce writes doc through a fresh connection and waits for the reply.
func storeOnce(t *testing.T, ts *httptest.Server, collection string, doc map[string]any) {
	t.Helper()
	ws := open(t, ts)
	send(t, ws, map[string]any{
		"request_id": 1, "type": "store",
		"options": map[string]any{"collection": collection, "data": doc},
	})
	if f := readUntil(t, ws, 1); f[len(f)-1].Error != "" {
		t.Fatalf("store failed: %+v", f)
	}
	_ = ws.Close()
}

func openAuth() *Authenticator { return NewAuthenticator(nil, false, true) }

// --- Tests ---

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, openAuth(), Options{})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var report healthuc.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Status != healthuc.Healthy || report.Checks["database"] != healthuc.CheckOK {
		t.Errorf("report = %+v", report)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, openAuth(), Options{})

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestHandshake_Unauthenticated(t *testing.T) {
	ts, srv := newTestServer(t, openAuth(), Options{})
	ws := dial(t, ts)

	send(t, ws, map[string]any{"request_id": -1})
	f := read(t, ws)
	if f.RequestID != -1 || f.Error != "" || f.UserID != "" {
		t.Errorf("reply = %+v", f)
	}
	if srv.Connections() != 1 {
		t.Errorf("connections = %d", srv.Connections())
	}
}

func TestHandshake_RejectedClosesConnection(t *testing.T) {
	auth := NewAuthenticator(NewTokenService([]byte("s"), time.Hour), false, false)
	ts, _ := newTestServer(t, auth, Options{})
	ws := dial(t, ts)

	send(t, ws, map[string]any{"request_id": 0, "method": "unauthenticated"})
	f := read(t, ws)
	if f.Error != ErrUnauthenticatedDisabled.Error() {
		t.Errorf("reply = %+v", f)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("expected policy close, got %v", err)
	}
}

func TestHandshake_Anonymous(t *testing.T) {
	auth := NewAuthenticator(NewTokenService([]byte("s"), time.Hour), true, false)
	ts, _ := newTestServer(t, auth, Options{})
	ws := dial(t, ts)

	send(t, ws, map[string]any{"request_id": 0, "method": "anonymous"})
	f := read(t, ws)
	if f.Error != "" || f.Token == "" || f.UserID == "" {
		t.Fatalf("reply = %+v", f)
	}

	ws2 := dial(t, ts)
	send(t, ws2, map[string]any{"request_id": 0, "method": "token", "token": f.Token})
	if g := read(t, ws2); g.UserID != f.UserID {
		t.Errorf("token handshake user = %q, want %q", g.UserID, f.UserID)
	}
}

func TestWriteThenQuery(t *testing.T) {
	ts, _ := newTestServer(t, openAuth(), Options{})
	ws := open(t, ts)

	send(t, ws, map[string]any{
		"request_id": 1, "type": "insert",
		"options": map[string]any{"collection": "people", "data": []any{
			map[string]any{"id": "a", "age": 30},
			map[string]any{"id": "b", "age": 20},
		}},
	})
	frames := readUntil(t, ws, 1)
	if last := frames[len(frames)-1]; last.State != "complete" || len(last.Data) != 2 || last.Data[0]["id"] != "a" {
		t.Fatalf("insert reply = %+v", frames)
	}

	send(t, ws, map[string]any{
		"request_id": 2, "type": "query",
		"options": map[string]any{"collection": "people", "order": []any{[]any{"age"}, "ascending"}},
	})
	frames = readUntil(t, ws, 2)
	last := frames[len(frames)-1]
	if last.Error != "" || len(last.Data) != 2 || last.Data[0]["id"] != "b" {
		t.Fatalf("query reply = %+v", frames)
	}
}

func TestRequestErrors(t *testing.T) {
	ts, _ := newTestServer(t, openAuth(), Options{})
	ws := open(t, ts)

	tests := []struct {
		req  map[string]any
		want string
	}{
		{map[string]any{"request_id": 1, "type": "bogus", "options": map[string]any{}}, "unknown request type"},
		{map[string]any{"request_id": 2, "type": "query"}, `"options" is required`},
		{
			map[string]any{"request_id": 3, "type": "update",
				"options": map[string]any{"collection": "people", "data": map[string]any{"id": "zz"}}},
			"The document with id 'zz' was missing.",
		},
	}
	for _, tt := range tests {
		send(t, ws, tt.req)
		frames := readUntil(t, ws, int64(tt.req["request_id"].(int)))
		if got := frames[len(frames)-1].Error; !strings.Contains(got, tt.want) {
			t.Errorf("request %v: error = %q, want %q", tt.req["request_id"], got, tt.want)
		}
	}
}

func TestMissingRequestIDClosesConnection(t *testing.T) {
	ts, _ := newTestServer(t, openAuth(), Options{})
	ws := open(t, ts)

	send(t, ws, map[string]any{"type": "query"})
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Errorf("expected unsupported-data close, got %v", err)
	}
}

func TestSubscribeAndEnd(t *testing.T) {
	ts, _ := newTestServer(t, openAuth(), Options{})
	ws := open(t, ts)

	send(t, ws, map[string]any{
		"request_id": 1, "type": "store",
		"options": map[string]any{"collection": "people", "data": map[string]any{"id": "a", "v": 0}},
	})
	readUntil(t, ws, 1)

	send(t, ws, map[string]any{
		"request_id": 10, "type": "subscribe",
		"options": map[string]any{"collection": "people", "find": map[string]any{"id": "a"}},
	})

	// The feed is attached asynchronously; keep writing until a change shows up.
	var change wireFrame
	for i := 1; change.RequestID == 0; i++ {
		if i > 50 {
			t.Fatal("no change delivered")
		}
		send(t, ws, map[string]any{
			"request_id": 100 + i, "type": "store",
			"options": map[string]any{"collection": "people", "data": map[string]any{"id": "a", "v": i}},
		})
		for {
			f := read(t, ws)
			if f.RequestID == 10 {
				change = f
			}
			if f.RequestID == int64(100+i) {
				break
			}
		}
	}
	if change.Error != "" || len(change.Data) != 1 || change.Data[0]["new_val"] == nil {
		t.Fatalf("change frame = %+v", change)
	}

	send(t, ws, map[string]any{"request_id": 10, "type": "end_subscription"})
	send(t, ws, map[string]any{
		"request_id": 20, "type": "query",
		"options": map[string]any{"collection": "people"},
	})
	for {
		f := read(t, ws)
		if f.RequestID == 10 && (f.State == "complete" || f.Error != "") {
			t.Fatalf("cancelled subscription produced a terminal frame: %+v", f)
		}
		if f.RequestID == 20 {
			break
		}
	}
}

func TestEndSubscriptionBeforeCursorStarts(t *testing.T) {
	ts, _ := newTestServer(t, openAuth(), Options{})
	ws := open(t, ts)

	// planning creates the collection and the index, so the cursor starts late
	send(t, ws, map[string]any{
		"request_id": 10, "type": "subscribe",
		"options": map[string]any{"collection": "fresh", "order": []any{[]string{"x"}, "ascending"}},
	})
	send(t, ws, map[string]any{"request_id": 10, "type": "end_subscription"})

	var ended []wireFrame
	for i := 0; i < 10; i++ {
		id := int64(100 + i)
		send(t, ws, map[string]any{
			"request_id": id, "type": "store",
			"options": map[string]any{"collection": "fresh", "data": map[string]any{"id": i, "x": i}},
		})
		for {
			f := read(t, ws)
			if f.RequestID == 10 {
				ended = append(ended, f)
			}
			if f.RequestID == id && (f.State == "complete" || f.Error != "") {
				break
			}
		}
	}

	send(t, ws, map[string]any{
		"request_id": 20, "type": "query",
		"options": map[string]any{"collection": "fresh"},
	})
	for {
		f := read(t, ws)
		if f.RequestID == 10 {
			ended = append(ended, f)
		}
		if f.RequestID == 20 {
			break
		}
	}
	if len(ended) != 0 {
		t.Errorf("ended subscription produced %d frames: %+v", len(ended), ended)
	}
}

func TestEndSubscriptionIgnoresRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, openAuth(), Options{RequestsPerSecond: 0.001, Burst: 1})
	ws := open(t, ts)
	frames := collect(ws)

	send(t, ws, map[string]any{
		"request_id": 10, "type": "subscribe",
		"options": map[string]any{"collection": "people", "find": map[string]any{"id": "a"}},
	})

	// other connections have their own budget; write until the feed is attached
	attached := false
	for i := 0; i < 50 && !attached; i++ {
		storeOnce(t, ts, "people", map[string]any{"id": "a", "v": i})
		select {
		case f := <-frames:
			if f.RequestID != 10 || f.Error != "" {
				t.Fatalf("unexpected frame %+v", f)
			}
			attached = true
		case <-time.After(100 * time.Millisecond):
		}
	}
	if !attached {
		t.Fatal("no change delivered")
	}

	// the subscribe used the only token: the query is limited, the end is not
	send(t, ws, map[string]any{"request_id": 10, "type": "end_subscription"})
	send(t, ws, map[string]any{
		"request_id": 20, "type": "query",
		"options": map[string]any{"collection": "people"},
	})
	for f := range frames {
		if f.RequestID == 10 && f.Error != "" {
			t.Fatalf("end_subscription was rate limited: %+v", f)
		}
		if f.RequestID == 20 {
			if f.Error != errRateLimited.Error() {
				t.Fatalf("query = %+v, want rate limited", f)
			}
			break
		}
	}

	storeOnce(t, ts, "people", map[string]any{"id": "a", "v": -1})
	select {
	case f := <-frames:
		t.Errorf("ended subscription produced %+v", f)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, openAuth(), Options{RequestsPerSecond: 0.001, Burst: 1})
	ws := open(t, ts)

	query := func(id int) map[string]any {
		return map[string]any{
			"request_id": id, "type": "query",
			"options": map[string]any{"collection": "people"},
		}
	}
	send(t, ws, query(1))
	if f := readUntil(t, ws, 1); f[len(f)-1].Error != "" {
		t.Fatalf("first request failed: %+v", f)
	}
	send(t, ws, query(2))
	if f := readUntil(t, ws, 2); f[len(f)-1].Error != errRateLimited.Error() {
		t.Errorf("second request = %+v, want rate limited", f)
	}
}
