package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

type recordingHandler struct {
	expired chan models.ActorID
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{expired: make(chan models.ActorID, 8)}
}

func (r *recordingHandler) HandleIntent(ctx context.Context, c *Conn, event string, data json.RawMessage) {
	switch event {
	case "ping":
		c.Send("pong", data)
	case "whoami":
		ident, _ := c.Identity()
		c.Send("identity", ident)
	}
}

func (r *recordingHandler) HandleGraceExpired(ctx context.Context, id models.ActorID) {
	r.expired <- id
}

func newTestHub(grace time.Duration) (*Hub, *recordingHandler) {
	h := NewHub(Options{GracePeriod: grace, Logger: logging.Discard()})
	rh := newRecordingHandler()
	h.SetHandler(rh)
	return h, rh
}

func recv(t *testing.T, c *Conn) Frame {
	t.Helper()
	select {
	case b := <-c.send:
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			t.Fatalf("bad frame %s: %v", b, err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame received")
	}
	return Frame{}
}

func expectNothing(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case b := <-c.send:
		t.Fatalf("unexpected frame %s", b)
	default:
	}
}

func TestEmitReachesEveryDeviceOnce(t *testing.T) {
	h, _ := newTestHub(time.Minute)
	phone, tablet := h.register(nil), h.register(nil)
	driver := models.Identity{ID: "d1", Role: models.RoleDriver}
	if _, err := h.Bind(phone, driver); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Bind(tablet, driver); err != nil {
		t.Fatal(err)
	}
	h.Join(phone, DriverRoom("d1"))

	n := h.deliver("ride-status", []byte(`{"event":"ride-status"}`), []string{UserRoom("d1"), DriverRoom("d1")}, false)
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	recv(t, phone)
	recv(t, tablet)
	expectNothing(t, phone)

	if n := h.deliver("ride-status", []byte(`{}`), []string{UserRoom("nobody")}, false); n != 0 {
		t.Fatalf("empty room should reach nobody, got %d", n)
	}
}

func TestBindKeepsFirstIdentity(t *testing.T) {
	h, _ := newTestHub(time.Minute)
	c := h.register(nil)
	if _, err := h.Bind(c, models.Identity{ID: "p1", Role: models.RolePassenger}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Bind(c, models.Identity{ID: "p1"}); err != nil {
		t.Fatalf("rebinding same id should succeed: %v", err)
	}
	if ident, _ := c.Identity(); ident.Role != models.RolePassenger {
		t.Fatalf("role lost on rebind: %+v", ident)
	}
	if _, err := h.Bind(c, models.Identity{ID: "p2", Role: models.RolePassenger}); !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("expected ErrIdentityMismatch, got %v", err)
	}
	if _, err := h.Bind(c, models.Identity{}); !errors.Is(err, models.ErrEmptyActorID) {
		t.Fatalf("expected ErrEmptyActorID, got %v", err)
	}
}

func TestDisconnectRemovesBindingImmediately(t *testing.T) {
	h, _ := newTestHub(time.Minute)
	c := h.register(nil)
	_, _ = h.Bind(c, models.Identity{ID: "p1", Role: models.RolePassenger})
	h.unregister(c)
	if h.Connections("p1") != 0 {
		t.Fatalf("binding survived disconnect")
	}
	if n := h.deliver("x", []byte(`{}`), []string{UserRoom("p1")}, false); n != 0 {
		t.Fatalf("closed connection still in room")
	}
	if c.Send("x", nil) {
		t.Fatalf("send on closed connection should fail")
	}
}

func TestDriverGraceExpires(t *testing.T) {
	h, rh := newTestHub(20 * time.Millisecond)
	c := h.register(nil)
	_, _ = h.Bind(c, models.Identity{ID: "d1", Role: models.RoleDriver})
	h.unregister(c)
	select {
	case id := <-rh.expired:
		if id != "d1" {
			t.Fatalf("unexpected driver %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("grace period never expired")
	}
}

func TestDriverReconnectWithinGraceCancelsTimer(t *testing.T) {
	h, rh := newTestHub(80 * time.Millisecond)
	first := h.register(nil)
	_, _ = h.Bind(first, models.Identity{ID: "d1", Role: models.RoleDriver})
	h.unregister(first)

	second := h.register(nil)
	resumed, err := h.Bind(second, models.Identity{ID: "d1", Role: models.RoleDriver})
	if err != nil || !resumed {
		t.Fatalf("expected resumed bind, got %v %v", resumed, err)
	}
	select {
	case id := <-rh.expired:
		t.Fatalf("grace fired for %q despite reconnect", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOtherDeviceKeepsDriverPresent(t *testing.T) {
	h, rh := newTestHub(10 * time.Millisecond)
	a, b := h.register(nil), h.register(nil)
	_, _ = h.Bind(a, models.Identity{ID: "d1", Role: models.RoleDriver})
	_, _ = h.Bind(b, models.Identity{ID: "d1", Role: models.RoleDriver})
	h.unregister(a)
	select {
	case <-rh.expired:
		t.Fatalf("grace must not start while another device is connected")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestGraceStartsWhenLastConnectionHadNoRole(t *testing.T) {
	h, rh := newTestHub(20 * time.Millisecond)
	a, b := h.register(nil), h.register(nil)
	_, _ = h.Bind(a, models.Identity{ID: "d1", Role: models.RoleDriver})
	_, _ = h.Bind(b, models.Identity{ID: "d1"})
	h.unregister(a)
	h.unregister(b)
	select {
	case id := <-rh.expired:
		if id != "d1" {
			t.Fatalf("unexpected driver %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("grace never started after the last device closed")
	}
}

func TestGraceStartsWhenRolelessConnectionBoundFirst(t *testing.T) {
	h, rh := newTestHub(20 * time.Millisecond)
	a, b := h.register(nil), h.register(nil)
	_, _ = h.Bind(b, models.Identity{ID: "d1"})
	_, _ = h.Bind(a, models.Identity{ID: "d1", Role: models.RoleDriver})
	h.unregister(a)
	h.unregister(b)
	select {
	case <-rh.expired:
	case <-time.After(time.Second):
		t.Fatalf("grace never started after the last device closed")
	}
}

func TestPassengerDisconnectHasNoGrace(t *testing.T) {
	h, rh := newTestHub(time.Millisecond)
	c := h.register(nil)
	_, _ = h.Bind(c, models.Identity{ID: "p1", Role: models.RolePassenger})
	h.unregister(c)
	select {
	case <-rh.expired:
		t.Fatalf("passengers have no presence")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	h, _ := newTestHub(time.Minute)
	slow, fast := h.register(nil), h.register(nil)
	h.Join(slow, "r")
	h.Join(fast, "r")
	for i := 0; i < sendBuffer; i++ {
		slow.send <- []byte(`{}`)
	}
	if n := h.deliver("x", []byte(`{}`), []string{"r"}, false); n != 1 {
		t.Fatalf("expected only the fast client to be reached, got %d", n)
	}
}

func TestLeaveActor(t *testing.T) {
	h, _ := newTestHub(time.Minute)
	a, b := h.register(nil), h.register(nil)
	for _, c := range []*Conn{a, b} {
		_, _ = h.Bind(c, models.Identity{ID: "d1", Role: models.RoleDriver})
		h.Join(c, DriverRoom("d1"))
	}
	h.LeaveActor("d1", DriverRoom("d1"))
	if n := h.deliver("ride-request", []byte(`{}`), []string{DriverRoom("d1")}, false); n != 0 {
		t.Fatalf("expected driver room empty, reached %d", n)
	}
	if n := h.deliver("x", []byte(`{}`), []string{UserRoom("d1")}, false); n != 2 {
		t.Fatalf("user room should keep both devices, reached %d", n)
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func TestWebsocketRoundTrip(t *testing.T) {
	h, _ := newTestHub(time.Minute)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws := dial(t, srv, "")
	defer ws.Close()

	if err := ws.WriteJSON(Frame{Event: "ping", Data: json.RawMessage(`{"n":1}`)}); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, ws)
	if f.Event != "pong" || string(f.Data) != `{"n":1}` {
		t.Fatalf("unexpected frame %+v", f)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, ws); f.Event != EventError {
		t.Fatalf("expected error event, got %+v", f)
	}
}

func TestVerifiedHandshakeBindsIdentity(t *testing.T) {
	v := auth.NewJWTVerifier("secret")
	h := NewHub(Options{GracePeriod: time.Minute, Verifier: v, Logger: logging.Discard()})
	h.SetHandler(newRecordingHandler())
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 without token, got %v", err)
	}

	tok, _ := v.Issue(models.Identity{ID: "d7", Role: models.RoleDriver}, time.Minute)
	ws := dial(t, srv, "?token="+tok)
	defer ws.Close()
	_ = ws.WriteJSON(Frame{Event: "whoami"})
	f := readFrame(t, ws)
	var ident models.Identity
	_ = json.Unmarshal(f.Data, &ident)
	if ident.ID != "d7" || ident.Role != models.RoleDriver {
		t.Fatalf("unexpected identity %+v", ident)
	}
}
