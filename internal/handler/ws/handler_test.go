package ws

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/0patch/magic-wormhole/internal/metrics"
	"github.com/0patch/magic-wormhole/internal/rendezvous"
	"github.com/0patch/magic-wormhole/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T) (*httptest.Server, *rendezvous.Server) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	log := testLogger()
	rv := rendezvous.NewServer(db,
		rendezvous.WithLogger(log),
		rendezvous.WithRandInt(func(n int) int { return 0 }),
		rendezvous.WithWelcome(rendezvous.Welcome{MOTD: "hi"}),
	)
	t.Cleanup(rv.Shutdown)

	srv := httptest.NewServer(NewHandler(log, rv, metrics.Noop{}))
	t.Cleanup(srv.Close)
	return srv, rv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f clientFrame) {
	t.Helper()
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("write %s: %v", f.Type, err)
	}
}

// readFrame returns the next frame, skipping acks.
func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var f serverFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if f.Type == "ack" {
			continue
		}
		return f
	}
}

func expectFrame(t *testing.T, conn *websocket.Conn, frameType string) serverFrame {
	t.Helper()
	f := readFrame(t, conn)
	if f.Type != frameType {
		t.Fatalf("got %s frame %+v, want %s", f.Type, f, frameType)
	}
	return f
}

func bindClient(t *testing.T, srv *httptest.Server, side string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv)
	w := expectFrame(t, conn, "welcome")
	if w.Welcome == nil || w.Welcome.MOTD != "hi" {
		t.Fatalf("welcome = %+v", w.Welcome)
	}
	sendFrame(t, conn, clientFrame{Type: "bind", AppID: "test-app", Side: side})
	return conn
}

func TestFullExchange(t *testing.T) {
	srv, _ := newTestHandler(t)

	alice := bindClient(t, srv, "side-a")
	bob := bindClient(t, srv, "side-b")

	sendFrame(t, alice, clientFrame{Type: "allocate"})
	allocated := expectFrame(t, alice, "allocated")
	if allocated.Nameplate != "1" {
		t.Fatalf("allocated nameplate = %q", allocated.Nameplate)
	}

	sendFrame(t, alice, clientFrame{Type: "claim", Nameplate: "1"})
	claimedA := expectFrame(t, alice, "claimed")
	if len(claimedA.Mailbox) != 13 {
		t.Fatalf("mailbox id = %q", claimedA.Mailbox)
	}

	sendFrame(t, bob, clientFrame{Type: "claim", Nameplate: "1"})
	claimedB := expectFrame(t, bob, "claimed")
	if claimedB.Mailbox != claimedA.Mailbox {
		t.Fatalf("sides disagree on mailbox: %q vs %q", claimedA.Mailbox, claimedB.Mailbox)
	}

	sendFrame(t, alice, clientFrame{Type: "release", Nameplate: "1"})
	expectFrame(t, alice, "released")
	sendFrame(t, bob, clientFrame{Type: "release", Nameplate: "1"})
	expectFrame(t, bob, "released")

	sendFrame(t, alice, clientFrame{Type: "open", Mailbox: claimedA.Mailbox})
	sendFrame(t, bob, clientFrame{Type: "open", Mailbox: claimedB.Mailbox})

	sendFrame(t, alice, clientFrame{Type: "add", ID: "m1", Phase: "pake", Body: "00ff"})

	// Both sides receive the message, the author included.
	for _, conn := range []*websocket.Conn{alice, bob} {
		msg := expectFrame(t, conn, "message")
		if msg.Side != "side-a" || msg.Phase != "pake" || msg.Body != "00ff" {
			t.Fatalf("message = %+v", msg)
		}
		if msg.ID != "m1" {
			t.Fatalf("message id = %q, want m1", msg.ID)
		}
	}

	sendFrame(t, bob, clientFrame{Type: "add", Phase: "version", Body: "a1b2"})
	msg := expectFrame(t, alice, "message")
	if msg.Side != "side-b" || msg.Phase != "version" {
		t.Fatalf("message = %+v", msg)
	}

	sendFrame(t, alice, clientFrame{Type: "close", Mood: "happy"})
	expectFrame(t, alice, "closed")
	// Bob first drains his own echo of the version message.
	expectFrame(t, bob, "message")
	sendFrame(t, bob, clientFrame{Type: "close", Mood: "happy"})
	expectFrame(t, bob, "closed")
}

func TestBacklogReplayOnOpen(t *testing.T) {
	srv, _ := newTestHandler(t)

	alice := bindClient(t, srv, "side-a")
	sendFrame(t, alice, clientFrame{Type: "claim", Nameplate: "5"})
	claimed := expectFrame(t, alice, "claimed")
	sendFrame(t, alice, clientFrame{Type: "open", Mailbox: claimed.Mailbox})
	sendFrame(t, alice, clientFrame{Type: "add", Phase: "pake", Body: "01"})
	sendFrame(t, alice, clientFrame{Type: "add", Phase: "version", Body: "02"})
	expectFrame(t, alice, "message")
	expectFrame(t, alice, "message")

	// A second side opening later replays the backlog in order.
	bob := bindClient(t, srv, "side-b")
	sendFrame(t, bob, clientFrame{Type: "claim", Nameplate: "5"})
	expectFrame(t, bob, "claimed")
	sendFrame(t, bob, clientFrame{Type: "open", Mailbox: claimed.Mailbox})

	first := expectFrame(t, bob, "message")
	second := expectFrame(t, bob, "message")
	if first.Phase != "pake" || second.Phase != "version" {
		t.Fatalf("backlog order = %q then %q", first.Phase, second.Phase)
	}
}

func TestPingPongAndAck(t *testing.T) {
	srv, _ := newTestHandler(t)
	conn := dial(t, srv)
	expectFrame(t, conn, "welcome")

	sendFrame(t, conn, clientFrame{Type: "ping", Ping: 17})
	pong := expectFrame(t, conn, "pong")
	if pong.Pong != 17 {
		t.Fatalf("pong = %d, want 17", pong.Pong)
	}

	// Frames carrying an id are acked before being processed.
	sendFrame(t, conn, clientFrame{Type: "ping", ID: "abc", Ping: 1})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ack serverFrame
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Type != "ack" || ack.ID != "abc" || ack.ServerTX <= 0 {
		t.Fatalf("ack = %+v", ack)
	}
	expectFrame(t, conn, "pong")
}

func TestProtocolErrors(t *testing.T) {
	srv, _ := newTestHandler(t)

	t.Run("verbs before bind", func(t *testing.T) {
		conn := dial(t, srv)
		expectFrame(t, conn, "welcome")
		sendFrame(t, conn, clientFrame{Type: "allocate"})
		f := expectFrame(t, conn, "error")
		if f.Error != "must bind first" {
			t.Fatalf("error = %q", f.Error)
		}
	})

	t.Run("double bind", func(t *testing.T) {
		conn := bindClient(t, srv, "side-a")
		sendFrame(t, conn, clientFrame{Type: "bind", AppID: "other", Side: "side-a"})
		f := expectFrame(t, conn, "error")
		if f.Error != "already bound" {
			t.Fatalf("error = %q", f.Error)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		conn := bindClient(t, srv, "side-a")
		sendFrame(t, conn, clientFrame{Type: "transmogrify"})
		f := expectFrame(t, conn, "error")
		if f.Error != "unknown type" {
			t.Fatalf("error = %q", f.Error)
		}
	})

	t.Run("malformed frame", func(t *testing.T) {
		conn := dial(t, srv)
		expectFrame(t, conn, "welcome")
		if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
			t.Fatal(err)
		}
		f := expectFrame(t, conn, "error")
		if f.Error != "malformed frame" {
			t.Fatalf("error = %q", f.Error)
		}
	})

	t.Run("non-hex body", func(t *testing.T) {
		conn := bindClient(t, srv, "side-a")
		sendFrame(t, conn, clientFrame{Type: "claim", Nameplate: "9"})
		claimed := expectFrame(t, conn, "claimed")
		sendFrame(t, conn, clientFrame{Type: "open", Mailbox: claimed.Mailbox})
		sendFrame(t, conn, clientFrame{Type: "add", Phase: "pake", Body: "zz"})
		f := expectFrame(t, conn, "error")
		if f.Error != "body must be hex" {
			t.Fatalf("error = %q", f.Error)
		}
	})
}

func TestCrowdedMailboxOverWire(t *testing.T) {
	srv, _ := newTestHandler(t)

	a := bindClient(t, srv, "side-a")
	sendFrame(t, a, clientFrame{Type: "claim", Nameplate: "3"})
	claimed := expectFrame(t, a, "claimed")
	sendFrame(t, a, clientFrame{Type: "open", Mailbox: claimed.Mailbox})

	b := bindClient(t, srv, "side-b")
	sendFrame(t, b, clientFrame{Type: "open", Mailbox: claimed.Mailbox})

	c := bindClient(t, srv, "side-c")
	sendFrame(t, c, clientFrame{Type: "open", Mailbox: claimed.Mailbox})
	f := expectFrame(t, c, "error")
	if f.Error != "crowded" {
		t.Fatalf("error = %q, want crowded", f.Error)
	}
}

func TestNameplateExhaustionOverWire(t *testing.T) {
	srv, rv := newTestHandler(t)

	// Claim 1-999 plus 1000, the only id the zero picker's fallback draw
	// can produce.
	app := rv.Get("test-app")
	for n := 1; n <= 1000; n++ {
		if _, err := app.ClaimNameplate(strconv.Itoa(n), "seed", 1); err != nil {
			t.Fatal(err)
		}
	}

	conn := bindClient(t, srv, "side-a")
	sendFrame(t, conn, clientFrame{Type: "allocate"})
	f := expectFrame(t, conn, "error")
	if f.Error != "no nameplates available" {
		t.Fatalf("error = %q, want no nameplates available", f.Error)
	}
}
