// Package ws maps the wormhole rendezvous websocket protocol onto the
// core: each connection binds to one (appid, side), drives nameplate
// and mailbox operations, and becomes one mailbox listener whose send
// side is this connection's write pump.
package ws

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/0patch/magic-wormhole/internal/metrics"
	"github.com/0patch/magic-wormhole/internal/rendezvous"
)

// outBuffer bounds the per-connection write queue. A client that cannot
// drain this many frames is considered dead and disconnected.
const outBuffer = 256

// Handler upgrades HTTP requests and runs the rendezvous protocol over
// each resulting websocket.
type Handler struct {
	log       *slog.Logger
	rv        *rendezvous.Server
	collector metrics.Collector
	upgrader  websocket.Upgrader
}

func NewHandler(log *slog.Logger, rv *rendezvous.Server, collector metrics.Collector) *Handler {
	return &Handler{
		log:       log,
		rv:        rv,
		collector: collector,
		upgrader: websocket.Upgrader{
			// Wormhole clients are not browsers; origin checks add nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "error", err)
		return
	}

	h.collector.ConnectionOpened()
	defer h.collector.ConnectionClosed()

	c := &clientConn{
		h:       h,
		ws:      ws,
		id:      uuid.New(),
		out:     make(chan serverFrame, outBuffer),
		stopped: make(chan struct{}),
	}
	if h.rv.LogRequests() {
		h.log.Info("ws opened", "conn_id", c.id, "remote", r.RemoteAddr)
	}
	c.run()
	if h.rv.LogRequests() {
		h.log.Info("ws closed", "conn_id", c.id)
	}
}

// clientConn is the per-connection protocol state machine.
type clientConn struct {
	h  *Handler
	ws *websocket.Conn
	id uuid.UUID

	out      chan serverFrame
	stopOnce sync.Once
	stopped  chan struct{}

	appID   string
	side    string
	bound   bool
	app     *rendezvous.AppNamespace
	mailbox *rendezvous.Mailbox
}

func (c *clientConn) run() {
	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		c.writePump()
	}()

	c.send(welcomeFrame(c.h.rv.Welcome()))

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		c.handleFrame(raw)
	}

	if c.mailbox != nil {
		c.mailbox.RemoveListener(c.id)
		c.mailbox = nil
	}
	c.stop()
	pump.Wait()
}

// writePump is the only goroutine writing to the socket.
func (c *clientConn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case <-c.stopped:
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.out:
			data, err := json.Marshal(frame)
			if err != nil {
				c.h.log.Error("frame marshal failed", "error", err)
				continue
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// send queues one frame. It never blocks: a full queue means the client
// stopped reading, so the connection is torn down instead.
func (c *clientConn) send(frame serverFrame) {
	select {
	case <-c.stopped:
	case c.out <- frame:
	default:
		c.h.log.Warn("slow ws consumer, disconnecting", "conn_id", c.id)
		c.stop()
	}
}

// stop asks the write pump to close the socket, which also unblocks the
// read loop. Safe to call from any goroutine, including core fan-out.
func (c *clientConn) stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

func (c *clientConn) sendError(reason string, orig []byte) {
	c.send(errorFrame(reason, orig))
}

func (c *clientConn) handleFrame(raw []byte) {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.sendError("malformed frame", raw)
		return
	}
	if f.ID != "" {
		c.send(ackFrame(f.ID, c.h.rv.Now()))
	}

	switch f.Type {
	case "ping":
		c.send(pongFrame(f.Ping))
	case "bind":
		c.handleBind(f, raw)
	case "list":
		c.handleList(raw)
	case "allocate":
		c.handleAllocate(raw)
	case "claim":
		c.handleClaim(f, raw)
	case "release":
		c.handleRelease(f, raw)
	case "open":
		c.handleOpen(f, raw)
	case "add":
		c.handleAdd(f, raw)
	case "close":
		c.handleClose(f, raw)
	default:
		c.sendError("unknown type", raw)
	}
}

func (c *clientConn) requireBound(raw []byte) bool {
	if !c.bound {
		c.sendError("must bind first", raw)
		return false
	}
	return true
}

func (c *clientConn) handleBind(f clientFrame, raw []byte) {
	if c.bound {
		c.sendError("already bound", raw)
		return
	}
	if f.AppID == "" || f.Side == "" {
		c.sendError("bind requires appid and side", raw)
		return
	}
	c.appID = f.AppID
	c.side = f.Side
	c.app = c.h.rv.Get(f.AppID)
	c.bound = true
}

func (c *clientConn) handleList(raw []byte) {
	if !c.requireBound(raw) {
		return
	}
	ids, err := c.app.NameplateIDs()
	if err != nil {
		c.coreError(err, raw)
		return
	}
	c.send(nameplatesFrame(ids))
}

func (c *clientConn) handleAllocate(raw []byte) {
	if !c.requireBound(raw) {
		return
	}
	nameplate, err := c.app.AllocateNameplate(c.side, c.h.rv.Now())
	if err != nil {
		c.coreError(err, raw)
		return
	}
	c.send(allocatedFrame(nameplate))
}

func (c *clientConn) handleClaim(f clientFrame, raw []byte) {
	if !c.requireBound(raw) {
		return
	}
	if f.Nameplate == "" {
		c.sendError("claim requires nameplate", raw)
		return
	}
	mailboxID, err := c.app.ClaimNameplate(f.Nameplate, c.side, c.h.rv.Now())
	if err != nil {
		c.coreError(err, raw)
		return
	}
	c.send(claimedFrame(mailboxID))
}

func (c *clientConn) handleRelease(f clientFrame, raw []byte) {
	if !c.requireBound(raw) {
		return
	}
	if f.Nameplate == "" {
		c.sendError("release requires nameplate", raw)
		return
	}
	if err := c.app.ReleaseNameplate(f.Nameplate, c.side, c.h.rv.Now()); err != nil {
		c.coreError(err, raw)
		return
	}
	c.send(releasedFrame())
}

func (c *clientConn) handleOpen(f clientFrame, raw []byte) {
	if !c.requireBound(raw) {
		return
	}
	if c.mailbox != nil {
		c.sendError("already open", raw)
		return
	}
	if f.Mailbox == "" {
		c.sendError("open requires mailbox", raw)
		return
	}
	mb, err := c.app.OpenMailbox(f.Mailbox, c.side, c.h.rv.Now())
	if err != nil {
		c.coreError(err, raw)
		return
	}
	err = mb.AddListener(c.id, func(sm rendezvous.SidedMessage) {
		c.send(messageFrame(sm))
	}, c.stop)
	if err != nil {
		c.coreError(err, raw)
		return
	}
	c.mailbox = mb
}

func (c *clientConn) handleAdd(f clientFrame, raw []byte) {
	if !c.requireBound(raw) {
		return
	}
	if c.mailbox == nil {
		c.sendError("must open mailbox before adding", raw)
		return
	}
	body, err := hex.DecodeString(f.Body)
	if err != nil {
		c.sendError("body must be hex", raw)
		return
	}
	sm := rendezvous.SidedMessage{
		Side:     c.side,
		Phase:    f.Phase,
		Body:     body,
		ServerRX: c.h.rv.Now(),
		MsgID:    f.ID,
	}
	if err := c.mailbox.AddMessage(sm); err != nil {
		c.coreError(err, raw)
	}
}

func (c *clientConn) handleClose(f clientFrame, raw []byte) {
	if !c.requireBound(raw) {
		return
	}
	mb := c.mailbox
	if mb == nil {
		if f.Mailbox == "" {
			c.sendError("close requires an open or named mailbox", raw)
			return
		}
		var err error
		mb, err = c.app.OpenMailbox(f.Mailbox, c.side, c.h.rv.Now())
		if err != nil {
			c.coreError(err, raw)
			return
		}
	}
	if c.mailbox != nil {
		c.mailbox.RemoveListener(c.id)
		c.mailbox = nil
	}
	if err := mb.Close(c.side, f.Mood, c.h.rv.Now()); err != nil {
		c.coreError(err, raw)
		return
	}
	c.send(closedFrame())
}

// coreError maps core errors onto protocol error frames.
func (c *clientConn) coreError(err error, raw []byte) {
	switch {
	case errors.Is(err, rendezvous.ErrCrowded):
		c.sendError("crowded", raw)
	case errors.Is(err, rendezvous.ErrNoNameplate):
		c.sendError("no nameplates available", raw)
	default:
		c.h.log.Error("core operation failed", "conn_id", c.id, "error", err)
		c.sendError("internal error", raw)
	}
}
