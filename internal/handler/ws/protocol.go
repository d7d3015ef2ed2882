package ws

import (
	"encoding/hex"
	"encoding/json"

	"github.com/0patch/magic-wormhole/internal/rendezvous"
)

// clientFrame is the superset of every frame a client may send. Type
// selects the verb; the remaining fields are populated per verb. ID, if
// present, is echoed in the ack.
type clientFrame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	AppID     string `json:"appid,omitempty"`
	Side      string `json:"side,omitempty"`
	Nameplate string `json:"nameplate,omitempty"`
	Mailbox   string `json:"mailbox,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Body      string `json:"body,omitempty"` // hex
	Mood      string `json:"mood,omitempty"`
	Ping      int    `json:"ping,omitempty"`
}

type nameplateEntry struct {
	ID string `json:"id"`
}

// serverFrame is the superset of every frame the server sends.
type serverFrame struct {
	Type string `json:"type"`

	Welcome    *rendezvous.Welcome `json:"welcome,omitempty"`
	ID         string              `json:"id,omitempty"`
	ServerTX   float64             `json:"server_tx,omitempty"`
	Nameplates []nameplateEntry    `json:"nameplates,omitempty"`
	Nameplate  string              `json:"nameplate,omitempty"`
	Mailbox    string              `json:"mailbox,omitempty"`
	Side       string              `json:"side,omitempty"`
	Phase      string              `json:"phase,omitempty"`
	Body       string              `json:"body,omitempty"` // hex
	ServerRX   float64             `json:"server_rx,omitempty"`
	Pong       int                 `json:"pong,omitempty"`
	Error      string              `json:"error,omitempty"`
	Orig       json.RawMessage     `json:"orig,omitempty"`
}

func welcomeFrame(w rendezvous.Welcome) serverFrame {
	return serverFrame{Type: "welcome", Welcome: &w}
}

func ackFrame(id string, serverTX float64) serverFrame {
	return serverFrame{Type: "ack", ID: id, ServerTX: serverTX}
}

func nameplatesFrame(ids []string) serverFrame {
	entries := make([]nameplateEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, nameplateEntry{ID: id})
	}
	return serverFrame{Type: "nameplates", Nameplates: entries}
}

func allocatedFrame(nameplate string) serverFrame {
	return serverFrame{Type: "allocated", Nameplate: nameplate}
}

func claimedFrame(mailbox string) serverFrame {
	return serverFrame{Type: "claimed", Mailbox: mailbox}
}

func releasedFrame() serverFrame {
	return serverFrame{Type: "released"}
}

func messageFrame(sm rendezvous.SidedMessage) serverFrame {
	return serverFrame{
		Type:     "message",
		Side:     sm.Side,
		Phase:    sm.Phase,
		Body:     hex.EncodeToString(sm.Body),
		ServerRX: sm.ServerRX,
		ID:       sm.MsgID,
	}
}

func closedFrame() serverFrame {
	return serverFrame{Type: "closed"}
}

func pongFrame(ping int) serverFrame {
	return serverFrame{Type: "pong", Pong: ping}
}

func errorFrame(reason string, orig []byte) serverFrame {
	return serverFrame{Type: "error", Error: reason, Orig: json.RawMessage(orig)}
}
