package rendezvous

import (
	"database/sql"
	"fmt"
	"sync"
)

// SidedMessage is one phase message: an opaque body tagged with its
// author side, a phase label, the server-assigned receive time and a
// client-chosen id echoed back for dedup.
type SidedMessage struct {
	Side     string
	Phase    string
	Body     []byte
	ServerRX float64
	MsgID    string
}

// Listener is the capability pair handed in by the transport for one
// connected client. Send delivers one message; Stop asks the listener to
// terminate. The core invokes these callbacks but never waits on them.
type Listener struct {
	Send func(SidedMessage)
	Stop func()
}

type mailboxRow struct {
	side1     string
	side2     string
	crowded   bool
	started   float64
	second    float64
	hasSecond bool
	firstMood string
}

// Mailbox owns the runtime state of a single (appID, mailboxID) channel:
// the two-sides state machine, the ordered message log and the live
// listener set. Construction is cheap; the durable row is created by the
// owning AppNamespace in OpenMailbox.
type Mailbox struct {
	app   *AppNamespace
	db    *sql.DB
	appID string
	id    string

	mu        sync.Mutex
	listeners map[any]Listener
}

func newMailbox(app *AppNamespace, mailboxID string) *Mailbox {
	return &Mailbox{
		app:       app,
		db:        app.db,
		appID:     app.appID,
		id:        mailboxID,
		listeners: make(map[any]Listener),
	}
}

// ID returns the wire-visible mailbox id.
func (m *Mailbox) ID() string { return m.id }

func (m *Mailbox) fetchRow(tx *sql.Tx) (mailboxRow, bool, error) {
	var row mailboxRow
	var second sql.NullFloat64
	err := tx.QueryRow(
		"SELECT side1, side2, crowded, started, second, first_mood"+
			" FROM mailboxes WHERE app_id = ? AND id = ?",
		m.appID, m.id,
	).Scan(&row.side1, &row.side2, &row.crowded, &row.started, &second, &row.firstMood)
	if err == sql.ErrNoRows {
		return row, false, nil
	}
	if err != nil {
		return row, false, fmt.Errorf("mailbox %s: fetch: %w", m.id, err)
	}
	row.second, row.hasSecond = second.Float64, second.Valid
	return row, true, nil
}

// Open joins side to the mailbox. A third distinct side marks the row
// crowded, commits, and fails with ErrCrowded; the existing pair is left
// untouched. On a second-side join the `second` timestamp is set.
func (m *Mailbox) Open(side string, when float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("mailbox %s: begin: %w", m.id, err)
	}
	defer tx.Rollback()

	row, ok, err := m.fetchRow(tx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mailbox %s: open before row exists", m.id)
	}

	sr, err := addSide(row.side1, row.side2, side)
	if err != nil {
		if _, uerr := tx.Exec(
			"UPDATE mailboxes SET crowded = 1 WHERE app_id = ? AND id = ?",
			m.appID, m.id,
		); uerr != nil {
			return fmt.Errorf("mailbox %s: mark crowded: %w", m.id, uerr)
		}
		if cerr := tx.Commit(); cerr != nil {
			return fmt.Errorf("mailbox %s: commit crowded: %w", m.id, cerr)
		}
		return fmt.Errorf("mailbox %s: %w", m.id, err)
	}
	if sr.changed {
		// `second` is only meaningful when the change fills the pair; a
		// change into a single-side row (possible only if a row was left
		// with zero sides) must not stamp it.
		second := sql.NullFloat64{Float64: when, Valid: sr.side2 != ""}
		if _, err := tx.Exec(
			"UPDATE mailboxes SET side1 = ?, side2 = ?, second = ?"+
				" WHERE app_id = ? AND id = ?",
			sr.side1, sr.side2, second, m.appID, m.id,
		); err != nil {
			return fmt.Errorf("mailbox %s: update sides: %w", m.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mailbox %s: commit open: %w", m.id, err)
	}
	return nil
}

func (m *Mailbox) messagesLocked() ([]SidedMessage, error) {
	rows, err := m.db.Query(
		"SELECT side, phase, body, server_rx, msg_id FROM messages"+
			" WHERE app_id = ? AND mailbox_id = ?"+
			" ORDER BY server_rx ASC, id ASC",
		m.appID, m.id,
	)
	if err != nil {
		return nil, fmt.Errorf("mailbox %s: list messages: %w", m.id, err)
	}
	defer rows.Close()

	var msgs []SidedMessage
	for rows.Next() {
		var sm SidedMessage
		if err := rows.Scan(&sm.Side, &sm.Phase, &sm.Body, &sm.ServerRX, &sm.MsgID); err != nil {
			return nil, fmt.Errorf("mailbox %s: scan message: %w", m.id, err)
		}
		msgs = append(msgs, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mailbox %s: list messages: %w", m.id, err)
	}
	return msgs, nil
}

// AddListener registers the (send, stop) pair under handle, first
// replaying the committed message log through send in server_rx order.
// Replay and registration happen under the same lock as AddMessage: no
// message can fall in the gap between the backlog and future
// broadcasts, and none is delivered twice.
func (m *Mailbox) AddListener(handle any, send func(SidedMessage), stop func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs, err := m.messagesLocked()
	if err != nil {
		return err
	}
	for _, sm := range msgs {
		send(sm)
	}
	m.listeners[handle] = Listener{Send: send, Stop: stop}
	return nil
}

// RemoveListener deregisters handle. Removing an unknown handle is a
// no-op.
func (m *Mailbox) RemoveListener(handle any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, handle)
}

// AddMessage appends sm to the durable log, commits, then fans it out to
// every listener registered at broadcast time (persist-then-broadcast).
func (m *Mailbox) AddMessage(sm SidedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("mailbox %s: begin: %w", m.id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO messages (app_id, mailbox_id, side, phase, body, server_rx, msg_id)"+
			" VALUES (?, ?, ?, ?, ?, ?, ?)",
		m.appID, m.id, sm.Side, sm.Phase, sm.Body, sm.ServerRX, sm.MsgID,
	); err != nil {
		return fmt.Errorf("mailbox %s: insert message: %w", m.id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mailbox %s: commit message: %w", m.id, err)
	}

	m.app.srv.collector.MessageAdded(len(sm.Body))
	for _, l := range m.listeners {
		l.Send(sm)
	}
	return nil
}

// Close removes side from the mailbox. When the last side leaves, the
// mailbox and all its messages are deleted, exactly one usage record is
// emitted, every listener is stopped and the owning namespace forgets
// the mailbox. Otherwise the surviving pair and the first closer's mood
// are persisted.
func (m *Mailbox) Close(side, mood string, when float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("mailbox %s: begin: %w", m.id, err)
	}
	defer tx.Rollback()

	row, ok, err := m.fetchRow(tx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	sr := removeSide(row.side1, row.side2, side)
	switch {
	case sr.empty:
		u, err := m.deleteAndSummarizeLocked(tx, row, mood, when, false)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("mailbox %s: commit close: %w", m.id, err)
		}
		m.finalizeDeleteLocked(u)
	case sr.changed:
		if _, err := tx.Exec(
			"UPDATE mailboxes SET side1 = ?, side2 = ?, first_mood = ?"+
				" WHERE app_id = ? AND id = ?",
			sr.side1, sr.side2, mood, m.appID, m.id,
		); err != nil {
			return fmt.Errorf("mailbox %s: update close: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("mailbox %s: commit close: %w", m.id, err)
		}
	}
	return nil
}

// deleteAndSummarizeLocked emits the usage row and removes the mailbox
// row plus its messages inside tx. The caller commits.
func (m *Mailbox) deleteAndSummarizeLocked(tx *sql.Tx, row mailboxRow, secondMood string, deleteTime float64, pruned bool) (Usage, error) {
	var numSides int
	if err := tx.QueryRow(
		"SELECT COUNT(DISTINCT side) FROM messages WHERE app_id = ? AND mailbox_id = ?",
		m.appID, m.id,
	).Scan(&numSides); err != nil {
		return Usage{}, fmt.Errorf("mailbox %s: count authors: %w", m.id, err)
	}

	u := summarizeMailbox(row, numSides, secondMood, deleteTime, m.app.srv.blurUsage, pruned)
	if err := insertUsage(tx, "mailbox_usage", m.appID, u); err != nil {
		return Usage{}, fmt.Errorf("mailbox %s: %w", m.id, err)
	}

	if _, err := tx.Exec(
		"DELETE FROM mailboxes WHERE app_id = ? AND id = ?", m.appID, m.id,
	); err != nil {
		return Usage{}, fmt.Errorf("mailbox %s: delete row: %w", m.id, err)
	}
	if _, err := tx.Exec(
		"DELETE FROM messages WHERE app_id = ? AND mailbox_id = ?", m.appID, m.id,
	); err != nil {
		return Usage{}, fmt.Errorf("mailbox %s: delete messages: %w", m.id, err)
	}
	return u, nil
}

// finalizeDeleteLocked runs the post-commit half of deletion: boot any
// lingering listeners and detach from the namespace.
func (m *Mailbox) finalizeDeleteLocked(u Usage) {
	for _, l := range m.listeners {
		l.Stop()
	}
	m.listeners = make(map[any]Listener)
	m.app.FreeMailbox(m.id)
	m.app.srv.recordUsage(UsageMailbox, m.appID, u)
}

// delete runs the close-cascade for the prune path: summarize as pruned,
// delete the row and messages, stop listeners.
func (m *Mailbox) delete(deleteTime float64, pruned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("mailbox %s: begin: %w", m.id, err)
	}
	defer tx.Rollback()

	row, ok, err := m.fetchRow(tx)
	if err != nil {
		return err
	}
	var u Usage
	haveUsage := false
	if ok {
		if u, err = m.deleteAndSummarizeLocked(tx, row, "", deleteTime, pruned); err != nil {
			return err
		}
		haveUsage = true
	} else {
		// No mailbox row, but orphaned messages may remain.
		if _, err := tx.Exec(
			"DELETE FROM messages WHERE app_id = ? AND mailbox_id = ?", m.appID, m.id,
		); err != nil {
			return fmt.Errorf("mailbox %s: delete messages: %w", m.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mailbox %s: commit delete: %w", m.id, err)
	}

	if haveUsage {
		m.finalizeDeleteLocked(u)
	} else {
		for _, l := range m.listeners {
			l.Stop()
		}
		m.listeners = make(map[any]Listener)
		m.app.FreeMailbox(m.id)
	}
	return nil
}

// IsIdle reports whether the mailbox has no listeners and no message
// newer than the old horizon.
func (m *Mailbox) IsIdle(old float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.listeners) > 0 {
		return false, nil
	}
	var latest float64
	err := m.db.QueryRow(
		"SELECT server_rx FROM messages WHERE app_id = ? AND mailbox_id = ?"+
			" ORDER BY server_rx DESC LIMIT 1",
		m.appID, m.id,
	).Scan(&latest)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("mailbox %s: latest message: %w", m.id, err)
	}
	return latest < old, nil
}

// Shutdown stops every listener without touching durable state. Used
// when the whole server stops so connected clients terminate promptly.
func (m *Mailbox) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.listeners {
		l.Stop()
	}
}

func insertUsage(tx *sql.Tx, table, appID string, u Usage) error {
	waiting := sql.NullFloat64{Float64: u.WaitingTime, Valid: u.Waited}
	if _, err := tx.Exec(
		"INSERT INTO "+table+" (app_id, started, total_time, waiting_time, result)"+
			" VALUES (?, ?, ?, ?, ?)",
		appID, u.Started, u.TotalTime, waiting, u.Result,
	); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}
