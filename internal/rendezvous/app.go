package rendezvous

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
)

type nameplateRow struct {
	id        string
	mailboxID string
	side1     string
	side2     string
	crowded   bool
	updated   float64
	started   float64
	second    float64
	hasSecond bool
}

// AppNamespace owns all rendezvous state for one app_id: the nameplate
// lifecycle and the cache of live Mailboxes. It is constructed lazily by
// the Server on first reference.
type AppNamespace struct {
	srv   *Server
	db    *sql.DB
	appID string
	log   *slog.Logger

	// mu serializes nameplate allocation and mailbox creation and guards
	// the live-mailbox map. It is never held while a Mailbox's own lock
	// is taken.
	mu        sync.Mutex
	mailboxes map[string]*Mailbox
}

func newAppNamespace(srv *Server, appID string) *AppNamespace {
	return &AppNamespace{
		srv:       srv,
		db:        srv.db,
		appID:     appID,
		log:       srv.log.With("app_id", appID),
		mailboxes: make(map[string]*Mailbox),
	}
}

// AppID returns the namespace's app id.
func (a *AppNamespace) AppID() string { return a.appID }

// NameplateIDs returns every nameplate id currently claimed in this
// namespace, sorted for stable output.
func (a *AppNamespace) NameplateIDs() ([]string, error) {
	rows, err := a.db.Query(
		"SELECT DISTINCT id FROM nameplates WHERE app_id = ?", a.appID,
	)
	if err != nil {
		return nil, fmt.Errorf("app %s: nameplate ids: %w", a.appID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("app %s: scan nameplate id: %w", a.appID, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("app %s: nameplate ids: %w", a.appID, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// findAvailableNameplateID picks a fresh id: the shortest decimal size
// (1..3 digits) with a free slot, chosen uniformly at random; falling
// back to up to 1000 random 4-6 digit draws before giving up.
func (a *AppNamespace) findAvailableNameplateID() (string, error) {
	ids, err := a.NameplateIDs()
	if err != nil {
		return "", err
	}
	claimed := make(map[string]bool, len(ids))
	for _, id := range ids {
		claimed[id] = true
	}

	for size := 1; size <= 3; size++ {
		low, high := 1, 10
		for i := 1; i < size; i++ {
			low *= 10
			high *= 10
		}
		var available []string
		for n := low; n < high; n++ {
			if id := strconv.Itoa(n); !claimed[id] {
				available = append(available, id)
			}
		}
		if len(available) > 0 {
			return available[a.srv.randInt(len(available))], nil
		}
	}

	// All of 1..999 is claimed; try random 4-6 digit ids for a while.
	for tries := 0; tries < 1000; tries++ {
		id := strconv.Itoa(1000 + a.srv.randInt(1000*1000-1000))
		if !claimed[id] {
			return id, nil
		}
	}
	return "", fmt.Errorf("app %s: %w", a.appID, ErrNoNameplate)
}

// AllocateNameplate chooses a fresh nameplate id and immediately claims
// it for side. The caller learns the mailbox id from a later claim.
// Find-then-claim runs under the namespace lock so concurrent
// allocations cannot be handed the same id.
func (a *AppNamespace) AllocateNameplate(side string, when float64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nameplateID, err := a.findAvailableNameplateID()
	if err != nil {
		return "", err
	}
	if _, err := a.ClaimNameplate(nameplateID, side, when); err != nil {
		return "", err
	}
	return nameplateID, nil
}

func fetchNameplate(tx *sql.Tx, appID, nameplateID string) (nameplateRow, bool, error) {
	row := nameplateRow{id: nameplateID}
	var second sql.NullFloat64
	err := tx.QueryRow(
		"SELECT mailbox_id, side1, side2, crowded, updated, started, second"+
			" FROM nameplates WHERE app_id = ? AND id = ?",
		appID, nameplateID,
	).Scan(&row.mailboxID, &row.side1, &row.side2, &row.crowded, &row.updated, &row.started, &second)
	if err == sql.ErrNoRows {
		return row, false, nil
	}
	if err != nil {
		return row, false, fmt.Errorf("nameplate %s: fetch: %w", nameplateID, err)
	}
	row.second, row.hasSecond = second.Float64, second.Valid
	return row, true, nil
}

// ClaimNameplate claims nameplateID for side, creating the row (and
// generating its mailbox id) on first claim. Claims are idempotent per
// (id, side); a third side marks the row crowded, commits, and fails
// with ErrCrowded. The mailbox id is returned in every successful case;
// the mailbox row itself is not created here.
func (a *AppNamespace) ClaimNameplate(nameplateID, side string, when float64) (string, error) {
	tx, err := a.db.Begin()
	if err != nil {
		return "", fmt.Errorf("app %s: begin: %w", a.appID, err)
	}
	defer tx.Rollback()

	row, ok, err := fetchNameplate(tx, a.appID, nameplateID)
	if err != nil {
		return "", err
	}

	var mailboxID string
	if ok {
		mailboxID = row.mailboxID
		sr, err := addSide(row.side1, row.side2, side)
		if err != nil {
			if _, uerr := tx.Exec(
				"UPDATE nameplates SET crowded = 1 WHERE app_id = ? AND id = ?",
				a.appID, nameplateID,
			); uerr != nil {
				return "", fmt.Errorf("nameplate %s: mark crowded: %w", nameplateID, uerr)
			}
			if cerr := tx.Commit(); cerr != nil {
				return "", fmt.Errorf("nameplate %s: commit crowded: %w", nameplateID, cerr)
			}
			return "", fmt.Errorf("nameplate %s: %w", nameplateID, err)
		}
		if sr.changed {
			if _, err := tx.Exec(
				"UPDATE nameplates SET side1 = ?, side2 = ?, updated = ?, second = ?"+
					" WHERE app_id = ? AND id = ?",
				sr.side1, sr.side2, when, when, a.appID, nameplateID,
			); err != nil {
				return "", fmt.Errorf("nameplate %s: update: %w", nameplateID, err)
			}
		} else {
			// A repeat claim by a present side still counts as activity.
			if _, err := tx.Exec(
				"UPDATE nameplates SET updated = ? WHERE app_id = ? AND id = ?",
				when, a.appID, nameplateID,
			); err != nil {
				return "", fmt.Errorf("nameplate %s: touch: %w", nameplateID, err)
			}
		}
	} else {
		if a.srv.logRequests {
			a.log.Info("creating nameplate", "nameplate", nameplateID)
		}
		mailboxID = generateMailboxID()
		if _, err := tx.Exec(
			"INSERT INTO nameplates (app_id, id, mailbox_id, side1, crowded, updated, started)"+
				" VALUES (?, ?, ?, ?, 0, ?, ?)",
			a.appID, nameplateID, mailboxID, side, when, when,
		); err != nil {
			return "", fmt.Errorf("nameplate %s: insert: %w", nameplateID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("nameplate %s: commit claim: %w", nameplateID, err)
	}
	a.srv.collector.NameplateClaimed()
	return mailboxID, nil
}

// ReleaseNameplate removes side's claim. Releasing an absent row or side
// is a no-op. When the last side releases, the row is deleted and a
// usage record emitted.
func (a *AppNamespace) ReleaseNameplate(nameplateID, side string, when float64) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("app %s: begin: %w", a.appID, err)
	}
	defer tx.Rollback()

	row, ok, err := fetchNameplate(tx, a.appID, nameplateID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	sr := removeSide(row.side1, row.side2, side)
	switch {
	case sr.empty:
		if _, err := tx.Exec(
			"DELETE FROM nameplates WHERE app_id = ? AND id = ?",
			a.appID, nameplateID,
		); err != nil {
			return fmt.Errorf("nameplate %s: delete: %w", nameplateID, err)
		}
		u := summarizeNameplate(row, when, a.srv.blurUsage, false)
		if err := insertUsage(tx, "nameplate_usage", a.appID, u); err != nil {
			return fmt.Errorf("nameplate %s: %w", nameplateID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("nameplate %s: commit release: %w", nameplateID, err)
		}
		a.srv.recordUsage(UsageNameplate, a.appID, u)
	case sr.changed:
		if _, err := tx.Exec(
			"UPDATE nameplates SET side1 = ?, side2 = ?, updated = ?"+
				" WHERE app_id = ? AND id = ?",
			sr.side1, sr.side2, when, a.appID, nameplateID,
		); err != nil {
			return fmt.Errorf("nameplate %s: update release: %w", nameplateID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("nameplate %s: commit release: %w", nameplateID, err)
		}
	}
	return nil
}

// OpenMailbox returns the live Mailbox for mailboxID, creating the
// durable row and the in-memory object on first open, then joins side.
// Row creation and the map insert happen under the namespace lock: a
// concurrent second opener cannot observe the live object before its
// row is committed.
func (a *AppNamespace) OpenMailbox(mailboxID, side string, when float64) (*Mailbox, error) {
	a.mu.Lock()
	mb, live := a.mailboxes[mailboxID]
	if !live {
		if a.srv.logRequests {
			a.log.Info("spawning mailbox", "mailbox", mailboxID)
		}
		if err := a.ensureMailboxRow(mailboxID, side, when); err != nil {
			a.mu.Unlock()
			return nil, err
		}
		mb = newMailbox(a, mailboxID)
		a.mailboxes[mailboxID] = mb
	}
	a.mu.Unlock()

	if err := mb.Open(side, when); err != nil {
		return nil, err
	}
	a.srv.collector.MailboxOpened()
	return mb, nil
}

// ensureMailboxRow creates the mailbox row if it does not already
// exist. The row may predate the live object after a restart.
func (a *AppNamespace) ensureMailboxRow(mailboxID, side string, when float64) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("app %s: begin: %w", a.appID, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(
		"SELECT 1 FROM mailboxes WHERE app_id = ? AND id = ?", a.appID, mailboxID,
	).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(
			"INSERT INTO mailboxes (app_id, id, side1, crowded, started)"+
				" VALUES (?, ?, ?, 0, ?)",
			a.appID, mailboxID, side, when,
		); err != nil {
			return fmt.Errorf("mailbox %s: insert: %w", mailboxID, err)
		}
	case err != nil:
		return fmt.Errorf("mailbox %s: probe: %w", mailboxID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mailbox %s: commit insert: %w", mailboxID, err)
	}
	return nil
}

// FreeMailbox drops the in-memory entry for mailboxID. Called by a
// Mailbox at the end of its own teardown.
func (a *AppNamespace) FreeMailbox(mailboxID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.mailboxes, mailboxID)
}

// PruneNameplates deletes every nameplate not updated since old,
// emitting a pruned usage record for each, and returns how many
// nameplate rows remain in this namespace.
func (a *AppNamespace) PruneNameplates(old float64) (int, error) {
	now := a.srv.now()

	tx, err := a.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("app %s: begin: %w", a.appID, err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		"SELECT id, mailbox_id, side1, side2, crowded, updated, started, second"+
			" FROM nameplates WHERE app_id = ? AND updated < ?",
		a.appID, old,
	)
	if err != nil {
		return 0, fmt.Errorf("app %s: stale nameplates: %w", a.appID, err)
	}
	var stale []nameplateRow
	for rows.Next() {
		var row nameplateRow
		var second sql.NullFloat64
		if err := rows.Scan(&row.id, &row.mailboxID, &row.side1, &row.side2,
			&row.crowded, &row.updated, &row.started, &second); err != nil {
			rows.Close()
			return 0, fmt.Errorf("app %s: scan nameplate: %w", a.appID, err)
		}
		row.second, row.hasSecond = second.Float64, second.Valid
		stale = append(stale, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("app %s: stale nameplates: %w", a.appID, err)
	}

	var usages []Usage
	for _, row := range stale {
		a.log.Info("pruning nameplate", "nameplate", row.id)
		if _, err := tx.Exec(
			"DELETE FROM nameplates WHERE app_id = ? AND id = ?", a.appID, row.id,
		); err != nil {
			return 0, fmt.Errorf("nameplate %s: prune delete: %w", row.id, err)
		}
		u := summarizeNameplate(row, now, a.srv.blurUsage, true)
		if err := insertUsage(tx, "nameplate_usage", a.appID, u); err != nil {
			return 0, fmt.Errorf("nameplate %s: %w", row.id, err)
		}
		usages = append(usages, u)
	}

	var remaining int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM nameplates WHERE app_id = ?", a.appID,
	).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("app %s: count nameplates: %w", a.appID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("app %s: commit prune: %w", a.appID, err)
	}

	for _, u := range usages {
		a.srv.recordUsage(UsageNameplate, a.appID, u)
	}
	return remaining, nil
}

// PruneMailboxes walks the union of mailboxes with persisted messages
// and live in-memory mailboxes, deleting each idle one with a pruned
// usage record. It reports whether any live mailbox remains.
func (a *AppNamespace) PruneMailboxes(old float64) (bool, error) {
	now := a.srv.now()

	rows, err := a.db.Query(
		"SELECT DISTINCT mailbox_id FROM messages WHERE app_id = ?", a.appID,
	)
	if err != nil {
		return false, fmt.Errorf("app %s: claimed mailboxes: %w", a.appID, err)
	}
	candidates := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return false, fmt.Errorf("app %s: scan mailbox id: %w", a.appID, err)
		}
		candidates[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("app %s: claimed mailboxes: %w", a.appID, err)
	}

	a.mu.Lock()
	for id := range a.mailboxes {
		candidates[id] = true
	}
	a.mu.Unlock()

	for id := range candidates {
		mb := a.getMailbox(id)
		idle, err := mb.IsIdle(old)
		if err != nil {
			return false, err
		}
		if idle {
			a.log.Info("pruning mailbox", "mailbox", id)
			if err := mb.delete(now, true); err != nil {
				return false, err
			}
		}
	}

	a.mu.Lock()
	live := len(a.mailboxes) > 0
	a.mu.Unlock()
	return live, nil
}

// getMailbox returns the live Mailbox for id, constructing and caching
// one if needed. Unlike OpenMailbox it never creates a durable row.
func (a *AppNamespace) getMailbox(id string) *Mailbox {
	a.mu.Lock()
	defer a.mu.Unlock()
	mb, ok := a.mailboxes[id]
	if !ok {
		mb = newMailbox(a, id)
		a.mailboxes[id] = mb
	}
	return mb
}

// Shutdown stops every live Mailbox, force-closing its listeners.
func (a *AppNamespace) Shutdown() {
	a.mu.Lock()
	mailboxes := make([]*Mailbox, 0, len(a.mailboxes))
	for _, mb := range a.mailboxes {
		mailboxes = append(mailboxes, mb)
	}
	a.mu.Unlock()

	for _, mb := range mailboxes {
		mb.Shutdown()
	}
}
