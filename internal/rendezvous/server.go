// Package rendezvous implements the stateful core of the wormhole
// rendezvous server: nameplate and mailbox lifecycle, the two-sides
// state machine, ordered persistent message fan-out, idle pruning and
// anonymized usage summarization, all on top of an embedded SQLite
// store. Transports sit outside this package and drive it through the
// Server, AppNamespace and Mailbox types.
package rendezvous

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/0patch/magic-wormhole/internal/metrics"
)

// Timing constants for the prune cycle.
const (
	// ChannelExpirationTime is the idle horizon: nameplates untouched and
	// mailboxes without listeners or fresh messages for this long are
	// pruned.
	ChannelExpirationTime = 3 * 24 * time.Hour

	// ExpirationCheckPeriod is how often the prune timer fires.
	ExpirationCheckPeriod = 2 * time.Hour
)

// Welcome is the opaque blob handed to every connecting client.
type Welcome struct {
	MOTD              string `json:"motd,omitempty"`
	CurrentCLIVersion string `json:"current_cli_version,omitempty"`
	Error             string `json:"error,omitempty"`
}

// UsageRecorder receives a copy of every usage record after it has been
// committed, for export outside the store (event bus, analytics).
type UsageRecorder interface {
	RecordUsage(kind, appID string, u Usage)
}

// Server is the process-wide root: it owns the app registry, the
// welcome blob and the periodic prune timer.
type Server struct {
	db        *sql.DB
	log       *slog.Logger
	collector metrics.Collector
	recorder  UsageRecorder

	blurUsage   float64
	logRequests bool
	clock       func() time.Time
	randInt     func(n int) int

	welcomeMu sync.RWMutex
	welcome   Welcome

	mu   sync.Mutex
	apps map[string]*AppNamespace

	stopOnce sync.Once
	done     chan struct{}
}

// NewServer builds a Server over an opened rendezvous database.
func NewServer(db *sql.DB, opts ...Option) *Server {
	s := &Server{
		db:          db,
		log:         slog.Default(),
		collector:   metrics.Noop{},
		logRequests: true,
		clock:       time.Now,
		randInt:     rand.Intn,
		apps:        make(map[string]*AppNamespace),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now returns the server clock as epoch seconds.
func (s *Server) now() float64 {
	return float64(s.clock().UnixNano()) / 1e9
}

// Now exposes the server clock to transports, which stamp server_rx and
// the `when` argument of core operations with it.
func (s *Server) Now() float64 { return s.now() }

// Welcome returns the current welcome blob.
func (s *Server) Welcome() Welcome {
	s.welcomeMu.RLock()
	defer s.welcomeMu.RUnlock()
	return s.welcome
}

// SetMOTD replaces the message of the day at runtime (config reload).
func (s *Server) SetMOTD(motd string) {
	s.welcomeMu.Lock()
	s.welcome.MOTD = motd
	s.welcomeMu.Unlock()
}

// LogRequests reports whether per-request logging is enabled. It is
// implied off when usage blurring is configured.
func (s *Server) LogRequests() bool { return s.logRequests }

// Get returns the AppNamespace for appID, constructing it on first
// reference.
func (s *Server) Get(appID string) *AppNamespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[appID]
	if !ok {
		if s.logRequests {
			s.log.Info("spawning app", "app_id", appID)
		}
		app = newAppNamespace(s, appID)
		s.apps[appID] = app
	}
	return app
}

// Prune walks every app that has persisted messages or lives in memory,
// prunes its idle nameplates and mailboxes against the old horizon, and
// evicts apps that end up fully idle.
func (s *Server) Prune(old float64) error {
	s.log.Info("prune begins")

	rows, err := s.db.Query("SELECT DISTINCT app_id FROM messages")
	if err != nil {
		return fmt.Errorf("prune: app ids: %w", err)
	}
	appIDs := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("prune: scan app id: %w", err)
		}
		appIDs[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("prune: app ids: %w", err)
	}

	s.mu.Lock()
	for id := range s.apps {
		appIDs[id] = true
	}
	s.mu.Unlock()

	for appID := range appIDs {
		app := s.Get(appID)
		nameplates, err := app.PruneNameplates(old)
		if err != nil {
			return err
		}
		live, err := app.PruneMailboxes(old)
		if err != nil {
			return err
		}
		if nameplates == 0 && !live {
			s.log.Info("prune evicts app", "app_id", appID)
			s.mu.Lock()
			delete(s.apps, appID)
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	remaining := len(s.apps)
	s.mu.Unlock()
	s.collector.PruneRun()
	s.collector.AppsActive(remaining)
	s.log.Info("prune ends", "apps", remaining)
	return nil
}

// Start launches the periodic prune timer. It returns immediately.
func (s *Server) Start() {
	go func() {
		ticker := time.NewTicker(ExpirationCheckPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				old := s.now() - ChannelExpirationTime.Seconds()
				if err := s.Prune(old); err != nil {
					s.log.Error("prune failed", "error", err)
				}
			}
		}
	}()
}

// Shutdown stops the prune timer and force-closes every listener on
// every live mailbox so connected clients terminate deterministically.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	apps := make([]*AppNamespace, 0, len(s.apps))
	for _, app := range s.apps {
		apps = append(apps, app)
	}
	s.mu.Unlock()

	for _, app := range apps {
		app.Shutdown()
	}
}

// recordUsage publishes a committed usage record to the collector and
// the optional recorder.
func (s *Server) recordUsage(kind, appID string, u Usage) {
	s.collector.UsageRecorded(kind, u.Result)
	if s.recorder != nil {
		s.recorder.RecordUsage(kind, appID, u)
	}
	if s.logRequests {
		s.log.Info("usage", "kind", kind, "result", u.Result, "total_time", u.TotalTime)
	}
}
