// Package metrics defines the Collector interface the rendezvous core
// reports into, with prometheus and no-op implementations plus an HTTP
// server for exposing them.
package metrics

import "context"

// Collector records rendezvous server metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()

	// Core lifecycle metrics
	NameplateClaimed()
	MailboxOpened()
	MessageAdded(sizeBytes int)

	// UsageRecorded counts one emitted usage record by kind
	// ("nameplate" or "mailbox") and result string.
	UsageRecorded(kind, result string)

	// Prune metrics
	PruneRun()
	AppsActive(n int)
}

// Server exposes collected metrics over HTTP.
type Server interface {
	// Start begins serving metrics. It blocks until the context is
	// canceled or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
