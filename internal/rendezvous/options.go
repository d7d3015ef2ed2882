package rendezvous

import (
	"log/slog"
	"time"

	"github.com/0patch/magic-wormhole/internal/metrics"
)

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger sets the structured logger used by the core.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithWelcome sets the welcome blob returned to connecting clients.
func WithWelcome(w Welcome) Option {
	return func(s *Server) { s.welcome = w }
}

// WithBlurUsage quantizes the started timestamps of emitted usage
// records down to multiples of interval. Enabling blur also disables
// per-request logging, since the point is anonymity.
func WithBlurUsage(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.blurUsage = interval.Seconds()
			s.logRequests = false
		}
	}
}

// WithClock overrides the server clock; tests drive pruning with a fake
// time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.clock = clock }
}

// WithRandInt overrides the uniform picker used by nameplate
// allocation; tests inject a deterministic one.
func WithRandInt(randInt func(n int) int) Option {
	return func(s *Server) { s.randInt = randInt }
}

// WithCollector sets the metrics sink.
func WithCollector(c metrics.Collector) Option {
	return func(s *Server) { s.collector = c }
}

// WithUsageRecorder attaches a post-commit export sink for usage
// records.
func WithUsageRecorder(r UsageRecorder) Option {
	return func(s *Server) { s.recorder = r }
}
