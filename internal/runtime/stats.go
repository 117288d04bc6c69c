package runtime

import (
	"sync"
	"time"
)

// SubscriptionStats keeps running counters for one consumer. It backs the
// health report and is safe for concurrent use by the worker pool.
type SubscriptionStats struct {
	mu sync.Mutex

	subscription string
	succeeded    uint64
	failed       uint64
	totalElapsed time.Duration
	lastSuccess  time.Time
	lastFailure  time.Time
}

// NewSubscriptionStats creates an empty counter set for a subscription.
func NewSubscriptionStats(subscription string) *SubscriptionStats {
	return &SubscriptionStats{subscription: subscription}
}

// RecordSuccess counts one completed handler run.
func (s *SubscriptionStats) RecordSuccess(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded++
	s.totalElapsed += elapsed
	s.lastSuccess = time.Now().UTC()
}

// RecordFailure counts one failed handler run.
func (s *SubscriptionStats) RecordFailure(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	s.totalElapsed += elapsed
	s.lastFailure = time.Now().UTC()
}

// Snapshot returns a point-in-time copy of the counters.
func (s *SubscriptionStats) Snapshot() SubscriptionHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	health := SubscriptionHealth{
		Subscription: s.subscription,
		Succeeded:    s.succeeded,
		Failed:       s.failed,
		LastSuccess:  s.lastSuccess,
		LastFailure:  s.lastFailure,
	}
	if total := s.succeeded + s.failed; total > 0 {
		health.AverageDuration = s.totalElapsed / time.Duration(total)
	}
	return health
}

// SubscriptionHealth is the per-subscription health report.
type SubscriptionHealth struct {
	Subscription    string        `json:"subscription"`
	Queue           string        `json:"queue"`
	Running         bool          `json:"running"`
	Paused          bool          `json:"paused"`
	Succeeded       uint64        `json:"succeeded"`
	Failed          uint64        `json:"failed"`
	AverageDuration time.Duration `json:"average_duration"`
	LastSuccess     time.Time     `json:"last_success"`
	LastFailure     time.Time     `json:"last_failure"`
	LastError       string        `json:"last_error,omitempty"`
}
