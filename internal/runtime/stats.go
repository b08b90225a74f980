package runtime

import (
	"sync"
	"time"
)

// PumpStats counts the work done by one message pump.
type PumpStats struct {
	mu sync.Mutex

	Name string `json:"name"`
	Path string `json:"path"`

	MessagesProcessed uint64    `json:"messages_processed"`
	MessagesFailed    uint64    `json:"messages_failed"`
	DeadLettered      uint64    `json:"dead_lettered"`
	LastError         string    `json:"last_error,omitempty"`
	LastProcessedAt   time.Time `json:"last_processed_at"`
}

func newPumpStats(name, path string) *PumpStats {
	return &PumpStats{Name: name, Path: path}
}

func (s *PumpStats) recordDispatch(err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.MessagesProcessed++
	if err != nil {
		s.MessagesFailed++
		s.LastError = err.Error()
	}
	s.LastProcessedAt = at
}

func (s *PumpStats) recordDeadLetter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeadLettered++
}

// Snapshot returns a copy safe to hand out.
func (s *PumpStats) Snapshot() PumpStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return PumpStats{
		Name:              s.Name,
		Path:              s.Path,
		MessagesProcessed: s.MessagesProcessed,
		MessagesFailed:    s.MessagesFailed,
		DeadLettered:      s.DeadLettered,
		LastError:         s.LastError,
		LastProcessedAt:   s.LastProcessedAt,
	}
}
