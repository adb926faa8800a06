package analytics

import (
	"time"

	"github.com/calvinfo/livegrep/internal/query"
)

type EventType string

const (
	EventQuery      EventType = "query"
	EventCacheHit   EventType = "cache_hit"
	EventZeroResult EventType = "zero_result"
	EventError      EventType = "error"
)

// QueryEvent records one executed search for the analytics stream.
type QueryEvent struct {
	Type       EventType        `json:"type"`
	Line       string           `json:"line"`
	File       string           `json:"file,omitempty"`
	Repo       string           `json:"repo,omitempty"`
	FoldCase   bool             `json:"fold_case,omitempty"`
	Results    int              `json:"results"`
	ExitReason query.ExitReason `json:"exit_reason"`
	CacheHit   bool             `json:"cache_hit"`
	LatencyMs  int64            `json:"latency_ms"`
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  string           `json:"session_id,omitempty"`
}
