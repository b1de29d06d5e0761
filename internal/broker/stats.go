package broker

import "sync/atomic"

const (
	kindIndexing = "indexing_request"
	kindEvent    = "processing_event"
	kindDLQ      = "dead_letter"
)

// Stats is owned by one Client and shared by all of its callers.
type Stats struct {
	sent     atomic.Int64
	failed   atomic.Int64
	indexing atomic.Int64
	events   atomic.Int64
	dlq      atomic.Int64
}

type BrokerStats struct {
	MessagesSent     int64   `json:"messages_sent"`
	MessagesFailed   int64   `json:"messages_failed"`
	IndexingMessages int64   `json:"indexing_messages"`
	ProcessingEvents int64   `json:"processing_events"`
	DLQMessages      int64   `json:"dlq_messages"`
	SuccessRate      float64 `json:"success_rate"`
	FailureRate      float64 `json:"failure_rate"`
}

func (s *Stats) sentMessage(kind string) {
	s.sent.Add(1)
	switch kind {
	case kindIndexing:
		s.indexing.Add(1)
	case kindEvent:
		s.events.Add(1)
	}
}

func (s *Stats) failedMessage() {
	s.failed.Add(1)
}

func (s *Stats) deadLettered() {
	s.dlq.Add(1)
}

func (s *Stats) Snapshot() BrokerStats {
	out := BrokerStats{
		MessagesSent:     s.sent.Load(),
		MessagesFailed:   s.failed.Load(),
		IndexingMessages: s.indexing.Load(),
		ProcessingEvents: s.events.Load(),
		DLQMessages:      s.dlq.Load(),
	}
	if total := out.MessagesSent + out.MessagesFailed; total > 0 {
		out.SuccessRate = float64(out.MessagesSent) / float64(total)
		out.FailureRate = float64(out.MessagesFailed) / float64(total)
	}
	return out
}
