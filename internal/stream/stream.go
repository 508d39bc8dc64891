// Package stream fans job status changes out to live subscribers.
package stream

import (
	"context"
	"sync"
	"time"

	"studygate.org/internal/study"
)

// StatusEvent describes one job status change for the live feed.
type StatusEvent struct {
	StudyID   string          `json:"studyId"`
	JobID     string          `json:"jobId"`
	Status    study.JobStatus `json:"status"`
	UserID    string          `json:"userId,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Stream fan-outs status events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan StatusEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan StatusEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan StatusEvent {
	ch := make(chan StatusEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt StatusEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// PublishChange converts a recorded status change to an event and publishes it.
func (s *Stream) PublishChange(studyID string, change study.JobStatusChange) {
	s.Publish(StatusEvent{
		StudyID:   studyID,
		JobID:     change.StudyJobID,
		Status:    change.Status,
		UserID:    change.UserID,
		Message:   change.Message,
		Timestamp: change.CreatedAt,
	})
}
