// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events provides the ordered per-run event stream consumed by
// the CLI, the SDK, and transport layers. Each run has one producer and
// any number of subscribers; ordering within a run is strictly total.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/weaver/internal/metrics"
	pkgerrors "github.com/tombee/weaver/pkg/errors"
)

// Kind identifies the type of an event.
type Kind string

const (
	KindStatus     Kind = "status"
	KindPlan       Kind = "plan"
	KindToolStart  Kind = "tool_start"
	KindToolResult Kind = "tool_result"
	KindToolError  Kind = "tool_error"
	KindScreenshot Kind = "screenshot"
	KindArtifact   Kind = "artifact"
	KindTextDelta  Kind = "text_delta"
	KindQuality    Kind = "quality"
	KindCompletion Kind = "completion"
	KindInterrupt  Kind = "interrupt"
	KindCancelled  Kind = "cancelled"
	KindError      Kind = "error"
	KindDone       Kind = "done"
)

// Event is one entry in a run's ordered stream.
type Event struct {
	Type  Kind           `json:"type"`
	Seq   uint64         `json:"seq"`
	TS    time.Time      `json:"ts"`
	RunID string         `json:"run_id"`
	Data  map[string]any `json:"data,omitempty"`
}

// DefaultHistorySize is the retained event count for late subscribers.
const DefaultHistorySize = 1024

// DefaultSubscriberBuffer is each subscriber's live-event channel
// headroom beyond the replayed history.
const DefaultSubscriberBuffer = 256

type subscriber struct {
	ch chan Event
}

// Stream is the ordered event stream for a single run. One producer
// publishes; subscribers receive every event from their subscription
// point, preceded by the retained history.
type Stream struct {
	runID    string
	histSize int
	subBuf   int
	logger   *slog.Logger

	mu      sync.Mutex
	seq     uint64
	history []Event
	subs    map[int]*subscriber
	nextSub int
	closed  bool
}

func newStream(runID string, histSize, subBuf int, logger *slog.Logger) *Stream {
	return &Stream{
		runID:    runID,
		histSize: histSize,
		subBuf:   subBuf,
		logger:   logger,
		subs:     make(map[int]*subscriber),
	}
}

// Publish appends events to the stream as one atomic group: sequence
// numbers are contiguous and no other publisher interleaves. Seq, TS,
// and RunID are stamped here; the Data maps must not be mutated after
// publishing. A KindDone event ends the stream.
func (s *Stream) Publish(evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pkgerrors.ErrStreamClosed
	}

	now := time.Now().UTC()
	terminal := false
	for i := range evs {
		evs[i].Seq = s.seq
		evs[i].TS = now
		evs[i].RunID = s.runID
		s.seq++

		s.history = append(s.history, evs[i])
		if len(s.history) > s.histSize {
			s.history = s.history[len(s.history)-s.histSize:]
		}
		s.deliverLocked(evs[i])

		if evs[i].Type == KindDone {
			terminal = true
		}
	}
	if terminal {
		s.closeLocked()
	}
	return nil
}

// Emit publishes a single event of the given kind.
func (s *Stream) Emit(kind Kind, data map[string]any) error {
	return s.Publish(Event{Type: kind, Data: data})
}

func (s *Stream) deliverLocked(e Event) {
	for id, sub := range s.subs {
		select {
		case sub.ch <- e:
		default:
			delete(s.subs, id)
			close(sub.ch)
			metrics.RecordEventsDropped(1)
			s.logger.Warn("event subscriber evicted",
				"run_id", s.runID,
				"seq", e.Seq,
				"buffer", cap(sub.ch))
		}
	}
}

// Subscribe returns a channel that first replays the retained history
// and then receives live events. The cancel function detaches the
// subscriber. The channel is closed when the stream ends, the
// subscriber falls too far behind, or cancel is called.
func (s *Stream) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	ch := make(chan Event, len(s.history)+s.subBuf)
	for _, e := range s.history {
		ch <- e
	}
	if s.closed {
		close(ch)
		s.mu.Unlock()
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = &subscriber{ch: ch}
	s.mu.Unlock()

	cancelFn := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancelFn
}

// Close ends the stream without a terminal event. Only the producer
// side calls this; it is idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Stream) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Seq returns the number of events published so far.
func (s *Stream) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// History returns a copy of the retained events.
func (s *Stream) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out
}

// Bus tracks the event stream of every known run.
type Bus struct {
	histSize int
	subBuf   int
	logger   *slog.Logger

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewBus creates a bus. historySize <= 0 selects DefaultHistorySize.
func NewBus(historySize int, logger *slog.Logger) *Bus {
	return NewBusSized(historySize, 0, logger)
}

// NewBusSized creates a bus with explicit history and subscriber-channel
// sizes. Values <= 0 select the defaults.
func NewBusSized(historySize, subscriberBuffer int, logger *slog.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		histSize: historySize,
		subBuf:   subscriberBuffer,
		logger:   logger,
		streams:  make(map[string]*Stream),
	}
}

// Stream returns the stream for runID, creating it if needed.
func (b *Bus) Stream(runID string) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[runID]; ok {
		return s
	}
	s := newStream(runID, b.histSize, b.subBuf, b.logger)
	b.streams[runID] = s
	return s
}

// Get returns the stream for runID if one exists.
func (b *Bus) Get(runID string) (*Stream, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.streams[runID]
	return s, ok
}

// Remove forgets a run's stream, closing it if still open.
func (b *Bus) Remove(runID string) {
	b.mu.Lock()
	s, ok := b.streams[runID]
	delete(b.streams, runID)
	b.mu.Unlock()
	if ok {
		s.Close()
	}
}
