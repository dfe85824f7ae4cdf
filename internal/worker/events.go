package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/jonboulle/clockwork"

	"docscale/internal/ledger"
	"docscale/internal/model"
	"docscale/internal/pipeline"
)

const (
	EventProgress = "progress"
	EventRecord   = "record"
	EventFatal    = "fatal"
)

// Event is one line of a worker's stdout stream.
type Event struct {
	Type      string       `json:"type"`
	Shard     int          `json:"shard"`
	Item      string       `json:"item,omitempty"`
	Group     string       `json:"group,omitempty"`
	Stage     string       `json:"stage,omitempty"`
	Kind      string       `json:"kind,omitempty"`
	Error     string       `json:"error,omitempty"`
	Skipped   bool         `json:"skipped,omitempty"`
	Upscaled  bool         `json:"upscaled,omitempty"`
	ElapsedMS int64        `json:"elapsed_ms,omitempty"`
	Entry     *model.Entry `json:"entry,omitempty"`
}

// ProgressEvent describes a finished item.
func ProgressEvent(shard int, out pipeline.Outcome) Event {
	return Event{
		Type:      EventProgress,
		Shard:     shard,
		Item:      out.Item.ID,
		Group:     out.Item.Group,
		Stage:     out.Stage,
		Kind:      string(out.Kind),
		Error:     out.Err,
		Skipped:   out.Skipped,
		Upscaled:  out.Upscaled,
		ElapsedMS: out.Elapsed.Milliseconds(),
	}
}

// Completed reports whether a progress event is for an item that reached the end.
func (e Event) Completed() bool {
	return e.Stage == model.StageCompleted
}

type Emitter interface {
	Emit(Event) error
}

// FuncEmitter adapts a function, used when the shard runs inside the parent.
type FuncEmitter func(Event) error

func (f FuncEmitter) Emit(e Event) error { return f(e) }

// StreamEmitter writes events as JSON lines. Safe for concurrent use.
type StreamEmitter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewStreamEmitter(w io.Writer) *StreamEmitter {
	return &StreamEmitter{enc: json.NewEncoder(w)}
}

func (s *StreamEmitter) Emit(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(e); err != nil {
		return fmt.Errorf("emit %s event: %w", e.Type, err)
	}
	return nil
}

// EventRecorder forwards ledger writes to the parent process, which owns the only writer
// of the shared ledger.
type EventRecorder struct {
	Shard int
	Emit  Emitter
	Clock clockwork.Clock
}

func (r EventRecorder) now() clockwork.Clock {
	if r.Clock == nil {
		return clockwork.NewRealClock()
	}
	return r.Clock
}

func (r EventRecorder) Record(itemID, stage string, success bool, errMsg, fullPath string) error {
	return r.Emit.Emit(Event{
		Type:  EventRecord,
		Shard: r.Shard,
		Item:  itemID,
		Entry: &model.Entry{
			Timestamp: r.now().Now().UTC(),
			ItemID:    itemID,
			Stage:     stage,
			Success:   success,
			Error:     errMsg,
			FullPath:  fullPath,
		},
	})
}

func (r EventRecorder) RecordCrash(errMsg, fullPath string) error {
	entry := ledger.NewCrashEntry(r.now().Now(), errMsg, fullPath)
	return r.Emit.Emit(Event{Type: EventRecord, Shard: r.Shard, Item: entry.ItemID, Entry: &entry})
}
