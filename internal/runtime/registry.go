package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iaasstore/restmailer/internal/message"
)

type State string

const (
	StateSending State = "sending"
	StateSended  State = "sended"
	StateError   State = "error"
)

var (
	ErrItemNotFound  = errors.New("runtime item not found")
	ErrDuplicateGuid = errors.New("runtime item already exists")
	ErrTerminalState = errors.New("item is already in a terminal state")
)

type Event struct {
	Ts      int64  `json:"ts"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Item is the per-job record. The full message including attachments is
// retained so a delivery can be replayed; API reads redact the payloads.
type Item struct {
	Message *message.MailMessage `json:"message"`
	TsAdded int64                `json:"ts_added"`
	State   State                `json:"state"`
	Events  []Event              `json:"events"`
}

// Redacted returns a copy safe for API responses, with attachment
// bodies stripped.
func (i *Item) Redacted() *Item {
	redacted := *i
	redacted.Message = i.Message.Redacted()
	redacted.Events = append([]Event(nil), i.Events...)
	return &redacted
}

// Registry maps job guids to Items. Insertion order is preserved for
// snapshot serialization and oldest-first eviction. All access goes
// through the single mutex.
type Registry struct {
	mu    sync.Mutex
	order []string
	items map[string]*Item

	logger *slog.Logger
	now    func() int64
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		items:  make(map[string]*Item),
		logger: logger,
		now:    func() int64 { return time.Now().Unix() },
	}
}

// NewItem creates a fresh record in the initial sending state.
func (r *Registry) NewItem(msg *message.MailMessage) *Item {
	return &Item{
		Message: msg,
		TsAdded: r.now(),
		State:   StateSending,
		Events:  []Event{},
	}
}

func (r *Registry) Insert(guid string, item *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[guid]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateGuid, guid)
	}
	r.items[guid] = item
	r.order = append(r.order, guid)
	return nil
}

// Get returns a copy of the item, so callers never observe concurrent
// mutation of the event log.
func (r *Registry) Get(guid string) (*Item, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, exists := r.items[guid]
	if !exists {
		return nil, false
	}
	snapshot := *item
	snapshot.Events = append([]Event(nil), item.Events...)
	return &snapshot, true
}

func (r *Registry) Remove(guid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(guid)
}

func (r *Registry) remove(guid string) {
	if _, exists := r.items[guid]; !exists {
		return
	}
	delete(r.items, guid)
	for i, id := range r.order {
		if id == guid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// AppendEvent records a delivery progress line and mirrors it to the
// process log.
func (r *Registry) AppendEvent(guid, source, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, exists := r.items[guid]
	if !exists {
		return fmt.Errorf("%w: %s", ErrItemNotFound, guid)
	}
	item.Events = append(item.Events, Event{
		Ts:      r.now(),
		Source:  source,
		Message: msg,
	})
	r.logger.Info(msg, "guid", guid, "source", source)
	return nil
}

// SetState transitions a job. Only sending -> sended and
// sending -> error are permitted.
func (r *Registry) SetState(guid string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, exists := r.items[guid]
	if !exists {
		return fmt.Errorf("%w: %s", ErrItemNotFound, guid)
	}
	if item.State != StateSending {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, guid, item.State)
	}
	item.State = state
	return nil
}

// EvictOldest drops the earliest inserted entry. Returns false when the
// registry is empty.
func (r *Registry) EvictOldest() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return false
	}
	r.remove(r.order[0])
	return true
}

// MarshalOrdered serializes the registry as a single JSON object with
// keys in insertion order, the shape persisted to the runtime file.
func (r *Registry) MarshalOrdered(indent string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := &bytes.Buffer{}
	buf.WriteByte('{')
	for i, guid := range r.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(guid)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(r.items[guid])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')

	if indent == "" {
		return buf.Bytes(), nil
	}
	indented := &bytes.Buffer{}
	if err := json.Indent(indented, buf.Bytes(), "", indent); err != nil {
		return nil, err
	}
	return indented.Bytes(), nil
}

// UnmarshalOrdered loads registry content from its serialized form,
// preserving key order. Empty input is treated as an empty registry.
func (r *Registry) UnmarshalOrdered(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read registry content: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("unexpected registry content, want object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read registry key: %w", err)
		}
		guid := keyTok.(string)
		item := &Item{}
		if err := dec.Decode(item); err != nil {
			return fmt.Errorf("failed to decode registry item %s: %w", guid, err)
		}
		if err := r.Insert(guid, item); err != nil {
			return err
		}
	}
	return nil
}
