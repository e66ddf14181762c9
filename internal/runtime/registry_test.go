package runtime

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/iaasstore/restmailer/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(guid string) *message.MailMessage {
	return &message.MailMessage{
		Guid:      guid,
		AddressTo: "user@example.org",
		Subject:   "hello",
		Data:      []message.BodyPart{{Type: message.PartTypeText, Text: "hi"}},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(slog.Default())
	ts := int64(1000)
	r.now = func() int64 {
		ts++
		return ts
	}
	return r
}

func TestInsertAndGet(t *testing.T) {
	r := newTestRegistry(t)
	item := r.NewItem(testMessage("abc"))
	require.NoError(t, r.Insert("abc", item))

	got, exists := r.Get("abc")
	require.True(t, exists)
	assert.Equal(t, StateSending, got.State)
	assert.Equal(t, int64(1001), got.TsAdded)
	assert.Empty(t, got.Events)

	_, exists = r.Get("missing")
	assert.False(t, exists)
}

func TestInsertDuplicateGuid(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert("abc", r.NewItem(testMessage("abc"))))
	err := r.Insert("abc", r.NewItem(testMessage("abc")))
	assert.ErrorIs(t, err, ErrDuplicateGuid)
}

func TestStateTransitions(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert("abc", r.NewItem(testMessage("abc"))))

	require.NoError(t, r.SetState("abc", StateSended))
	got, _ := r.Get("abc")
	assert.Equal(t, StateSended, got.State)

	// terminal states never change again
	err := r.SetState("abc", StateError)
	assert.ErrorIs(t, err, ErrTerminalState)

	err = r.SetState("missing", StateError)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestAppendEventOrdering(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert("abc", r.NewItem(testMessage("abc"))))

	require.NoError(t, r.AppendEvent("abc", "api", "first"))
	require.NoError(t, r.AppendEvent("abc", "mailer", "second"))

	got, _ := r.Get("abc")
	require.Len(t, got.Events, 2)
	assert.Equal(t, "first", got.Events[0].Message)
	assert.Equal(t, "api", got.Events[0].Source)
	assert.Equal(t, "second", got.Events[1].Message)
	assert.LessOrEqual(t, got.Events[0].Ts, got.Events[1].Ts)

	assert.ErrorIs(t, r.AppendEvent("missing", "api", "x"), ErrItemNotFound)
}

func TestGetReturnsIsolatedCopy(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert("abc", r.NewItem(testMessage("abc"))))
	require.NoError(t, r.AppendEvent("abc", "api", "first"))

	got, _ := r.Get("abc")
	got.Events[0].Message = "mutated"
	got.State = StateError

	fresh, _ := r.Get("abc")
	assert.Equal(t, "first", fresh.Events[0].Message)
	assert.Equal(t, StateSending, fresh.State)
}

func TestEvictOldest(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert("first", r.NewItem(testMessage("first"))))
	require.NoError(t, r.Insert("second", r.NewItem(testMessage("second"))))

	assert.True(t, r.EvictOldest())
	_, exists := r.Get("first")
	assert.False(t, exists)
	_, exists = r.Get("second")
	assert.True(t, exists)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.EvictOldest())
	assert.False(t, r.EvictOldest())
}

func TestMarshalOrderedPreservesInsertionOrder(t *testing.T) {
	r := newTestRegistry(t)
	// guids deliberately out of lexical order
	for _, guid := range []string{"zzz", "aaa", "mmm"} {
		require.NoError(t, r.Insert(guid, r.NewItem(testMessage(guid))))
	}

	data, err := r.MarshalOrdered("")
	require.NoError(t, err)

	keys := topLevelKeys(t, data)
	assert.Equal(t, []string{"zzz", "aaa", "mmm"}, keys)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	for _, guid := range []string{"bbb", "aaa"} {
		require.NoError(t, r.Insert(guid, r.NewItem(testMessage(guid))))
		require.NoError(t, r.AppendEvent(guid, "api", "received"))
	}
	require.NoError(t, r.SetState("bbb", StateSended))

	data, err := r.MarshalOrdered("  ")
	require.NoError(t, err)

	restored := NewRegistry(slog.Default())
	require.NoError(t, restored.UnmarshalOrdered(data))

	restoredData, err := restored.MarshalOrdered("  ")
	require.NoError(t, err)
	assert.Equal(t, string(data), string(restoredData))

	item, exists := restored.Get("bbb")
	require.True(t, exists)
	assert.Equal(t, StateSended, item.State)
	require.Len(t, item.Events, 1)
	assert.Equal(t, "received", item.Events[0].Message)
}

func TestUnmarshalOrderedEmptyInput(t *testing.T) {
	r := NewRegistry(slog.Default())
	require.NoError(t, r.UnmarshalOrdered(nil))
	require.NoError(t, r.UnmarshalOrdered([]byte("  \n")))
	assert.Equal(t, 0, r.Len())
}

func TestUnmarshalOrderedRejectsGarbage(t *testing.T) {
	r := NewRegistry(slog.Default())
	assert.Error(t, r.UnmarshalOrdered([]byte("[]")))
	assert.Error(t, r.UnmarshalOrdered([]byte("{broken")))
}

func topLevelKeys(t *testing.T, data []byte) []string {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	require.NoError(t, err)
	require.Equal(t, json.Delim('{'), tok)

	keys := []string{}
	for dec.More() {
		keyTok, err := dec.Token()
		require.NoError(t, err)
		keys = append(keys, keyTok.(string))
		var skip json.RawMessage
		require.NoError(t, dec.Decode(&skip))
	}
	return keys
}
