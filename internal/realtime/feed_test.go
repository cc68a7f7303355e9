package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(table string, op Op, row string) Change {
	return Change{Table: table, Op: op, Row: json.RawMessage(row)}
}

func TestSubscriptionMatchesTableOpAndFilter(t *testing.T) {
	sub := Subscription{
		Table:  "messages",
		Ops:    []Op{OpInsert},
		Filter: Filter{Column: "conversation_id", Value: "c1"},
	}

	assert.True(t, sub.Matches(change("messages", OpInsert, `{"id":"m1","conversation_id":"c1"}`)))
	assert.False(t, sub.Matches(change("messages", OpUpdate, `{"id":"m1","conversation_id":"c1"}`)))
	assert.False(t, sub.Matches(change("messages", OpInsert, `{"id":"m1","conversation_id":"c2"}`)))
	assert.False(t, sub.Matches(change("stories", OpInsert, `{"id":"s1","conversation_id":"c1"}`)))
}

func TestSubscriptionWithoutFilterMatchesAllRows(t *testing.T) {
	sub := Subscription{Table: "profiles"}
	assert.True(t, sub.Matches(change("profiles", OpUpdate, `{"id":"u1","is_online":true}`)))
	assert.True(t, sub.Matches(change("profiles", OpDelete, `{"id":"u1"}`)))
}

func TestChangeFieldRendersNonStrings(t *testing.T) {
	c := change("profiles", OpUpdate, `{"id":"u1","is_online":true,"last_seen":null}`)

	val, ok := c.Field("is_online")
	require.True(t, ok)
	assert.Equal(t, "true", val)

	_, ok = c.Field("last_seen")
	assert.False(t, ok)
}

func TestDispatcherDeliversAndCancels(t *testing.T) {
	d := NewDispatcher()
	var got []string
	cancel := d.Subscribe(Subscription{Table: "messages", Handler: func(c Change) {
		id, _ := c.Field("id")
		got = append(got, id)
	}})

	d.Dispatch(change("messages", OpInsert, `{"id":"m1"}`))
	cancel()
	cancel()
	d.Dispatch(change("messages", OpInsert, `{"id":"m2"}`))

	assert.Equal(t, []string{"m1"}, got)
	assert.Equal(t, 0, d.Len())
}

func TestChangeDecodeRequiresRow(t *testing.T) {
	var v map[string]any
	assert.Error(t, Change{Table: "messages"}.Decode(&v))
}
