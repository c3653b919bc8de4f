package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReactions_Apply(t *testing.T) {
	tests := []struct {
		name  string
		start Reactions
		emoji string
		user  string
		op    ReactionOp
		want  Reactions
	}{
		{
			name:  "add to empty",
			start: nil,
			emoji: "👍", user: "alice", op: ReactionAdd,
			want: Reactions{"👍": {"alice"}},
		},
		{
			name:  "add existing user is a no-op",
			start: Reactions{"👍": {"alice"}},
			emoji: "👍", user: "alice", op: ReactionAdd,
			want: Reactions{"👍": {"alice"}},
		},
		{
			name:  "add second user",
			start: Reactions{"👍": {"alice"}},
			emoji: "👍", user: "bob", op: ReactionAdd,
			want: Reactions{"👍": {"alice", "bob"}},
		},
		{
			name:  "remove last user drops emoji",
			start: Reactions{"👍": {"alice"}, "❤️": {"bob"}},
			emoji: "👍", user: "alice", op: ReactionRemove,
			want: Reactions{"❤️": {"bob"}},
		},
		{
			name:  "remove absent user is a no-op",
			start: Reactions{"👍": {"alice"}},
			emoji: "👍", user: "carol", op: ReactionRemove,
			want: Reactions{"👍": {"alice"}},
		},
		{
			name:  "remove absent emoji is a no-op",
			start: Reactions{},
			emoji: "🎉", user: "carol", op: ReactionRemove,
			want: Reactions{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.start.Apply(tt.emoji, tt.user, tt.op)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReactions_ApplyDoesNotMutateReceiver(t *testing.T) {
	start := Reactions{"👍": {"alice"}}
	_ = start.Apply("👍", "bob", ReactionAdd)
	assert.Equal(t, Reactions{"👍": {"alice"}}, start)
}

func TestSameInstant(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC)
	assert.True(t, SameInstant(ts, ts.Add(400*time.Microsecond)))
	assert.False(t, SameInstant(ts, ts.Add(time.Millisecond)))
}
