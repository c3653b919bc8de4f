package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/store"
)

type fakeStore struct {
	mu    sync.Mutex
	msgs  map[string][]store.Message
	err   error
	loads int
}

func newFakeStore() *fakeStore {
	return &fakeStore{msgs: make(map[string][]store.Message)}
}

func (f *fakeStore) add(room, text string, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs[room] = append(f.msgs[room], store.Message{Room: room, Text: text, Sender: "alice", Timestamp: ts})
}

func (f *fakeStore) Append(_ context.Context, msg store.Message) error {
	f.add(msg.Room, msg.Text, msg.Timestamp)
	return nil
}

func (f *fakeStore) LoadAll(ctx context.Context, room string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]store.Message(nil), f.msgs[room]...), nil
}

func (f *fakeStore) FindByTimestamp(context.Context, string, time.Time) (store.Message, error) {
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) MutateReactions(context.Context, string, time.Time, string, string, store.ReactionOp) (store.Message, error) {
	return store.Message{}, store.ErrNotFound
}

func TestWatermarks_ReturnsEachMessageOnce(t *testing.T) {
	st := newFakeStore()
	w := NewWatermarks(st)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st.add("Kitchen", "hi", base)

	msgs, err := w.Check(ctx, "Kitchen")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.True(t, w.Mark("Kitchen").Equal(base))

	msgs, err = w.Check(ctx, "Kitchen")
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)

	st.add("Kitchen", "again", base.Add(time.Second))
	msgs, err = w.Check(ctx, "Kitchen")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "again", msgs[0].Text)
}

func TestWatermarks_SharedAcrossCallers(t *testing.T) {
	st := newFakeStore()
	w := NewWatermarks(st)
	ctx := context.Background()
	st.add("Kitchen", "hi", time.Now())

	first, err := w.Check(ctx, "Kitchen")
	require.NoError(t, err)
	second, err := w.Check(ctx, "Kitchen")
	require.NoError(t, err)

	assert.Len(t, first, 1)
	assert.Empty(t, second, "a second poller does not see what the first consumed")
}

func TestWatermarks_RoomsAreIndependent(t *testing.T) {
	st := newFakeStore()
	w := NewWatermarks(st)
	ctx := context.Background()
	st.add("Kitchen", "k", time.Now())
	st.add("Garage", "g", time.Now())

	_, err := w.Check(ctx, "Kitchen")
	require.NoError(t, err)
	msgs, err := w.Check(ctx, "Garage")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestWatermarks_NeverMovesBackwards(t *testing.T) {
	st := newFakeStore()
	w := NewWatermarks(st)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	st.add("Kitchen", "late", base.Add(time.Minute))

	_, err := w.Check(ctx, "Kitchen")
	require.NoError(t, err)

	st.add("Kitchen", "older", base)
	msgs, err := w.Check(ctx, "Kitchen")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.True(t, w.Mark("Kitchen").Equal(base.Add(time.Minute)))
}

func TestWatermarks_LoadErrorLeavesMark(t *testing.T) {
	st := newFakeStore()
	st.err = errors.New("disk gone")
	w := NewWatermarks(st)

	_, err := w.Check(context.Background(), "Kitchen")
	assert.Error(t, err)
	assert.True(t, w.Mark("Kitchen").IsZero())
}

func TestWatermarks_CancelledCallerStillLoads(t *testing.T) {
	st := newFakeStore()
	w := NewWatermarks(st)
	st.add("Kitchen", "hi", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msgs, err := w.Check(ctx, "Kitchen")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}
