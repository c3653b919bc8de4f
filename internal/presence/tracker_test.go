package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_JoinAppliesDefaults(t *testing.T) {
	tr := NewTracker()

	id := tr.Join("Kitchen", "c1", "", "")
	assert.Equal(t, Identity{Name: DefaultName, Color: DefaultColor}, id)

	id = tr.Join("Kitchen", "c2", "alice", "#ff0000")
	assert.Equal(t, Identity{Name: "alice", Color: "#ff0000"}, id)

	assert.Equal(t, map[string]Identity{
		"c1": {Name: "User", Color: "#667eea"},
		"c2": {Name: "alice", Color: "#ff0000"},
	}, tr.Listing("Kitchen"))
}

func TestTracker_RejoinReplacesIdentity(t *testing.T) {
	tr := NewTracker()
	tr.Join("Kitchen", "c1", "alice", "")
	tr.Join("Kitchen", "c1", "alicia", "")

	id, ok := tr.IdentityOf("Kitchen", "c1")
	require.True(t, ok)
	assert.Equal(t, "alicia", id.Name)
	assert.Equal(t, 1, tr.Count("Kitchen"))
}

func TestTracker_LeaveRemovesFromEveryRoom(t *testing.T) {
	tr := NewTracker()
	tr.Join("Kitchen", "c1", "alice", "")
	tr.Join("Garage", "c1", "alice-g", "")
	tr.Join("Kitchen", "c2", "bob", "")

	departures := tr.Leave("c1")
	assert.Equal(t, []Departure{
		{Room: "Garage", Identity: Identity{Name: "alice-g", Color: DefaultColor}},
		{Room: "Kitchen", Identity: Identity{Name: "alice", Color: DefaultColor}},
	}, departures)

	assert.Empty(t, tr.RoomsOf("c1"))
	assert.Equal(t, map[string]Identity{"c2": {Name: "bob", Color: DefaultColor}}, tr.Listing("Kitchen"))
	assert.Empty(t, tr.Listing("Garage"))
	assert.NotNil(t, tr.Listing("Garage"))

	assert.Empty(t, tr.Leave("c1"), "second leave is a no-op")
}

func TestTracker_LeaveRoom(t *testing.T) {
	tr := NewTracker()
	tr.Join("Kitchen", "c1", "alice", "")
	tr.Join("Garage", "c1", "alice", "")

	_, ok := tr.LeaveRoom("Kitchen", "c1")
	assert.True(t, ok)
	_, ok = tr.LeaveRoom("Kitchen", "c1")
	assert.False(t, ok)
	assert.Equal(t, []string{"Garage"}, tr.RoomsOf("c1"))
}

func TestTracker_ListingIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.Join("Kitchen", "c1", "alice", "")

	listing := tr.Listing("Kitchen")
	delete(listing, "c1")

	assert.Equal(t, 1, tr.Count("Kitchen"))
}

func TestTracker_ConcurrentJoinLeave(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			tr.Join("Kitchen", conn, "", "")
			tr.Join("Garage", conn, "", "")
			if i%2 == 0 {
				tr.Leave(conn)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, tr.Count("Kitchen"))
	assert.Equal(t, 25, tr.Count("Garage"))
}
