// Package team holds the fixed-capacity rosters a game splits its players into.
package team

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/wfunc/roomserver/room"
)

// FallbackName is the positional name given to a team created without one. It counts the
// teams that existed when this one was created, not its final index.
func FallbackName(existingTeams int) string {
	return fmt.Sprintf("Unnamed team %d", existingTeams+1)
}

// Team is not safe for concurrent use; it belongs to one room loop.
type Team struct {
	ID       string
	Name     string
	Capacity int

	members map[string]*room.Member
	order   []string
}

// View is the wire form of a team.
type View struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Capacity int            `json:"capacity"`
	Players  []*room.Member `json:"players"`
}

func New(capacity, existingTeams int, name string) *Team {
	if name == "" {
		name = FallbackName(existingTeams)
	}
	return &Team{
		ID:       uuid.NewString(),
		Name:     name,
		Capacity: capacity,
		members:  make(map[string]*room.Member),
	}
}

// AddMember inserts m unless the team is full or m is already on it.
func (t *Team) AddMember(m *room.Member) bool {
	if t.IsFull() {
		return false
	}
	if _, ok := t.members[m.ID]; ok {
		return false
	}
	t.members[m.ID] = m
	t.order = append(t.order, m.ID)
	return true
}

func (t *Team) RemoveMember(playerID string) bool {
	if _, ok := t.members[playerID]; !ok {
		return false
	}
	delete(t.members, playerID)
	for i, id := range t.order {
		if id == playerID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

func (t *Team) Has(playerID string) bool {
	_, ok := t.members[playerID]
	return ok
}

func (t *Team) Size() int {
	return len(t.members)
}

func (t *Team) IsFull() bool {
	return len(t.members) >= t.Capacity
}

// Members returns the members in the order they were added.
func (t *Team) Members() []*room.Member {
	out := make([]*room.Member, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.members[id])
	}
	return out
}

func (t *Team) View() View {
	return View{
		ID:       t.ID,
		Name:     t.Name,
		Capacity: t.Capacity,
		Players:  t.Members(),
	}
}
