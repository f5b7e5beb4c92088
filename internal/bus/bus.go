package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Listener is a live connection handle.
type Listener interface {
	ID() string
	Send(Event) error
}

// Relay forwards events to other gateway instances.
type Relay interface {
	Publish(ctx context.Context, group string, ev Event) error
}

// Bus maps group name to its set of listeners.
//
// Publish delivers to local listeners synchronously and, when a relay is set,
// forwards the event so other instances deliver it to theirs.
type Bus struct {
	origin string
	logger *zap.Logger

	mu     sync.RWMutex
	groups map[string]map[string]Listener
	relay  Relay
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		origin: uuid.NewString(),
		logger: logger.Named("bus"),
		groups: make(map[string]map[string]Listener),
	}
}

// Origin identifies this bus instance on the relay.
func (b *Bus) Origin() string { return b.origin }

// SetRelay attaches (or with nil, detaches) a cross-instance relay.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Join adds a listener to a group.
func (b *Bus) Join(group string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.groups[group]
	if !ok {
		members = make(map[string]Listener)
		b.groups[group] = members
	}
	members[l.ID()] = l
}

// Leave removes a listener from a group. Reports whether it was a member.
func (b *Bus) Leave(group, listenerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaveLocked(group, listenerID)
}

// Move transfers a listener between groups atomically.
func (b *Bus) Move(from, to string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(from, l.ID())
	members, ok := b.groups[to]
	if !ok {
		members = make(map[string]Listener)
		b.groups[to] = members
	}
	members[l.ID()] = l
}

func (b *Bus) leaveLocked(group, listenerID string) bool {
	members, ok := b.groups[group]
	if !ok {
		return false
	}
	if _, ok := members[listenerID]; !ok {
		return false
	}
	delete(members, listenerID)
	if len(members) == 0 {
		delete(b.groups, group)
	}
	return true
}

// Publish delivers ev to every local member of group and forwards it on the
// relay. Returns the number of local deliveries.
func (b *Bus) Publish(ctx context.Context, group string, ev Event) int {
	ev.Origin = b.origin
	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()

	if relay != nil {
		if err := relay.Publish(ctx, group, ev); err != nil {
			b.logger.Warn("relay publish failed", zap.String("group", group), zap.Error(err))
		}
	}
	return b.Deliver(group, ev)
}

// Deliver sends ev to the local members of group. Listeners whose Send
// fails are dropped from the group.
func (b *Bus) Deliver(group string, ev Event) int {
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.groups[group]))
	for _, l := range b.groups[group] {
		targets = append(targets, l)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, l := range targets {
		if err := l.Send(ev); err != nil {
			b.logger.Debug("dropping listener", zap.String("group", group), zap.String("listener", l.ID()), zap.Error(err))
			b.Leave(group, l.ID())
			continue
		}
		delivered++
	}
	return delivered
}

// HandleRelayed delivers an event received from the relay unless this
// instance published it.
func (b *Bus) HandleRelayed(group string, ev Event) int {
	if ev.Origin == b.origin {
		return 0
	}
	return b.Deliver(group, ev)
}

// Members returns the number of listeners in a group.
func (b *Bus) Members(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[group])
}

// Stats returns group names with their member counts, sorted by name.
func (b *Bus) Stats() []GroupStat {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]GroupStat, 0, len(b.groups))
	for name, members := range b.groups {
		out = append(out, GroupStat{Group: name, Members: len(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// GroupStat is one row of Stats.
type GroupStat struct {
	Group   string `json:"group"`
	Members int    `json:"members"`
}
