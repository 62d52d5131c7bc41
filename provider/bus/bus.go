package bus

import (
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("bus")

// DeliverFunc receives a message posted by another member. It is called on
// the goroutine of the poster and must not block, typically it hands the
// message to a reactor.
type DeliverFunc func(data []byte)

// Registry maps channel names to their members. Create one per process (or
// per test) and share it between all providers that should see each other.
type Registry struct {
	nextID   atomic.Uint64
	channels *xsync.MapOf[string, []*Member]
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		channels: xsync.NewMapOf[string, []*Member](),
	}
}

// Member is the handle of one participant of a channel
type Member struct {
	id       uint64
	channel  string
	deliver  DeliverFunc
	registry *Registry
	left     atomic.Bool
}

// --------------------------------------------------------------------------
// Registry Methods
// --------------------------------------------------------------------------

// Join adds a member to channel. The channel is created on first join.
func (r *Registry) Join(channel string, deliver DeliverFunc) *Member {
	m := &Member{
		id:       r.nextID.Add(1),
		channel:  channel,
		deliver:  deliver,
		registry: r,
	}

	// member slices are copy on write so Post can iterate without locking
	r.channels.Compute(channel, func(old []*Member, _ bool) ([]*Member, bool) {
		members := make([]*Member, 0, len(old)+1)
		members = append(members, old...)
		return append(members, m), false
	})

	Logger.Debugf("member %d joined %s", m.id, channel)
	return m
}

// Members returns the number of members of channel
func (r *Registry) Members(channel string) int {
	members, _ := r.channels.Load(channel)
	return len(members)
}

// Channels returns the number of channels with at least one member
func (r *Registry) Channels() int {
	return r.channels.Size()
}

// --------------------------------------------------------------------------
// Member Methods
// --------------------------------------------------------------------------

// Channel returns the name of the member's channel
func (m *Member) Channel() string {
	return m.channel
}

// Post delivers data to every other member of the channel. Returns the number
// of receivers. Posting after Leave is a no-op.
func (m *Member) Post(data []byte) int {
	if m.left.Load() {
		return 0
	}
	members, _ := m.registry.channels.Load(m.channel)

	n := 0
	for _, other := range members {
		if other == m || other.left.Load() {
			continue
		}
		// receivers get their own copy
		msg := make([]byte, len(data))
		copy(msg, data)
		other.deliver(msg)
		n++
	}
	return n
}

// Leave removes the member from its channel. Empty channels are deleted.
// Calling Leave more than once is a no-op.
func (m *Member) Leave() {
	if !m.left.CompareAndSwap(false, true) {
		return
	}
	m.registry.channels.Compute(m.channel, func(old []*Member, loaded bool) ([]*Member, bool) {
		members := make([]*Member, 0, len(old))
		for _, other := range old {
			if other != m {
				members = append(members, other)
			}
		}
		return members, len(members) == 0
	})
	Logger.Debugf("member %d left %s", m.id, m.channel)
}
