package dhtring

import (
	"net/netip"

	"go-dhtring/protocol"
)

// registry holds every registered identity and its membership state.
// It is owned by the coordinator's serial loop.
type registry struct {
	order   []string // registration order, for stable snapshots
	members map[string]*Member
}

func newRegistry() *registry {
	return &registry{
		members: make(map[string]*Member),
	}
}

// conflict reports which field of id collides with an existing identity, if any.
func (r *registry) conflict(id protocol.Identity) string {
	for _, name := range r.order {
		var existing = r.members[name].Identity
		switch {
		case existing.Name == id.Name:
			return "user name"
		case existing.Control == id.Control:
			return "control address"
		case existing.Data.Port() == id.Data.Port():
			return "port"
		}
	}
	return ""
}

func (r *registry) add(id protocol.Identity) {
	r.order = append(r.order, id.Name)
	r.members[id.Name] = &Member{Identity: id, State: StateFree}
}

func (r *registry) remove(name string) {
	delete(r.members, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// byControl finds the member whose control address sent a datagram.
func (r *registry) byControl(addr netip.AddrPort) *Member {
	for _, name := range r.order {
		if r.members[name].Identity.Control == addr {
			return r.members[name]
		}
	}
	return nil
}

func (r *registry) byName(name string) *Member {
	return r.members[name]
}

// inState returns members in any of the given states, in registration order.
func (r *registry) inState(states ...State) []*Member {
	var out []*Member
	for _, name := range r.order {
		var m = r.members[name]
		for _, s := range states {
			if m.State == s {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func (r *registry) ringSize() int {
	return len(r.inState(StateInRing, StateLeader))
}

func (r *registry) freeAll() {
	for _, m := range r.members {
		m.State = StateFree
	}
}

func (r *registry) snapshot() []Member {
	var out = make([]Member, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.members[name])
	}
	return out
}
