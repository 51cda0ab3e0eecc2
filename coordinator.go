package dhtring

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"go-dhtring/internal/telemetry"
	"go-dhtring/protocol"
)

// Coordinator is the rendezvous service that tracks identities and brokers the
// ring lifecycle. It handles one datagram at a time; multi-step operations park an
// expectation and answer FAILURE to everything else until it is met.
type Coordinator struct {
	// mu only guards snapshots taken from other goroutines; the serial loop is the
	// sole writer.
	mu         sync.RWMutex
	conn       transport
	registry   *registry
	ringExists int
	awaiting   *expectation
	options    options
}

// expectation is the sub-state entered when a request must be followed by one
// specific command from one specific identity.
type expectation struct {
	command string
	origin  string

	// complete handles the matching datagram. A false done keeps the expectation.
	complete func(msg protocol.Message) (reply protocol.Message, done bool)
}

// NewCoordinator creates a coordinator that serves on conn.
func NewCoordinator(conn transport, opts ...Option) *Coordinator {
	return &Coordinator{
		conn:     conn,
		registry: newRegistry(),
		options:  applyOptions(opts),
	}
}

// Serve runs the request loop until ctx is done or the connection is closed.
func (c *Coordinator) Serve(ctx context.Context) error {
	for {
		msg, from, err := c.conn.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, protocol.ErrClosed):
				return nil
			case errors.Is(err, protocol.ErrMalformed):
				c.options.logger.Warn("dropping malformed datagram", "from", from, "error", err)
				continue
			default:
				return fmt.Errorf("failed to receive: %w", err)
			}
		}

		if !msg.IsRequest() {
			c.options.logger.Debug("ignoring response datagram", "from", from, "status", msg.Status)
			continue
		}

		var reply = c.dispatch(from, msg)
		if err := c.conn.Send(reply, from); err != nil {
			c.options.logger.Error("failed to reply", "command", msg.Command, "to", from, "error", err)
		}
	}
}

// Members returns every registered identity with its state, in registration order.
func (c *Coordinator) Members() []Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.snapshot()
}

// RingExists reports whether a ring is currently formed.
func (c *Coordinator) RingExists() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ringExists > 0
}

// dispatch resolves one request and returns the reply for its sender.
func (c *Coordinator) dispatch(from netip.AddrPort, msg protocol.Message) protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reply protocol.Message
	if c.awaiting != nil {
		reply = c.resolveAwaiting(from, msg)
	} else {
		reply = c.handle(from, msg)
	}

	telemetry.CoordinatorRequests.WithLabelValues(commandLabel(msg.Command), reply.Status.String()).Inc()
	telemetry.RingExists.Set(float64(c.ringExists))

	if reply.Status != protocol.StatusSuccess {
		c.options.logger.Info("request refused",
			"command", msg.Command,
			"from", from,
			"reason", reply.Body.Reason)
	}
	return reply
}

func (c *Coordinator) resolveAwaiting(from netip.AddrPort, msg protocol.Message) protocol.Message {
	var (
		exp    = c.awaiting
		caller = c.registry.byControl(from)
	)
	if msg.Command != exp.command || caller == nil || caller.Identity.Name != exp.origin {
		return protocol.Failure("awaiting %s from %s", exp.command, exp.origin)
	}

	reply, done := exp.complete(msg)
	if done {
		c.awaiting = nil
	}
	return reply
}

func (c *Coordinator) handle(from netip.AddrPort, msg protocol.Message) protocol.Message {
	switch msg.Command {
	case protocol.CommandRegister:
		return c.register(from, msg.Args.UserName, msg.Args.Port)
	case protocol.CommandSetupDHT:
		return c.setupDHT(from, msg.Args.N)
	case protocol.CommandQueryDHT:
		return c.queryDHT(from)
	case protocol.CommandLeaveDHT:
		return c.leaveDHT(from)
	case protocol.CommandDeregister:
		return c.deregister(from)
	case protocol.CommandTeardownDHT:
		return c.teardownDHT(from)
	case protocol.CommandDHTComplete, protocol.CommandDHTRebuilt, protocol.CommandTeardownComplete:
		return protocol.Failure("%s was not expected", msg.Command)
	default:
		return protocol.Failure("unknown command %q", msg.Command)
	}
}

func (c *Coordinator) register(from netip.AddrPort, name string, port int) protocol.Message {
	if name == "" || len(name) > protocol.MaxNameLength {
		return protocol.Failure("user name must be 1 to %d bytes", protocol.MaxNameLength)
	}
	if port < 1 || port > protocol.MaxPort {
		return protocol.Failure("port must be between 1 and %d", protocol.MaxPort)
	}

	var id = protocol.Identity{
		Name:    name,
		Control: from,
		Data:    netip.AddrPortFrom(from.Addr(), uint16(port)),
	}
	if field := c.registry.conflict(id); field != "" {
		return protocol.Failure("%s already registered", field)
	}

	c.registry.add(id)
	c.options.logger.Info("registered user", "node", name, "control", id.Control, "data", id.Data)

	return protocol.Success(protocol.Body{Identities: []protocol.Identity{id}})
}

func (c *Coordinator) setupDHT(from netip.AddrPort, n int) protocol.Message {
	var leader = c.registry.byControl(from)
	switch {
	case leader == nil:
		return protocol.Failure("caller is not registered")
	case n < 2:
		return protocol.Failure("ring size must be at least 2")
	case c.ringExists > 0:
		return protocol.Failure("a ring already exists")
	case len(c.registry.inState(StateFree)) < n:
		return protocol.Failure("fewer than %d free users", n)
	}

	leader.State = StateLeader
	var ring = []protocol.Identity{leader.Identity}
	for range n - 1 {
		var (
			free   = c.registry.inState(StateFree)
			picked = free[c.options.rand.IntN(len(free))]
		)
		picked.State = StateInRing
		ring = append(ring, picked.Identity)
	}
	c.ringExists++

	var leaderName = leader.Identity.Name
	c.awaiting = &expectation{
		command: protocol.CommandDHTComplete,
		origin:  leaderName,
		complete: func(protocol.Message) (protocol.Message, bool) {
			c.options.logger.Info("ring formed", "leader", leaderName, "size", n, "members", c.registry.snapshot())
			return protocol.Success(protocol.Body{}), true
		},
	}

	return protocol.Success(protocol.Body{Identities: ring})
}

func (c *Coordinator) queryDHT(from netip.AddrPort) protocol.Message {
	if c.ringExists == 0 {
		return protocol.Failure("no ring exists")
	}

	var caller = c.registry.byControl(from)
	if caller == nil || caller.State != StateFree {
		return protocol.Failure("caller must be a registered free user")
	}

	var (
		members = c.registry.inState(StateInRing, StateLeader)
		entry   = members[c.options.rand.IntN(len(members))]
	)
	return protocol.Success(protocol.Body{Identities: []protocol.Identity{entry.Identity}})
}

func (c *Coordinator) leaveDHT(from netip.AddrPort) protocol.Message {
	if c.ringExists == 0 {
		return protocol.Failure("no ring exists")
	}

	var caller = c.registry.byControl(from)
	switch {
	case caller == nil || caller.State == StateFree:
		return protocol.Failure("caller is not a ring member")
	case c.registry.ringSize() <= 2:
		return protocol.Failure("ring cannot shrink below 2 members")
	}

	var leaving = caller.Identity.Name
	c.awaiting = &expectation{
		command: protocol.CommandDHTRebuilt,
		origin:  leaving,
		complete: func(msg protocol.Message) (protocol.Message, bool) {
			var newLeader = c.registry.byName(msg.Args.Leader.Name)
			if newLeader == nil || newLeader.State == StateFree || newLeader.Identity.Name == leaving {
				return protocol.Failure("unknown new leader %q", msg.Args.Leader.Name), false
			}

			// position 0 moved to the former successor; keep a single leader
			for _, m := range c.registry.inState(StateLeader) {
				m.State = StateInRing
			}
			c.registry.byName(leaving).State = StateFree
			newLeader.State = StateLeader

			c.options.logger.Info("user left ring", "node", leaving, "leader", newLeader.Identity.Name, "size", c.registry.ringSize())
			return protocol.Success(protocol.Body{}), true
		},
	}

	return protocol.Success(protocol.Body{})
}

func (c *Coordinator) deregister(from netip.AddrPort) protocol.Message {
	var caller = c.registry.byControl(from)
	if caller == nil || caller.State != StateFree {
		return protocol.Failure("caller must be a registered free user")
	}

	c.registry.remove(caller.Identity.Name)
	c.options.logger.Info("purged user", "node", caller.Identity.Name)

	return protocol.Success(protocol.Body{})
}

func (c *Coordinator) teardownDHT(from netip.AddrPort) protocol.Message {
	if c.ringExists == 0 {
		return protocol.Failure("no ring exists")
	}

	var caller = c.registry.byControl(from)
	if caller == nil || caller.State != StateLeader {
		return protocol.Failure("only the leader may tear down the ring")
	}

	c.awaiting = &expectation{
		command: protocol.CommandTeardownComplete,
		origin:  caller.Identity.Name,
		complete: func(protocol.Message) (protocol.Message, bool) {
			c.registry.freeAll()
			c.ringExists--
			c.options.logger.Info("ring torn down")
			return protocol.Success(protocol.Body{}), true
		},
	}

	return protocol.Success(protocol.Body{})
}

// commandLabel bounds metric cardinality to known commands.
func commandLabel(command string) string {
	switch command {
	case protocol.CommandRegister, protocol.CommandSetupDHT, protocol.CommandQueryDHT,
		protocol.CommandLeaveDHT, protocol.CommandDeregister, protocol.CommandTeardownDHT,
		protocol.CommandDHTComplete, protocol.CommandDHTRebuilt, protocol.CommandTeardownComplete:
		return command
	default:
		return "unknown"
	}
}
