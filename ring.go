package dhtring

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"go-dhtring/hashtable"
	"go-dhtring/internal/telemetry"
	"go-dhtring/protocol"
)

// Outcomes recorded for ring datagrams.
const (
	outcomeHandled   = "handled"
	outcomeForwarded = "forwarded"
	outcomeDropped   = "dropped"
)

// outbound is a datagram computed under the node lock and sent after it is released.
type outbound struct {
	msg protocol.Message
	to  netip.AddrPort
}

// listen serves ring traffic on conn until ctx is done or conn is closed.
// Responses are handed to the waiting control operation; requests are handled
// one at a time in arrival order.
func (n *Node) listen(ctx context.Context, conn transport) {
	defer n.listening.Done()

	for {
		msg, from, err := conn.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, protocol.ErrClosed):
				return
			case errors.Is(err, protocol.ErrMalformed):
				n.options.logger.Warn("dropping malformed ring datagram", "from", from, "error", err)
				continue
			default:
				n.options.logger.Error("ring listener stopped", "error", err)
				return
			}
		}

		if !msg.IsRequest() {
			n.deliver(msg)
			continue
		}

		for _, out := range n.handleRing(from, msg) {
			if err := conn.Send(out.msg, out.to); err != nil {
				n.options.logger.Error("failed to send ring datagram", "command", out.msg.Command, "to", out.to, "error", err)
			}
		}
	}
}

// handleRing applies one ring request to the node's state and returns what to send.
func (n *Node) handleRing(from netip.AddrPort, msg protocol.Message) []outbound {
	n.mu.Lock()
	defer n.mu.Unlock()

	var (
		outcome string
		out     []outbound
	)
	switch msg.Command {
	case protocol.CommandSetID:
		outcome = n.onSetID(msg.Args)
	case protocol.CommandStore:
		outcome, out = n.onStore(msg)
	case protocol.CommandQuery:
		outcome, out = n.onQuery(msg)
	case protocol.CommandResetID:
		outcome, out = n.onResetID(msg)
	case protocol.CommandResetNext:
		outcome = n.onResetNeighbor(func(v *RingView) { v.Next = msg.Args.Next })
	case protocol.CommandResetPrev:
		outcome = n.onResetNeighbor(func(v *RingView) { v.Prev = msg.Args.Prev })
	case protocol.CommandTeardown:
		outcome, out = n.onTeardown(msg)
	default:
		outcome = outcomeDropped
	}

	telemetry.RingMessages.WithLabelValues(ringLabel(msg.Command), outcome).Inc()
	if outcome == outcomeDropped {
		n.options.logger.Debug("dropped ring datagram", "command", msg.Command, "from", from)
	}
	return out
}

func (n *Node) onSetID(args protocol.Args) string {
	if args.N < 1 || args.I < 0 || args.I >= args.N {
		return outcomeDropped
	}

	n.view = &RingView{
		Position: args.I,
		Size:     args.N,
		Prev:     args.Prev,
		Next:     args.Next,
	}
	n.store = hashtable.New[protocol.Record](n.options.capacity)
	n.state = stateAt(args.I)
	n.leaving = false

	n.options.logger.Info("joined ring", "node", n.self.Name, "position", args.I, "size", args.N,
		"prev", args.Prev.Name, "next", args.Next.Name)
	return outcomeHandled
}

func (n *Node) onStore(msg protocol.Message) (string, []outbound) {
	if n.view == nil {
		return outcomeDropped, nil
	}

	var key = msg.Args.Record.Key(n.options.shardKey)
	if key == "" {
		return outcomeDropped, nil
	}

	if n.leaving || ringPosition(key, n.options.capacity, n.view.Size) != n.view.Position {
		return outcomeForwarded, []outbound{{msg: msg, to: n.view.Next.Data}}
	}

	n.insertLocked(key, msg.Args.Record)
	return outcomeHandled, nil
}

func (n *Node) onQuery(msg protocol.Message) (string, []outbound) {
	if n.view == nil || !msg.Args.Requester.IsValid() {
		return outcomeDropped, nil
	}

	var key = msg.Args.Key
	if n.leaving || ringPosition(key, n.options.capacity, n.view.Size) != n.view.Position {
		return outcomeForwarded, []outbound{{msg: msg, to: n.view.Next.Data}}
	}

	var reply = protocol.NotFound(fmt.Sprintf("no record for %q", key))
	if record, ok := n.store.Lookup(key); ok {
		reply = protocol.Success(protocol.Body{Record: record})
	}
	return outcomeHandled, []outbound{{msg: reply.WithRef(msg.Ref), to: msg.Args.Requester}}
}

func (n *Node) onResetID(msg protocol.Message) (string, []outbound) {
	var args = msg.Args
	if n.view == nil || args.N < 1 || args.I < 0 || args.I >= args.N {
		return outcomeDropped, nil
	}

	n.view.Position = args.I
	n.view.Size = args.N
	n.store = hashtable.New[protocol.Record](n.options.capacity)
	n.state = stateAt(args.I)

	if args.I == args.N-1 {
		var done = protocol.Success(protocol.Body{}).WithRef(msg.Ref)
		return outcomeHandled, []outbound{{msg: done, to: args.Origin.Data}}
	}

	var next = protocol.NewRequest(protocol.CommandResetID, protocol.Args{
		I:      args.I + 1,
		N:      args.N,
		Origin: args.Origin,
	}).WithRef(msg.Ref)
	return outcomeForwarded, []outbound{{msg: next, to: n.view.Next.Data}}
}

func (n *Node) onResetNeighbor(patch func(*RingView)) string {
	if n.view == nil {
		return outcomeDropped
	}
	patch(n.view)
	return outcomeHandled
}

func (n *Node) onTeardown(msg protocol.Message) (string, []outbound) {
	if n.view == nil {
		return outcomeDropped, nil
	}

	var next = n.view.Next
	n.view = nil
	n.store = nil
	n.state = StateFree

	if msg.Args.Origin.Name == n.self.Name {
		n.deliver(protocol.Success(protocol.Body{}).WithRef(msg.Ref))
		return outcomeHandled, nil
	}
	return outcomeForwarded, []outbound{{msg: msg, to: next.Data}}
}

// insertLocked stores record in the local shard. A full table drops it.
func (n *Node) insertLocked(key string, record protocol.Record) {
	if n.store.Insert(key, record) {
		telemetry.StoreInserts.WithLabelValues("stored").Inc()
		return
	}

	telemetry.StoreInserts.WithLabelValues("full").Inc()
	n.options.logger.Warn("local store full, dropping record", "node", n.self.Name, "key", key)
}

// String renders the node's identity, ring view and store usage.
func (n *Node) String() string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", displayName(n.self), n.state)
	if n.self.Data.IsValid() {
		fmt.Fprintf(&b, " ring=%s", n.self.Data)
	}
	if n.view == nil {
		return b.String()
	}

	fmt.Fprintf(&b, " position=%d/%d prev=%s next=%s",
		n.view.Position, n.view.Size, n.view.Prev.Name, n.view.Next.Name)
	if n.store != nil {
		var stats = n.store.Stats()
		fmt.Fprintf(&b, " records=%d/%d tombstones=%d", stats.Entries, stats.Capacity, stats.Tombstones)
	}
	return b.String()
}

func displayName(id protocol.Identity) string {
	if id.Name == "" {
		return "unregistered"
	}
	return id.Name
}

// stateAt maps a ring position to the membership state it implies.
func stateAt(position int) State {
	if position == 0 {
		return StateLeader
	}
	return StateInRing
}

// ringLabel bounds metric cardinality to known ring commands.
func ringLabel(command string) string {
	switch command {
	case protocol.CommandSetID, protocol.CommandStore, protocol.CommandQuery,
		protocol.CommandResetID, protocol.CommandResetNext, protocol.CommandResetPrev,
		protocol.CommandTeardown:
		return command
	default:
		return "unknown"
	}
}
