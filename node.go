package dhtring

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"go-dhtring/dataset"
	"go-dhtring/hashtable"
	"go-dhtring/protocol"

	"go.uber.org/atomic"
)

// replyBuffer bounds responses that reach the listener before a waiter reads them.
const replyBuffer = 16

// Node is a DHT peer. Control operations talk to the coordinator one at a time;
// once registered, a background listener handles ring datagrams serially.
type Node struct {
	coordinator netip.AddrPort
	source      dataset.Source
	options     options

	ops     sync.Mutex // serializes control operations
	control transport

	mu      sync.RWMutex
	data    transport
	self    protocol.Identity
	state   State
	view    *RingView
	store   *hashtable.Table[protocol.Record]
	leaving bool

	replies   chan protocol.Message
	cancel    context.CancelFunc
	listening sync.WaitGroup
	closed    *atomic.Bool
}

// NewNode creates an unregistered node that talks to the coordinator at addr and
// seeds rings it leads from source.
func NewNode(addr netip.AddrPort, source dataset.Source, opts ...Option) (*Node, error) {
	var options = applyOptions(opts)

	control, err := protocol.Listen(options.listenHost, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open control socket: %w", err)
	}

	return &Node{
		coordinator: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		source:      source,
		options:     options,
		control:     control,
		state:       StateUnregistered,
		replies:     make(chan protocol.Message, replyBuffer),
		closed:      atomic.NewBool(false),
	}, nil
}

// Identity returns the identity the coordinator assigned at registration.
func (n *Node) Identity() protocol.Identity {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.self
}

// State returns the node's current membership state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// View returns the node's ring view, if it is a ring member.
func (n *Node) View() (RingView, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.view == nil {
		return RingView{}, false
	}
	return *n.view, true
}

// Local looks key up in this node's shard only.
func (n *Node) Local(key string) (protocol.Record, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.store == nil {
		return nil, false
	}
	return n.store.Lookup(key)
}

// Register registers name with the coordinator and starts serving ring traffic on port.
// Port 0 binds an ephemeral port, which is then the port declared to the coordinator.
func (n *Node) Register(ctx context.Context, name string, port int) error {
	n.ops.Lock()
	defer n.ops.Unlock()

	n.mu.RLock()
	var registered = n.state != StateUnregistered
	n.mu.RUnlock()
	if registered {
		return ErrAlreadyRegistered
	}

	data, err := protocol.Listen(n.options.listenHost, port)
	if err != nil {
		return fmt.Errorf("failed to open ring socket: %w", err)
	}

	resp, err := n.call(ctx, protocol.NewRequest(protocol.CommandRegister, protocol.Args{
		UserName: name,
		Port:     data.Port(),
	}))
	if err != nil {
		_ = data.Close()
		return err
	}

	var self = protocol.Identity{Name: name}
	if len(resp.Body.Identities) > 0 {
		self = resp.Body.Identities[0]
	}

	var listenCtx, cancel = context.WithCancel(context.Background())

	n.mu.Lock()
	if n.closed.Load() {
		n.mu.Unlock()
		cancel()
		_ = data.Close()
		return ErrClosed
	}
	n.cancel = cancel
	n.data = data
	n.self = self
	n.state = StateFree
	n.listening.Add(1)
	n.mu.Unlock()

	go n.listen(listenCtx, data)

	n.options.logger.Info("registered", "node", name, "data", self.Data)
	return nil
}

// SetupDHT asks the coordinator for a ring of size members led by this node,
// forms it and populates it from the seed source.
func (n *Node) SetupDHT(ctx context.Context, size int) error {
	n.ops.Lock()
	defer n.ops.Unlock()

	if err := n.requireRegistered(); err != nil {
		return err
	}

	resp, err := n.call(ctx, protocol.NewRequest(protocol.CommandSetupDHT, protocol.Args{N: size}))
	if err != nil {
		return err
	}
	if len(resp.Body.Identities) < 2 {
		return fmt.Errorf("%w: setup-dht returned %d members", ErrUnexpectedReply, len(resp.Body.Identities))
	}

	// The coordinator waits for dht-complete whatever happens here.
	var formErr = n.formRing(ctx, resp.Body.Identities)

	_, err = n.call(ctx, protocol.NewRequest(protocol.CommandDHTComplete, protocol.Args{}))
	return errors.Join(formErr, err)
}

// QueryDHT looks key up through the ring and returns its record.
// It returns ErrNotFound when the owning node has no record for key.
func (n *Node) QueryDHT(ctx context.Context, key string) (protocol.Record, error) {
	n.ops.Lock()
	defer n.ops.Unlock()

	if err := n.requireRegistered(); err != nil {
		return nil, err
	}

	resp, err := n.call(ctx, protocol.NewRequest(protocol.CommandQueryDHT, protocol.Args{}))
	if err != nil {
		return nil, err
	}
	if len(resp.Body.Identities) == 0 {
		return nil, fmt.Errorf("%w: query-dht returned no entry point", ErrUnexpectedReply)
	}

	return n.query(ctx, resp.Body.Identities[0], key)
}

// LeaveDHT removes this node from the ring and rebuilds the remaining ring.
func (n *Node) LeaveDHT(ctx context.Context) error {
	n.ops.Lock()
	defer n.ops.Unlock()

	view, ok := n.View()
	if !ok {
		return ErrNotInRing
	}

	if _, err := n.call(ctx, protocol.NewRequest(protocol.CommandLeaveDHT, protocol.Args{})); err != nil {
		return err
	}

	// The coordinator now waits for dht-rebuilt from this node.
	if err := n.leave(ctx, view); err != nil {
		n.mu.Lock()
		n.leaving = false
		n.mu.Unlock()
		return err
	}

	if _, err := n.call(ctx, protocol.NewRequest(protocol.CommandDHTRebuilt, protocol.Args{Leader: view.Next})); err != nil {
		return err
	}

	n.mu.Lock()
	n.view = nil
	n.store = nil
	n.state = StateFree
	n.leaving = false
	n.mu.Unlock()

	n.options.logger.Info("left ring", "leader", view.Next.Name)
	return nil
}

// TeardownDHT dismantles the ring. Only the leader is allowed to.
func (n *Node) TeardownDHT(ctx context.Context) error {
	n.ops.Lock()
	defer n.ops.Unlock()

	view, ok := n.View()
	if !ok {
		return ErrNotInRing
	}

	if _, err := n.call(ctx, protocol.NewRequest(protocol.CommandTeardownDHT, protocol.Args{})); err != nil {
		return err
	}

	if err := n.teardown(ctx, view); err != nil {
		return err
	}

	if _, err := n.call(ctx, protocol.NewRequest(protocol.CommandTeardownComplete, protocol.Args{})); err != nil {
		return err
	}

	n.options.logger.Info("ring torn down")
	return nil
}

// Deregister removes this node from the coordinator and shuts it down.
func (n *Node) Deregister(ctx context.Context) error {
	n.ops.Lock()
	defer n.ops.Unlock()

	if err := n.requireRegistered(); err != nil {
		return err
	}

	if _, err := n.call(ctx, protocol.NewRequest(protocol.CommandDeregister, protocol.Args{})); err != nil {
		return err
	}

	n.mu.Lock()
	n.state = StateUnregistered
	n.mu.Unlock()

	return n.Close()
}

// Close stops the listener and releases both sockets.
func (n *Node) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}

	n.mu.RLock()
	var (
		cancel = n.cancel
		data   = n.data
	)
	n.mu.RUnlock()

	if cancel != nil {
		cancel()
	}

	var errs []error
	if data != nil {
		errs = append(errs, data.Close())
	}
	errs = append(errs, n.control.Close())

	n.listening.Wait()
	return errors.Join(errs...)
}

// call sends a request to the coordinator and blocks for its reply.
// A FAILURE reply is returned together with an error wrapping ErrRequestFailed.
func (n *Node) call(ctx context.Context, req protocol.Message) (protocol.Message, error) {
	if err := n.control.Send(req, n.coordinator); err != nil {
		return protocol.Message{}, err
	}

	for {
		resp, from, err := n.control.Receive(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				n.options.logger.Warn("dropping malformed reply", "from", from, "error", err)
				continue
			}
			return protocol.Message{}, fmt.Errorf("failed to await %s reply: %w", req.Command, err)
		}
		if from != n.coordinator || resp.IsRequest() {
			n.options.logger.Debug("ignoring datagram on control socket", "from", from, "command", resp.Command)
			continue
		}

		n.options.logger.Debug("coordinator replied", "command", req.Command, "status", resp.Status)
		if !resp.OK() {
			return resp, fmt.Errorf("%w: %s: %s", ErrRequestFailed, req.Command, resp.Body.Reason)
		}
		return resp, nil
	}
}

// await blocks until the listener hands over the response carrying ref.
func (n *Node) await(ctx context.Context, ref string) (protocol.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		case resp := <-n.replies:
			if resp.Ref == ref {
				return resp, nil
			}
			n.options.logger.Debug("discarding stale reply", "ref", resp.Ref, "want", ref)
		}
	}
}

// deliver queues a response for a waiting control operation.
func (n *Node) deliver(resp protocol.Message) {
	select {
	case n.replies <- resp:
	default:
		n.options.logger.Warn("reply buffer full, dropping response", "ref", resp.Ref)
	}
}

// send writes a ring datagram from the node's ring socket.
func (n *Node) send(msg protocol.Message, to protocol.Identity) error {
	n.mu.RLock()
	var data = n.data
	n.mu.RUnlock()

	if data == nil {
		return ErrNotRegistered
	}
	return data.Send(msg, to.Data)
}

func (n *Node) requireRegistered() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state == StateUnregistered || n.data == nil {
		return ErrNotRegistered
	}
	return nil
}
