package dhtring

import (
	"context"
	"errors"
	"fmt"

	"go-dhtring/hashtable"
	"go-dhtring/protocol"

	"github.com/google/uuid"
)

// formation computes every member's ring view from the ordered member list.
// Neighbors follow list order and wrap at both ends.
func formation(list []protocol.Identity) []RingView {
	var (
		size  = len(list)
		views = make([]RingView, size)
	)
	for i := range list {
		views[i] = RingView{
			Position: i,
			Size:     size,
			Prev:     list[(i-1+size)%size],
			Next:     list[(i+1)%size],
		}
	}
	return views
}

// formRing assigns positions to list, installs this node as position 0 and
// places the seed records.
func (n *Node) formRing(ctx context.Context, list []protocol.Identity) error {
	var (
		views = formation(list)
		errs  []error
	)

	for i, view := range views[1:] {
		var setID = protocol.NewRequest(protocol.CommandSetID, protocol.Args{
			I:    view.Position,
			N:    view.Size,
			Prev: view.Prev,
			Next: view.Next,
		})
		if err := n.send(setID, list[i+1]); err != nil {
			errs = append(errs, fmt.Errorf("failed to assign position %d: %w", view.Position, err))
		}
	}

	var own = views[0]
	n.mu.Lock()
	n.view = &own
	n.store = hashtable.New[protocol.Record](n.options.capacity)
	n.state = StateLeader
	n.leaving = false
	n.mu.Unlock()

	local, forwarded, err := n.place(ctx, own)
	if err != nil {
		errs = append(errs, err)
	}

	n.options.logger.Info("ring formed",
		"size", own.Size,
		"next", own.Next.Name,
		"local", local,
		"forwarded", forwarded)
	return errors.Join(errs...)
}

// place walks the seed source once. Records owned by this node's position are
// inserted locally; the rest enter the ring at next.
func (n *Node) place(ctx context.Context, view RingView) (local, forwarded int, err error) {
	if n.source == nil {
		return 0, 0, nil
	}

	for record, err := range n.source.Records(ctx) {
		if err != nil {
			return local, forwarded, fmt.Errorf("failed to read seed records: %w", err)
		}

		var key = record.Key(n.options.shardKey)
		if key == "" {
			continue
		}

		if ringPosition(key, n.options.capacity, view.Size) == view.Position {
			n.mu.Lock()
			n.insertLocked(key, record)
			n.mu.Unlock()
			local++
			continue
		}

		var store = protocol.NewRequest(protocol.CommandStore, protocol.Args{Record: record})
		if err := n.send(store, view.Next); err != nil {
			n.options.logger.Warn("failed to place record", "key", key, "error", err)
			continue
		}
		forwarded++
	}
	return local, forwarded, nil
}

// query sends a lookup into the ring at entry and waits for the owner's answer.
func (n *Node) query(ctx context.Context, entry protocol.Identity, key string) (protocol.Record, error) {
	var (
		ref = uuid.NewString()
		msg = protocol.NewRequest(protocol.CommandQuery, protocol.Args{
			Key:       key,
			Requester: n.Identity().Data,
		}).WithRef(ref)
	)
	if err := n.send(msg, entry); err != nil {
		return nil, err
	}

	resp, err := n.await(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to await answer for %q: %w", key, err)
	}

	switch resp.Status {
	case protocol.StatusSuccess:
		return resp.Body.Record, nil
	case protocol.StatusNotFound:
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	default:
		return nil, fmt.Errorf("%w: query answered %s", ErrUnexpectedReply, resp.Status)
	}
}

// leave renumbers the ring without this node, splices its neighbors together and
// replays the seed records into the smaller ring.
func (n *Node) leave(ctx context.Context, view RingView) error {
	var self = n.Identity()

	n.mu.Lock()
	n.leaving = true
	n.mu.Unlock()

	var (
		ref   = uuid.NewString()
		reset = protocol.NewRequest(protocol.CommandResetID, protocol.Args{
			I:      0,
			N:      view.Size - 1,
			Origin: self,
		}).WithRef(ref)
	)
	if err := n.send(reset, view.Next); err != nil {
		return err
	}
	if _, err := n.await(ctx, ref); err != nil {
		return fmt.Errorf("failed to await renumbering: %w", err)
	}

	var (
		patchPrev = protocol.NewRequest(protocol.CommandResetNext, protocol.Args{Next: view.Next})
		patchNext = protocol.NewRequest(protocol.CommandResetPrev, protocol.Args{Prev: view.Prev})
	)
	if err := n.send(patchPrev, view.Prev); err != nil {
		return err
	}
	if err := n.send(patchNext, view.Next); err != nil {
		return err
	}

	// Position -1 owns nothing, so every record enters the rebuilt ring at the former successor.
	var entry = RingView{Position: -1, Size: view.Size - 1, Next: view.Next}
	_, forwarded, err := n.place(ctx, entry)
	if err != nil {
		return err
	}

	n.options.logger.Info("ring rebuilt", "size", entry.Size, "forwarded", forwarded)
	return nil
}

// teardown sends the teardown token around the ring and waits for it to return.
func (n *Node) teardown(ctx context.Context, view RingView) error {
	var (
		ref = uuid.NewString()
		msg = protocol.NewRequest(protocol.CommandTeardown, protocol.Args{Origin: n.Identity()}).WithRef(ref)
	)
	if err := n.send(msg, view.Next); err != nil {
		return err
	}

	if _, err := n.await(ctx, ref); err != nil {
		return fmt.Errorf("failed to await teardown: %w", err)
	}
	return nil
}
