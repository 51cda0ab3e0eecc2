package dhtring

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"go-dhtring/protocol"
)

var (
	// ErrNotRegistered is returned when a node operation needs a registered node.
	ErrNotRegistered = errors.New("node is not registered")

	// ErrAlreadyRegistered is returned when Register is called twice.
	ErrAlreadyRegistered = errors.New("node is already registered")

	// ErrNotInRing is returned when an operation needs a ring view the node does not have.
	ErrNotInRing = errors.New("node is not a ring member")

	// ErrRequestFailed is returned when the coordinator answers FAILURE.
	ErrRequestFailed = errors.New("request failed")

	// ErrNotFound is returned when a queried key has no record in the ring.
	ErrNotFound = errors.New("key not found")

	// ErrUnexpectedReply is returned when a reply lacks the expected body.
	ErrUnexpectedReply = errors.New("unexpected reply")

	// ErrClosed is returned by operations on a node that has been closed.
	ErrClosed = errors.New("node is closed")
)

// State is the membership state of a node.
// The coordinator tracks Free, InRing and Leader; Unregistered is node-local.
type State int

const (
	StateUnregistered State = iota
	StateFree
	StateInRing
	StateLeader
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "Unregistered"
	case StateFree:
		return "Free"
	case StateInRing:
		return "InRing"
	case StateLeader:
		return "Leader"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Member is a registered identity and its membership state.
type Member struct {
	Identity protocol.Identity
	State    State
}

// RingView is a node's knowledge of its place in the ring.
type RingView struct {
	Position int
	Size     int
	Prev     protocol.Identity
	Next     protocol.Identity
}

// transport is a datagram endpoint; *protocol.Conn implements it.
type transport interface {
	Send(m protocol.Message, addr netip.AddrPort) error
	Receive(ctx context.Context) (protocol.Message, netip.AddrPort, error)
	Close() error
}

var _ transport = (*protocol.Conn)(nil)
