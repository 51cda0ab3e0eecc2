package dhtring

import (
	"context"
	"net/netip"
	"testing"

	"go-dhtring/dataset"
	"go-dhtring/protocol"

	"github.com/stretchr/testify/require"
)

// startCoordinator serves a coordinator on a loopback port until the test ends.
func startCoordinator(t *testing.T, opts ...Option) (*Coordinator, netip.AddrPort) {
	t.Helper()

	conn, err := protocol.Listen("127.0.0.1", 0)
	require.NoError(t, err)

	var (
		sut         = NewCoordinator(conn, opts...)
		ctx, cancel = context.WithCancel(context.Background())
		done        = make(chan error, 1)
	)
	go func() { done <- sut.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
		require.NoError(t, <-done)
	})
	return sut, conn.LocalAddr()
}

// startNode creates a loopback node and registers it under name.
func startNode(t *testing.T, coordinator netip.AddrPort, name string, source dataset.Source) *Node {
	t.Helper()

	node, err := NewNode(coordinator, source, WithListenHost("127.0.0.1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close() })

	require.NoError(t, node.Register(context.Background(), name, 0))
	return node
}
