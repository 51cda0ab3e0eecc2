package dhtring

import (
	"context"
	"testing"
	"time"

	"go-dhtring/dataset"
	"go-dhtring/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	var (
		records = dataset.Memory{
			{"Long Name": "Aruba", "Region": "Latin America & Caribbean"},
			{"Long Name": "Mali", "Region": "Sub-Saharan Africa"},
			{"Long Name": "Peru", "Region": "Latin America & Caribbean"},
			{"Long Name": "Chad", "Region": "Sub-Saharan Africa"},
			{"Long Name": "Republic of Korea", "Region": "East Asia & Pacific"},
		}
		newCtx = func(t *testing.T) context.Context {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.Cleanup(cancel)
			return ctx
		}
		// placed reports whether every record sits on the member owning its position.
		placed = func(nodes ...*Node) bool {
			for _, record := range records {
				var key = record.Key(dataset.DefaultShardKey)
				var found bool
				for _, node := range nodes {
					view, ok := node.View()
					if !ok || ringPosition(key, 353, view.Size) != view.Position {
						continue
					}
					_, found = node.Local(key)
				}
				if !found {
					return false
				}
			}
			return true
		}
		byPosition = func(position int, nodes ...*Node) *Node {
			for _, node := range nodes {
				if view, ok := node.View(); ok && view.Position == position {
					return node
				}
			}
			return nil
		}
	)

	t.Run("should place records, answer lookups and tear down", func(t *testing.T) {
		t.Parallel()

		var (
			ctx             = newCtx(t)
			coordinator, at = startCoordinator(t)
			nodeA           = startNode(t, at, "A", records)
			nodeB           = startNode(t, at, "B", nil)
			nodeC           = startNode(t, at, "C", nil)
			ring            = []*Node{nodeA, nodeB, nodeC}
		)

		// Act: A leads a ring of every free user
		err := nodeA.SetupDHT(ctx, 3)
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			return placed(ring...)
		}, 2*time.Second, 20*time.Millisecond, "every record should reach its owner")

		// Aruba sums to 491, 491 mod 353 = 138, 138 mod 3 = 0
		record, ok := nodeA.Local("Aruba")
		require.True(t, ok)
		assert.Equal(t, "Latin America & Caribbean", record["Region"])

		view, ok := nodeA.View()
		require.True(t, ok)
		assert.Equal(t, 0, view.Position)
		assert.Equal(t, StateLeader, nodeA.State())
		for _, node := range ring[1:] {
			assert.Equal(t, StateInRing, node.State())
		}

		// Lookups go through a free user
		var nodeD = startNode(t, at, "D", nil)

		record, err = nodeD.QueryDHT(ctx, "Aruba")
		require.NoError(t, err)
		assert.Equal(t, protocol.Record{"Long Name": "Aruba", "Region": "Latin America & Caribbean"}, record)

		record, err = nodeD.QueryDHT(ctx, "Mali")
		require.NoError(t, err)
		assert.Equal(t, "Sub-Saharan Africa", record["Region"])

		_, err = nodeD.QueryDHT(ctx, "Nonexistent")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = nodeB.QueryDHT(ctx, "Aruba")
		assert.ErrorIs(t, err, ErrRequestFailed, "ring members may not query")

		// Only the leader may tear down
		err = nodeB.TeardownDHT(ctx)
		assert.ErrorIs(t, err, ErrRequestFailed)
		assert.True(t, coordinator.RingExists())

		err = nodeA.TeardownDHT(ctx)
		require.NoError(t, err)

		assert.False(t, coordinator.RingExists())
		for _, member := range coordinator.Members() {
			assert.Equal(t, StateFree, member.State, member.Identity.Name)
		}
		for _, node := range ring {
			_, ok := node.View()
			assert.False(t, ok)
			assert.Equal(t, StateFree, node.State())
		}

		_, err = nodeD.QueryDHT(ctx, "Aruba")
		assert.ErrorIs(t, err, ErrRequestFailed, "no ring to query")
	})

	t.Run("should rebuild the ring when a member leaves", func(t *testing.T) {
		t.Parallel()

		var (
			ctx             = newCtx(t)
			coordinator, at = startCoordinator(t)
			nodeA           = startNode(t, at, "A", records)
			nodeB           = startNode(t, at, "B", records)
			nodeC           = startNode(t, at, "C", records)
			nodeD           = startNode(t, at, "D", records)
			all             = []*Node{nodeA, nodeB, nodeC, nodeD}
		)

		require.NoError(t, nodeA.SetupDHT(ctx, 4))
		assert.Eventually(t, func() bool {
			return placed(all...)
		}, 2*time.Second, 20*time.Millisecond)

		var (
			leaving   = byPosition(1, all...)
			successor = byPosition(2, all...)
		)
		require.NotNil(t, leaving)
		require.NotNil(t, successor)

		var remaining []*Node
		for _, node := range all {
			if node != leaving {
				remaining = append(remaining, node)
			}
		}

		// Act
		err := leaving.LeaveDHT(ctx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, StateFree, leaving.State())
		_, ok := leaving.View()
		assert.False(t, ok)

		var states = make(map[string]State)
		for _, member := range coordinator.Members() {
			states[member.Identity.Name] = member.State
		}
		assert.Equal(t, StateFree, states[leaving.Identity().Name])
		assert.Equal(t, StateLeader, states[successor.Identity().Name])
		assert.Equal(t, StateInRing, states["A"])

		// The former successor is position 0 and next pointers close a 3-cycle
		assert.Eventually(t, func() bool {
			var (
				current = successor
				seen    = map[string]bool{}
			)
			for i := range 3 {
				view, ok := current.View()
				if !ok || view.Size != 3 || view.Position != i {
					return false
				}
				seen[current.Identity().Name] = true
				current = nil
				for _, node := range remaining {
					if node.Identity().Name == view.Next.Name {
						current = node
					}
				}
				if current == nil {
					return false
				}
			}
			return current == successor && len(seen) == 3
		}, 2*time.Second, 20*time.Millisecond, "remaining members should form a renumbered ring")

		assert.Eventually(t, func() bool {
			return placed(remaining...)
		}, 2*time.Second, 20*time.Millisecond, "records should be replayed into the smaller ring")

		record, err := leaving.QueryDHT(ctx, "Aruba")
		require.NoError(t, err)
		assert.Equal(t, "Latin America & Caribbean", record["Region"])

		require.NoError(t, leaving.Deregister(ctx))
		assert.Len(t, coordinator.Members(), 3)
	})

	t.Run("should serve a new ring after a member left", func(t *testing.T) {
		t.Parallel()

		// Arrange
		var (
			ctx   = newCtx(t)
			_, at = startCoordinator(t)
			all   = []*Node{
				startNode(t, at, "A", records),
				startNode(t, at, "B", records),
				startNode(t, at, "C", records),
			}
			leader = all[0]
		)
		require.NoError(t, leader.SetupDHT(ctx, 3))

		var (
			leaving   = byPosition(1, all...)
			successor = byPosition(2, all...)
		)
		require.NotNil(t, leaving)
		require.NotNil(t, successor)
		require.NoError(t, leaving.LeaveDHT(ctx))
		require.NoError(t, successor.TeardownDHT(ctx))

		// Act
		err := successor.SetupDHT(ctx, 3)

		// Assert
		require.NoError(t, err)
		view, ok := leaving.View()
		require.True(t, ok, "the former leaver should hold a view again")
		assert.Equal(t, 3, view.Size)
		assert.NotEqual(t, StateFree, leaving.State())

		assert.Eventually(t, func() bool {
			return placed(all...)
		}, 2*time.Second, 20*time.Millisecond, "records should reach their owners")

		var querier = startNode(t, at, "D", nil)
		for _, want := range records {
			record, err := querier.QueryDHT(ctx, want.Key(dataset.DefaultShardKey))
			require.NoError(t, err)
			assert.Equal(t, want, record)
		}
	})
}
