package dhtring

import (
	"net/netip"
	"testing"

	"go-dhtring/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestFormation(t *testing.T) {
	t.Run("should pair neighbors from list order", func(t *testing.T) {
		// Arrange
		var list = []protocol.Identity{testIdentity("A", 1), testIdentity("B", 2), testIdentity("C", 3)}

		// Act
		var views = formation(list)

		// Assert
		require.Len(t, views, 3)
		assert.Equal(t, RingView{Position: 0, Size: 3, Prev: list[2], Next: list[1]}, views[0])
		assert.Equal(t, RingView{Position: 1, Size: 3, Prev: list[0], Next: list[2]}, views[1])
		assert.Equal(t, RingView{Position: 2, Size: 3, Prev: list[1], Next: list[0]}, views[2])
	})

	t.Run("should make next and prev inverse of each other", func(t *testing.T) {
		// Arrange
		var list []protocol.Identity
		for i := range 7 {
			list = append(list, testIdentity(string(rune('A'+i)), i+1))
		}

		// Act
		var views = formation(list)

		// Assert
		var byName = make(map[string]RingView)
		for i, v := range views {
			byName[list[i].Name] = v
		}
		for i, v := range views {
			assert.Equal(t, list[i], byName[v.Next.Name].Prev, "next of %s should point back", list[i].Name)
			assert.Equal(t, list[i], byName[v.Prev.Name].Next, "prev of %s should point forward", list[i].Name)
		}
	})
}

func TestRingHandlers(t *testing.T) {
	var (
		a, b, c   = testIdentity("A", 1), testIdentity("B", 2), testIdentity("C", 3)
		requester = testIdentity("D", 4)
		newNode   = func(self protocol.Identity) *Node {
			return &Node{
				options: applyOptions(nil),
				self:    self,
				state:   StateFree,
				replies: make(chan protocol.Message, replyBuffer),
				closed:  atomic.NewBool(false),
			}
		}
		setID = func(i, n int, prev, next protocol.Identity) protocol.Message {
			return protocol.NewRequest(protocol.CommandSetID, protocol.Args{I: i, N: n, Prev: prev, Next: next})
		}
		store = func(key string) protocol.Message {
			return protocol.NewRequest(protocol.CommandStore, protocol.Args{
				Record: protocol.Record{"Long Name": key, "Region": "test"},
			})
		}
		query = func(key string) protocol.Message {
			return protocol.NewRequest(protocol.CommandQuery, protocol.Args{
				Key:       key,
				Requester: requester.Data,
			}).WithRef("ref-1")
		}
		// joined returns B at position 1 of the ring A, B, C.
		joined = func(t *testing.T) *Node {
			var sut = newNode(b)
			require.Empty(t, sut.handleRing(a.Data, setID(1, 3, a, c)))
			return sut
		}
	)

	t.Run("should install view and fresh store on set-id", func(t *testing.T) {
		// Arrange
		var sut = newNode(b)

		// Act
		var out = sut.handleRing(a.Data, setID(1, 3, a, c))

		// Assert
		assert.Empty(t, out)
		view, ok := sut.View()
		require.True(t, ok)
		assert.Equal(t, RingView{Position: 1, Size: 3, Prev: a, Next: c}, view)
		assert.Equal(t, StateInRing, sut.State())
		_, found := sut.Local("Mali")
		assert.False(t, found)
	})

	t.Run("should drop set-id with position outside the ring", func(t *testing.T) {
		// Arrange
		var sut = newNode(b)

		// Act
		sut.handleRing(a.Data, setID(3, 3, a, c))

		// Assert
		_, ok := sut.View()
		assert.False(t, ok)
		assert.Equal(t, StateFree, sut.State())
	})

	t.Run("should keep owned record on store", func(t *testing.T) {
		// Arrange
		var sut = joined(t)

		// Act
		var out = sut.handleRing(a.Data, store("Mali"))

		// Assert
		assert.Empty(t, out)
		record, found := sut.Local("Mali")
		require.True(t, found)
		assert.Equal(t, "test", record["Region"])
	})

	t.Run("should forward unowned record to next unchanged", func(t *testing.T) {
		// Arrange
		var (
			sut = joined(t)
			msg = store("Peru")
		)

		// Act
		var out = sut.handleRing(a.Data, msg)

		// Assert
		require.Len(t, out, 1)
		assert.Equal(t, c.Data, out[0].to)
		assert.Equal(t, msg, out[0].msg)
		_, found := sut.Local("Peru")
		assert.False(t, found)
	})

	t.Run("should forward everything while leaving", func(t *testing.T) {
		// Arrange
		var sut = joined(t)
		sut.leaving = true

		// Act
		var out = sut.handleRing(a.Data, store("Mali"))

		// Assert
		require.Len(t, out, 1)
		assert.Equal(t, c.Data, out[0].to)
	})

	t.Run("should own records again after joining a new ring", func(t *testing.T) {
		// Arrange
		var sut = joined(t)
		sut.leaving = true

		// Act
		require.Empty(t, sut.handleRing(a.Data, setID(1, 3, a, c)))
		var out = sut.handleRing(a.Data, store("Mali"))

		// Assert
		assert.Empty(t, out)
		_, found := sut.Local("Mali")
		assert.True(t, found)
	})

	t.Run("should answer owned query directly to requester", func(t *testing.T) {
		// Arrange
		var sut = joined(t)
		sut.handleRing(a.Data, store("Mali"))

		// Act
		var out = sut.handleRing(a.Data, query("Mali"))

		// Assert
		require.Len(t, out, 1)
		assert.Equal(t, requester.Data, out[0].to)
		assert.Equal(t, protocol.StatusSuccess, out[0].msg.Status)
		assert.Equal(t, "ref-1", out[0].msg.Ref)
		assert.Equal(t, "Mali", out[0].msg.Body.Record["Long Name"])
	})

	t.Run("should answer not found for absent owned key", func(t *testing.T) {
		// Arrange
		var sut = joined(t)

		// Act
		var out = sut.handleRing(a.Data, query("Mali"))

		// Assert
		require.Len(t, out, 1)
		assert.Equal(t, requester.Data, out[0].to)
		assert.Equal(t, protocol.StatusNotFound, out[0].msg.Status)
		assert.Equal(t, "ref-1", out[0].msg.Ref)
	})

	t.Run("should forward unowned query without answering", func(t *testing.T) {
		// Arrange
		var sut = joined(t)

		// Act
		var out = sut.handleRing(a.Data, query("Aruba"))

		// Assert
		require.Len(t, out, 1)
		assert.Equal(t, c.Data, out[0].to)
		assert.Equal(t, protocol.CommandQuery, out[0].msg.Command)
		assert.Equal(t, requester.Data, out[0].msg.Args.Requester)
	})

	t.Run("should drop ring traffic without a view", func(t *testing.T) {
		// Arrange
		var sut = newNode(b)

		// Act & Assert
		assert.Empty(t, sut.handleRing(a.Data, store("Mali")))
		assert.Empty(t, sut.handleRing(a.Data, query("Mali")))
		assert.Empty(t, sut.handleRing(a.Data, protocol.NewRequest(protocol.CommandTeardown, protocol.Args{Origin: a})))
	})

	t.Run("should renumber and forward reset-id", func(t *testing.T) {
		// Arrange
		var sut = joined(t)
		sut.handleRing(a.Data, store("Mali"))
		var reset = protocol.NewRequest(protocol.CommandResetID, protocol.Args{I: 0, N: 2, Origin: a}).WithRef("ref-2")

		// Act
		var out = sut.handleRing(a.Data, reset)

		// Assert
		view, _ := sut.View()
		assert.Equal(t, 0, view.Position)
		assert.Equal(t, 2, view.Size)
		assert.Equal(t, StateLeader, sut.State())
		_, found := sut.Local("Mali")
		assert.False(t, found, "store should be reallocated")

		require.Len(t, out, 1)
		assert.Equal(t, c.Data, out[0].to)
		assert.Equal(t, 1, out[0].msg.Args.I)
		assert.Equal(t, 2, out[0].msg.Args.N)
		assert.Equal(t, "ref-2", out[0].msg.Ref)
	})

	t.Run("should signal the leaving node from the last surviving slot", func(t *testing.T) {
		// Arrange
		var sut = joined(t)
		var reset = protocol.NewRequest(protocol.CommandResetID, protocol.Args{I: 1, N: 2, Origin: a}).WithRef("ref-3")

		// Act
		var out = sut.handleRing(c.Data, reset)

		// Assert
		require.Len(t, out, 1)
		assert.Equal(t, a.Data, out[0].to)
		assert.True(t, out[0].msg.OK())
		assert.Equal(t, "ref-3", out[0].msg.Ref)
		assert.Equal(t, StateInRing, sut.State())
	})

	t.Run("should patch neighbors", func(t *testing.T) {
		// Arrange
		var sut = joined(t)

		// Act
		sut.handleRing(a.Data, protocol.NewRequest(protocol.CommandResetNext, protocol.Args{Next: requester}))
		sut.handleRing(a.Data, protocol.NewRequest(protocol.CommandResetPrev, protocol.Args{Prev: requester}))

		// Assert
		view, _ := sut.View()
		assert.Equal(t, requester, view.Next)
		assert.Equal(t, requester, view.Prev)
	})

	t.Run("should clear state and forward teardown from another origin", func(t *testing.T) {
		// Arrange
		var sut = joined(t)
		var msg = protocol.NewRequest(protocol.CommandTeardown, protocol.Args{Origin: a}).WithRef("ref-4")

		// Act
		var out = sut.handleRing(a.Data, msg)

		// Assert
		require.Len(t, out, 1)
		assert.Equal(t, c.Data, out[0].to)
		assert.Equal(t, msg, out[0].msg)
		_, ok := sut.View()
		assert.False(t, ok)
		assert.Equal(t, StateFree, sut.State())
	})

	t.Run("should complete teardown when the token returns to its origin", func(t *testing.T) {
		// Arrange
		var sut = joined(t)
		var msg = protocol.NewRequest(protocol.CommandTeardown, protocol.Args{Origin: b}).WithRef("ref-5")

		// Act
		var out = sut.handleRing(a.Data, msg)

		// Assert
		assert.Empty(t, out)
		require.Len(t, sut.replies, 1)
		var done = <-sut.replies
		assert.True(t, done.OK())
		assert.Equal(t, "ref-5", done.Ref)
	})

	t.Run("should render status", func(t *testing.T) {
		// Arrange
		var sut = joined(t)
		sut.handleRing(a.Data, store("Mali"))

		// Act
		var status = sut.String()

		// Assert
		assert.Contains(t, status, "B (InRing)")
		assert.Contains(t, status, "position=1/3 prev=A next=C")
		assert.Contains(t, status, "records=1/353")
	})
}

// testIdentity builds a loopback identity with distinct control and data ports.
func testIdentity(name string, i int) protocol.Identity {
	var loopback = netip.MustParseAddr("127.0.0.1")
	return protocol.Identity{
		Name:    name,
		Control: netip.AddrPortFrom(loopback, uint16(5000+i)),
		Data:    netip.AddrPortFrom(loopback, uint16(6000+i)),
	}
}
