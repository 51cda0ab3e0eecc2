package dhtring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeClose(t *testing.T) {
	t.Run("should refuse to register once closed", func(t *testing.T) {
		// Arrange
		var _, at = startCoordinator(t)
		sut, err := NewNode(at, nil, WithListenHost("127.0.0.1"))
		require.NoError(t, err)
		require.NoError(t, sut.Close())

		// Act
		err = sut.Register(context.Background(), "A", 0)

		// Assert
		assert.Error(t, err)
		assert.Equal(t, StateUnregistered, sut.State())
	})

	t.Run("should stop the listener when closed during register", func(t *testing.T) {
		var _, at = startCoordinator(t)

		for range 20 {
			// Arrange
			sut, err := NewNode(at, nil, WithListenHost("127.0.0.1"))
			require.NoError(t, err)

			var registered = make(chan error, 1)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				registered <- sut.Register(ctx, "A", 0)
			}()

			// Act
			_ = sut.Close()

			// Assert
			select {
			case <-registered:
			case <-time.After(2 * time.Second):
				t.Fatal("register did not return after close")
			}

			var stopped = make(chan struct{})
			go func() {
				sut.listening.Wait()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(2 * time.Second):
				t.Fatal("listener still running after close")
			}
		}
	})
}
