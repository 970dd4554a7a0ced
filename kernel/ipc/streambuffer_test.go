package ipc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valikernel/core/kernel/errors"
)

func TestWritePacketBlocksUntilSpaceFreed(t *testing.T) {
	sb := NewStreamBuffer(16) // headerSize(4) + payload fits tightly
	require.NoError(t, sb.WritePacket([]byte("1234567890"), time.Time{})) // 4+10 = 14, 2 bytes free

	done := make(chan error, 1)
	go func() {
		done <- sb.WritePacket([]byte("ab"), time.Time{}) // needs 6, must block
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second write should still be blocked on free space")
	default:
	}

	payload, err := sb.ReadPacket(time.Time{})
	require.NoError(t, err)
	require.Equal(t, "1234567890", string(payload))

	require.NoError(t, <-done)
}

func TestReadPacketBlocksUntilDataCommitted(t *testing.T) {
	sb := NewStreamBuffer(64)

	done := make(chan []byte, 1)
	go func() {
		payload, err := sb.ReadPacket(time.Time{})
		require.NoError(t, err)
		done <- payload
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, sb.WritePacket([]byte("hello"), time.Time{}))
	require.Equal(t, "hello", string(<-done))
}

func TestWriteTimesOutWhenBufferStaysFull(t *testing.T) {
	sb := NewStreamBuffer(8)
	require.NoError(t, sb.WritePacket([]byte("xxxx"), time.Time{}))

	err := sb.WritePacket([]byte("y"), time.Now().Add(20*time.Millisecond))
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.Timeout))
}

func TestReadTimesOutWhenBufferStaysEmpty(t *testing.T) {
	sb := NewStreamBuffer(64)
	_, err := sb.ReadPacket(time.Now().Add(20 * time.Millisecond))
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.Timeout))
}

// TestConcurrentWritersNeverInterleavePackets is testable-property 5: many
// concurrent writers each commit a whole packet atomically, so every
// payload read back is exactly one of the payloads written, never a splice
// of two.
func TestConcurrentWritersNeverInterleavePackets(t *testing.T) {
	sb := NewStreamBuffer(4096)

	payloads := []string{"alpha", "beta-writer", "gamma-writer-payload", "d"}
	var wg sync.WaitGroup
	for _, p := range payloads {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, sb.WritePacket([]byte(p), time.Time{}))
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for range payloads {
		got, err := sb.ReadPacket(time.Time{})
		require.NoError(t, err)
		seen[string(got)] = true
	}
	for _, p := range payloads {
		require.True(t, seen[p], "payload %q must survive intact", p)
	}
}

func TestCloseWakesBlockedReaderAndRejectsNewWrites(t *testing.T) {
	sb := NewStreamBuffer(64)

	done := make(chan error, 1)
	go func() {
		_, err := sb.ReadPacket(time.Time{})
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	sb.Close()
	err := <-done
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.NotSupported))

	err = sb.WritePacket([]byte("x"), time.Time{})
	require.Error(t, err)
	require.True(t, errors.OfKind(err, errors.NotSupported))
}
