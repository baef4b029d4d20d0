package k8s

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() ContainerKey {
	return ContainerKey{Cluster: "default", Namespace: "default", Pod: "my-pod", Container: "app"}
}

func newTestFollower(busCap int) (*follower, chan LogEvent) {
	bus := make(chan LogEvent, busCap)
	return newFollower(nil, testKey(), bus, NewDefaultConfig()), bus
}

func drainLines(bus chan LogEvent) []string {
	var lines []string
	for {
		select {
		case ev := <-bus:
			if ev.Type == LogLine {
				lines = append(lines, ev.Line)
			}
		default:
			return lines
		}
	}
}

func TestSplitTimestamp(t *testing.T) {
	ts, payload := splitTimestamp("2025-06-01T10:30:45.123456789Z hello world")
	assert.Equal(t, "hello world", payload)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 45, 123456789, time.UTC), ts.UTC())

	// Unprefixed lines fall back to receipt time and keep the full payload.
	before := time.Now()
	ts, payload = splitTimestamp("plain line with spaces")
	assert.Equal(t, "plain line with spaces", payload)
	assert.False(t, ts.Before(before))
}

func TestConsumeEmitsInOrder(t *testing.T) {
	f, bus := newTestFollower(16)

	err := f.consume(context.Background(), strings.NewReader("2025-06-01T10:00:01Z A\n2025-06-01T10:00:02Z B\n2025-06-01T10:00:03Z C\n"), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, drainLines(bus))
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 3, 0, time.UTC), f.lastSeen.UTC())
}

// Lines the server replays verbatim right after a reconnect are suppressed;
// each distinct line comes out exactly once.
func TestConsumeReconnectDedup(t *testing.T) {
	f, bus := newTestFollower(16)

	require.NoError(t, f.consume(context.Background(), strings.NewReader("2025-06-01T10:00:01Z L1\n2025-06-01T10:00:02Z L2\n"), false))
	require.NoError(t, f.consume(context.Background(), strings.NewReader("2025-06-01T10:00:02Z L2\n2025-06-01T10:00:03Z L3\n"), true))

	assert.Equal(t, []string{"L1", "L2", "L3"}, drainLines(bus))
}

// Suppression only applies to the first batch after reconnect; once a fresh
// line arrives, repeats are admitted again.
func TestConsumeDedupWindowCloses(t *testing.T) {
	f, bus := newTestFollower(16)

	require.NoError(t, f.consume(context.Background(), strings.NewReader("2025-06-01T10:00:01Z L1\n2025-06-01T10:00:02Z L2\n"), false))
	require.NoError(t, f.consume(context.Background(), strings.NewReader("2025-06-01T10:00:03Z L9\n2025-06-01T10:00:04Z L2\n"), true))

	assert.Equal(t, []string{"L1", "L2", "L9", "L2"}, drainLines(bus))
}

func TestConsumeCancellation(t *testing.T) {
	f, bus := newTestFollower(1)
	ctx, cancel := context.WithCancel(context.Background())

	// The bus holds one event; the second send blocks until cancellation.
	done := make(chan error, 1)
	go func() {
		done <- f.consume(ctx, strings.NewReader("2025-06-01T10:00:01Z A\n2025-06-01T10:00:02Z B\n2025-06-01T10:00:03Z C\n"), false)
	}()

	select {
	case <-done:
		t.Fatal("consume returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("consume did not observe cancellation")
	}
	assert.Equal(t, []string{"A"}, drainLines(bus))
}

func TestLogOptionsFirstAttempt(t *testing.T) {
	f, _ := newTestFollower(1)
	tail := int64(50)
	f.cfg.TailLines = &tail

	opts := f.logOptions(true)
	require.NotNil(t, opts.TailLines)
	assert.Equal(t, int64(50), *opts.TailLines)
	assert.Nil(t, opts.SinceTime)
	assert.True(t, opts.Follow)
	assert.True(t, opts.Timestamps)
}

// A reconnect after observed lines resumes one second past the newest line.
func TestLogOptionsReconnectSinceTime(t *testing.T) {
	f, _ := newTestFollower(1)
	f.lastSeen = time.Date(2025, 6, 1, 10, 0, 3, 0, time.UTC)

	opts := f.logOptions(false)
	require.NotNil(t, opts.SinceTime)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 4, 0, time.UTC), opts.SinceTime.Time.UTC())
	assert.Nil(t, opts.TailLines)
}

// A reconnect before any line behaves like --tail=0: no historical replay.
func TestLogOptionsReconnectNoHistory(t *testing.T) {
	f, _ := newTestFollower(1)

	opts := f.logOptions(false)
	require.NotNil(t, opts.TailLines)
	assert.Equal(t, int64(0), *opts.TailLines)
	assert.Nil(t, opts.SinceTime)
}
