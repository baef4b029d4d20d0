package k8s

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

const (
	// maxLineSize bounds a single log line read from the stream.
	maxLineSize = 1024 * 1024
	// dedupWindow is how many recent lines are remembered for replay
	// suppression across reconnects.
	dedupWindow = 100
)

// follower reads one container's follow-log stream and publishes Line, Gap
// and StateChange events to the bus. It reconnects on stream end and on
// recoverable errors; a 404 on stream open is terminal.
type follower struct {
	client kubernetes.Interface
	key    ContainerKey
	bus    chan<- LogEvent
	cfg    *Config

	recent *recentLines
	// lastSeen is the timestamp of the newest observed line, used to bound
	// replay on reconnect. SinceTime is second-granular, so the boundary
	// second is covered by the dedup ring instead.
	lastSeen time.Time
}

func newFollower(client kubernetes.Interface, key ContainerKey, bus chan<- LogEvent, cfg *Config) *follower {
	return &follower{
		client: client,
		key:    key,
		bus:    bus,
		cfg:    cfg,
		recent: newRecentLines(dedupWindow),
	}
}

// logOptions builds the follow request options for this attempt. The first
// attempt honors the user's tail/since options; reconnects resume from one
// second past the last observed line, or with zero history when no line has
// been seen yet.
func (f *follower) logOptions(firstAttempt bool) *corev1.PodLogOptions {
	opts := &corev1.PodLogOptions{
		Container:  f.key.Container,
		Follow:     true,
		Timestamps: true,
	}
	switch {
	case firstAttempt:
		opts.TailLines = f.cfg.TailLines
		opts.SinceSeconds = f.cfg.Since
	case !f.lastSeen.IsZero():
		opts.SinceTime = &metav1.Time{Time: f.lastSeen.Add(time.Second)}
	default:
		zero := int64(0)
		opts.TailLines = &zero
	}
	return opts
}

func (f *follower) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.2

	firstAttempt := true
	attempt := 0
	var downSince time.Time
	var reason GapReason

	for ctx.Err() == nil {
		req := f.client.CoreV1().Pods(f.key.Namespace).GetLogs(f.key.Pod, f.logOptions(firstAttempt))
		stream, err := req.Stream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if apierrors.IsNotFound(err) {
				f.emit(ctx, LogEvent{
					Type:  LogStateChange,
					Key:   f.key,
					Time:  time.Now(),
					State: ConnState{Kind: StateFailed, Reason: "not found"},
				})
				klog.V(1).Infof("Container %s is gone (404), stopping tail", f.key)
				return
			}

			attempt++
			if downSince.IsZero() {
				downSince = time.Now()
			}
			reason = classifyStreamErr(err)
			if attempt == 1 {
				klog.Warningf("Failed to open log stream for %s: %v, retrying", f.key, err)
			}
			f.emit(ctx, LogEvent{
				Type:  LogStateChange,
				Key:   f.key,
				Time:  time.Now(),
				State: ConnState{Kind: StateReconnecting, Attempt: attempt},
			})
			f.sleep(ctx, bo.NextBackOff())
			continue
		}

		if !downSince.IsZero() {
			f.emit(ctx, LogEvent{
				Type:   LogGap,
				Key:    f.key,
				Time:   time.Now(),
				Gap:    time.Since(downSince),
				Reason: reason,
			})
			f.emit(ctx, LogEvent{
				Type:  LogStateChange,
				Key:   f.key,
				Time:  time.Now(),
				State: ConnState{Kind: StateConnected},
			})
			downSince = time.Time{}
		}
		attempt = 0
		bo.Reset()

		err = f.consume(ctx, stream, !firstAttempt)
		stream.Close()
		firstAttempt = false
		if ctx.Err() != nil {
			return
		}

		downSince = time.Now()
		if err != nil && !errors.Is(err, io.EOF) {
			reason = GapReason{Kind: GapNetwork, Message: err.Error()}
		} else {
			reason = GapReason{Kind: GapStreamEnded}
		}
		klog.V(2).Infof("Log stream for %s ended, reconnecting", f.key)
		f.emit(ctx, LogEvent{
			Type:  LogStateChange,
			Key:   f.key,
			Time:  time.Now(),
			State: ConnState{Kind: StateReconnecting, Attempt: 1},
		})
		f.sleep(ctx, bo.NextBackOff())
	}
}

// consume reads lines until the stream ends or ctx is cancelled. With replay
// set, lines that match the dedup ring are dropped until the first fresh
// line arrives; SinceTime is second-granular so the server may resend the
// boundary second.
func (f *follower) consume(ctx context.Context, r io.Reader, replay bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		raw := scanner.Text()
		if raw == "" {
			continue
		}

		ts, payload := splitTimestamp(raw)
		if replay && f.recent.contains(payload) {
			continue
		}
		replay = false

		f.recent.add(payload)
		if ts.After(f.lastSeen) {
			f.lastSeen = ts
		}
		if !f.emit(ctx, LogEvent{Type: LogLine, Key: f.key, Time: ts, Line: payload}) {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// emit sends one event to the bus, blocking when the bus is full. Returns
// false when ctx was cancelled before the send completed.
func (f *follower) emit(ctx context.Context, ev LogEvent) bool {
	select {
	case f.bus <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *follower) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// splitTimestamp strips the RFC3339Nano prefix the API adds under
// Timestamps: true. Falls back to receipt time for unprefixed lines.
func splitTimestamp(raw string) (time.Time, string) {
	if i := strings.IndexByte(raw, ' '); i > 0 {
		if ts, err := time.Parse(time.RFC3339Nano, raw[:i]); err == nil {
			return ts, raw[i+1:]
		}
	}
	return time.Now(), raw
}

// classifyStreamErr maps a stream-open error onto a gap reason.
func classifyStreamErr(err error) GapReason {
	var status apierrors.APIStatus
	if errors.As(err, &status) && status.Status().Code > 0 {
		return GapReason{Kind: GapAPIError, Code: int(status.Status().Code)}
	}
	return GapReason{Kind: GapNetwork, Message: err.Error()}
}
