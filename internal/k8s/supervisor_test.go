package k8s

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestSupervisor(t *testing.T, cfg *Config) *Supervisor {
	t.Helper()
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	bus := make(chan LogEvent, 1000)
	sup := NewSupervisor(context.Background(), "default", fake.NewSimpleClientset(), cfg, bus)
	t.Cleanup(func() {
		sup.Stop()
		close(bus)
	})
	return sup
}

func presence(kind PresenceKind, name string, phase corev1.PodPhase, containers ...string) PodPresenceEvent {
	return PodPresenceEvent{
		Kind:       kind,
		Cluster:    "default",
		Namespace:  "default",
		Name:       name,
		Phase:      phase,
		Containers: containers,
	}
}

func TestSupervisorStartsTaskPerContainer(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	sup.Handle(presence(PodAppeared, "web-1", corev1.PodRunning, "app", "sidecar"))

	assert.ElementsMatch(t, []ContainerKey{
		{Cluster: "default", Namespace: "default", Pod: "web-1", Container: "app"},
		{Cluster: "default", Namespace: "default", Pod: "web-1", Container: "sidecar"},
	}, sup.ActiveKeys())
}

// Applying the same Appeared event twice leaves the same state as once.
func TestSupervisorIdempotentAppeared(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	ev := presence(PodAppeared, "web-1", corev1.PodRunning, "app")
	sup.Handle(ev)
	first := sup.ActiveKeys()
	sup.Handle(ev)

	assert.Equal(t, first, sup.ActiveKeys())
	assert.Equal(t, 1, sup.ActiveStreams())
}

func TestSupervisorPendingPodIsTracked(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	sup.Handle(presence(PodAppeared, "web-1", corev1.PodPending, "app"))
	assert.Equal(t, 1, sup.ActiveStreams())
}

func TestSupervisorZeroContainers(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	sup.Handle(presence(PodAppeared, "empty", corev1.PodRunning))
	assert.Equal(t, 0, sup.ActiveStreams())
}

func TestSupervisorPhaseExitStopsTasks(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	sup.Handle(presence(PodAppeared, "job-1", corev1.PodRunning, "work"))
	assert.Equal(t, 1, sup.ActiveStreams())

	sup.Handle(presence(PodModified, "job-1", corev1.PodSucceeded, "work"))
	assert.Equal(t, 0, sup.ActiveStreams())
}

func TestSupervisorDisappearedStopsTasks(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	sup.Handle(presence(PodAppeared, "web-1", corev1.PodRunning, "app", "sidecar"))
	sup.Handle(presence(PodAppeared, "web-2", corev1.PodRunning, "app"))

	sup.Handle(PodPresenceEvent{Kind: PodDisappeared, Cluster: "default", Namespace: "default", Name: "web-1"})

	assert.Equal(t, []ContainerKey{
		{Cluster: "default", Namespace: "default", Pod: "web-2", Container: "app"},
	}, sup.ActiveKeys())
}

// A Modified event with a changed container set stops removed containers and
// starts added ones.
func TestSupervisorContainerSetDiff(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	sup.Handle(presence(PodAppeared, "web-1", corev1.PodRunning, "app", "old"))
	sup.Handle(presence(PodModified, "web-1", corev1.PodRunning, "app", "new"))

	assert.ElementsMatch(t, []ContainerKey{
		{Cluster: "default", Namespace: "default", Pod: "web-1", Container: "app"},
		{Cluster: "default", Namespace: "default", Pod: "web-1", Container: "new"},
	}, sup.ActiveKeys())
}

func TestSupervisorContainerFilter(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Container = "sidecar"
	sup := newTestSupervisor(t, cfg)

	sup.Handle(presence(PodAppeared, "web-1", corev1.PodRunning, "app", "sidecar"))

	assert.Equal(t, []ContainerKey{
		{Cluster: "default", Namespace: "default", Pod: "web-1", Container: "sidecar"},
	}, sup.ActiveKeys())
}

// A filter naming a container the pod does not have starts nothing, and the
// task appears when the container shows up later.
func TestSupervisorContainerFilterAbsent(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Container = "sidecar"
	sup := newTestSupervisor(t, cfg)

	sup.Handle(presence(PodAppeared, "web-1", corev1.PodRunning, "app"))
	assert.Equal(t, 0, sup.ActiveStreams())

	sup.Handle(presence(PodModified, "web-1", corev1.PodRunning, "app", "sidecar"))
	assert.Equal(t, 1, sup.ActiveStreams())
}

func TestSupervisorRunningInitContainer(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	sup.Handle(PodPresenceEvent{
		Kind:        PodAppeared,
		Cluster:     "default",
		Namespace:   "default",
		Name:        "web-1",
		Phase:       corev1.PodPending,
		Containers:  []string{"app"},
		RunningInit: []string{"setup"},
	})

	assert.ElementsMatch(t, []ContainerKey{
		{Cluster: "default", Namespace: "default", Pod: "web-1", Container: "app"},
		{Cluster: "default", Namespace: "default", Pod: "web-1", Container: "setup"},
	}, sup.ActiveKeys())
}

// After Disappeared, the pod's tasks observe cancellation and unwind.
func TestSupervisorStopWaitsForTasks(t *testing.T) {
	sup := newTestSupervisor(t, nil)

	sup.Handle(presence(PodAppeared, "web-1", corev1.PodRunning, "app"))
	sup.Handle(PodPresenceEvent{Kind: PodDisappeared, Cluster: "default", Namespace: "default", Name: "web-1"})

	done := make(chan struct{})
	go func() {
		sup.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop in time")
	}
}
