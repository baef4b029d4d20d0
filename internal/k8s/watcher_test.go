package k8s

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func testPod(name string, phase corev1.PodPhase, containers ...string) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Status:     corev1.PodStatus{Phase: phase},
	}
	for _, c := range containers {
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{Name: c})
	}
	return pod
}

func nextEvent(t *testing.T, events <-chan PodPresenceEvent) PodPresenceEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for presence event")
		return PodPresenceEvent{}
	}
}

func TestPodWatcherSyncAndWatch(t *testing.T) {
	listed := testPod("web-1", corev1.PodRunning, "app")
	listed.Labels = map[string]string{"app": "web"}
	client := fake.NewSimpleClientset(listed)
	fw := watch.NewFake()
	defer fw.Stop()
	client.PrependWatchReactor("pods", k8stesting.DefaultWatchReactor(fw, nil))

	events := make(chan PodPresenceEvent, 100)
	w := NewPodWatcher(client, WatchSpec{Cluster: "default", Namespace: "default", Labels: "app=web"}, func(ev PodPresenceEvent) {
		events <- ev
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Baseline: WatchInit, the listed pod, WatchInitDone.
	assert.Equal(t, WatchInit, nextEvent(t, events).Kind)

	ev := nextEvent(t, events)
	require.Equal(t, PodAppeared, ev.Kind)
	assert.Equal(t, "web-1", ev.Name)
	assert.Equal(t, "default", ev.Cluster)
	assert.Equal(t, corev1.PodRunning, ev.Phase)
	assert.Equal(t, []string{"app"}, ev.Containers)

	assert.Equal(t, WatchInitDone, nextEvent(t, events).Kind)

	// Incremental adds, modifies, deletes.
	fw.Add(testPod("web-2", corev1.PodPending, "app"))
	ev = nextEvent(t, events)
	assert.Equal(t, PodAppeared, ev.Kind)
	assert.Equal(t, "web-2", ev.Name)
	assert.Equal(t, corev1.PodPending, ev.Phase)

	fw.Modify(testPod("web-2", corev1.PodRunning, "app"))
	ev = nextEvent(t, events)
	assert.Equal(t, PodModified, ev.Kind)
	assert.Equal(t, corev1.PodRunning, ev.Phase)

	fw.Delete(testPod("web-2", corev1.PodRunning, "app"))
	ev = nextEvent(t, events)
	assert.Equal(t, PodDisappeared, ev.Kind)
	assert.Equal(t, "web-2", ev.Name)
}

func TestPodWatcherNormalizeInitContainers(t *testing.T) {
	pod := testPod("web-1", corev1.PodPending, "app")
	pod.Spec.InitContainers = []corev1.Container{{Name: "setup"}, {Name: "waited"}}
	pod.Status.InitContainerStatuses = []corev1.ContainerStatus{
		{Name: "setup", State: corev1.ContainerState{Running: &corev1.ContainerStateRunning{}}},
		{Name: "waited", State: corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{}}},
	}

	w := NewPodWatcher(nil, WatchSpec{Cluster: "default", Namespace: "default"}, nil)
	ev := w.normalize(PodAppeared, pod)

	assert.Equal(t, []string{"app"}, ev.Containers)
	assert.Equal(t, []string{"setup"}, ev.RunningInit)
	assert.False(t, ev.Deleting)
}

func TestPodWatcherNormalizeDeleting(t *testing.T) {
	pod := testPod("web-1", corev1.PodRunning, "app")
	now := metav1.Now()
	pod.DeletionTimestamp = &now

	w := NewPodWatcher(nil, WatchSpec{Cluster: "default", Namespace: "default"}, nil)
	assert.True(t, w.normalize(PodModified, pod).Deleting)
}

// A relist synthesizes Disappeared for pods that vanished while the watch
// was down.
func TestPodWatcherRelistSynthesizesDisappeared(t *testing.T) {
	client := fake.NewSimpleClientset()

	events := make(chan PodPresenceEvent, 100)
	w := NewPodWatcher(client, WatchSpec{Cluster: "default", Namespace: "default", Labels: "app=web"}, func(ev PodPresenceEvent) {
		events <- ev
	})
	w.known["gone-pod"] = true

	_, err := w.sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, WatchInit, nextEvent(t, events).Kind)
	ev := nextEvent(t, events)
	assert.Equal(t, PodDisappeared, ev.Kind)
	assert.Equal(t, "gone-pod", ev.Name)
	assert.Equal(t, WatchInitDone, nextEvent(t, events).Kind)
}
