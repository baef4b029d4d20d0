package k8s

import (
	"context"
	"sort"
	"sync"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// Supervisor owns the mapping from ContainerKey to a running follow task for
// one cluster. It consumes PodPresenceEvents from every watcher of that
// cluster and starts or cancels follow tasks so that exactly the containers
// of running and pending pods are tailed.
type Supervisor struct {
	cluster string
	client  kubernetes.Interface
	bus     chan<- LogEvent
	cfg     *Config

	mu         sync.Mutex
	targets    map[ContainerKey]*tailTarget
	generation uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// tailTarget is the supervisor's record for one active follow task.
type tailTarget struct {
	cancel     context.CancelFunc
	generation uint64
}

// NewSupervisor creates a supervisor for one cluster. Follow tasks it spawns
// publish to bus and observe cancellation through the supervisor's context,
// which is a child of parent.
func NewSupervisor(parent context.Context, cluster string, client kubernetes.Interface, cfg *Config, bus chan<- LogEvent) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		cluster: cluster,
		client:  client,
		bus:     bus,
		cfg:     cfg,
		targets: make(map[ContainerKey]*tailTarget),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// tailable reports whether a pod in this phase should have active follow
// tasks. Pending is included: containers that are still creating produce
// transient errors the follow task retries until logs exist.
func tailable(phase corev1.PodPhase) bool {
	return phase == corev1.PodRunning || phase == corev1.PodPending
}

// Handle applies one presence event. Events are applied in receipt order;
// re-applying an event is a no-op, so concurrent watchers for overlapping
// WatchSpecs are safe.
func (s *Supervisor) Handle(ev PodPresenceEvent) {
	switch ev.Kind {
	case WatchInit:
		klog.V(2).Infof("Pod watch sync starting for %s/%s", ev.Cluster, ev.Namespace)
	case WatchInitDone:
		klog.V(2).Infof("Pod watch sync done for %s/%s", ev.Cluster, ev.Namespace)
	case PodAppeared, PodModified:
		if tailable(ev.Phase) {
			s.reconcilePod(ev)
		} else {
			s.stopPod(ev.Namespace, ev.Name)
		}
	case PodDisappeared:
		s.stopPod(ev.Namespace, ev.Name)
	}
}

// desiredContainers applies the container filter to a pod's container set.
func (s *Supervisor) desiredContainers(ev PodPresenceEvent) []string {
	names := make([]string, 0, len(ev.Containers)+len(ev.RunningInit))
	names = append(names, ev.RunningInit...)
	names = append(names, ev.Containers...)
	if s.cfg.Container == "" {
		return names
	}
	for _, name := range names {
		if name == s.cfg.Container {
			return []string{name}
		}
	}
	return nil
}

// reconcilePod makes the set of running follow tasks for a pod match its
// current container set: start what is missing, stop what vanished.
func (s *Supervisor) reconcilePod(ev PodPresenceEvent) {
	want := make(map[string]bool)
	for _, name := range s.desiredContainers(ev) {
		want[name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, target := range s.targets {
		if key.Namespace == ev.Namespace && key.Pod == ev.Name && !want[key.Container] {
			target.cancel()
			delete(s.targets, key)
			klog.V(1).Infof("Stopped tailing %s (container removed)", key)
		}
	}

	for name := range want {
		key := ContainerKey{
			Cluster:   s.cluster,
			Namespace: ev.Namespace,
			Pod:       ev.Name,
			Container: name,
		}
		if _, exists := s.targets[key]; exists {
			continue
		}
		s.startLocked(key)
	}
}

// startLocked spawns a follow task for key. Callers hold s.mu, which makes
// the exists-check and insert atomic under concurrent presence events.
func (s *Supervisor) startLocked(key ContainerKey) {
	s.generation++
	generation := s.generation

	ctx, cancel := context.WithCancel(s.ctx)
	s.targets[key] = &tailTarget{cancel: cancel, generation: generation}

	f := newFollower(s.client, key, s.bus, s.cfg)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f.run(ctx)
		s.release(key, generation)
	}()

	klog.V(1).Infof("Started tailing %s", key)
}

// release removes a target after its task exited on its own (terminal 404).
// The generation guard keeps a stale task from removing its successor.
func (s *Supervisor) release(key ContainerKey, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if target, ok := s.targets[key]; ok && target.generation == generation {
		target.cancel()
		delete(s.targets, key)
	}
}

// stopPod cancels every follow task belonging to a pod.
func (s *Supervisor) stopPod(namespace, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, target := range s.targets {
		if key.Namespace == namespace && key.Pod == name {
			target.cancel()
			delete(s.targets, key)
			klog.V(1).Infof("Stopped tailing %s", key)
		}
	}
}

// ActiveKeys returns the currently tailed container keys, sorted.
func (s *Supervisor) ActiveKeys() []ContainerKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]ContainerKey, 0, len(s.targets))
	for key := range s.targets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// ActiveStreams returns the number of running follow tasks.
func (s *Supervisor) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

// Stop cancels all follow tasks and waits for them to unwind.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	s.targets = make(map[ContainerKey]*tailTarget)
	s.mu.Unlock()
}
