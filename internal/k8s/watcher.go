package k8s

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// heartbeatTimeout tears down a watch that has been silent for too long so a
// half-dead connection gets replaced by a fresh one.
const heartbeatTimeout = 10 * time.Minute

// PodWatcher drives one long-lived pod subscription for a single WatchSpec
// and hands normalized PodPresenceEvents to a sink. It never terminates on
// recoverable errors; it runs until its context is cancelled.
type PodWatcher struct {
	client kubernetes.Interface
	spec   WatchSpec
	sink   func(PodPresenceEvent)

	// known tracks pod names this watcher has reported as present so a
	// relist can synthesize Disappeared events for pods that vanished while
	// the watch was down.
	known map[string]bool
}

// NewPodWatcher creates a pod watcher for one WatchSpec.
func NewPodWatcher(client kubernetes.Interface, spec WatchSpec, sink func(PodPresenceEvent)) *PodWatcher {
	return &PodWatcher{
		client: client,
		spec:   spec,
		sink:   sink,
		known:  make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled. Each cycle establishes a baseline with
// a LIST, then follows with an incremental WATCH. A watch the server closes,
// or one silent for heartbeatTimeout, is reopened from the last resource
// version. On 410 Gone or desynchronization the cycle restarts with a fresh
// LIST; a failed LIST or watch backs off exponentially (1s initial, 30s cap,
// 20% jitter) before the next LIST.
func (w *PodWatcher) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.2

	degraded := false
	for ctx.Err() == nil {
		resourceVersion, err := w.sync(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !degraded {
				klog.Warningf("Pod list failed for %s/%s: %v, retrying", w.spec.Cluster, w.spec.Namespace, err)
				degraded = true
			}
			w.sleep(ctx, bo.NextBackOff())
			continue
		}
		if degraded {
			klog.Warningf("Pod watch for %s/%s recovered", w.spec.Cluster, w.spec.Namespace)
			degraded = false
		}
		bo.Reset()

		if err := w.watch(ctx, resourceVersion); err != nil {
			if ctx.Err() != nil {
				return
			}
			klog.V(2).Infof("Pod watch for %s/%s ended: %v, resyncing", w.spec.Cluster, w.spec.Namespace, err)
			w.sleep(ctx, bo.NextBackOff())
		}
	}
}

func (w *PodWatcher) listOptions() metav1.ListOptions {
	opts := metav1.ListOptions{}
	if w.spec.Labels != "" {
		opts.LabelSelector = w.spec.Labels
	}
	if w.spec.FieldName != "" {
		opts.FieldSelector = fields.OneTermEqualSelector("metadata.name", w.spec.FieldName).String()
	}
	return opts
}

// sync establishes the baseline: emit WatchInit, an Appeared per listed pod,
// a Disappeared per previously known pod that is gone, then WatchInitDone.
// Returns the list's resource version for the subsequent watch.
func (w *PodWatcher) sync(ctx context.Context) (string, error) {
	list, err := w.client.CoreV1().Pods(w.spec.Namespace).List(ctx, w.listOptions())
	if err != nil {
		return "", err
	}

	w.emit(PodPresenceEvent{Kind: WatchInit, Cluster: w.spec.Cluster, Namespace: w.spec.Namespace})

	current := make(map[string]bool, len(list.Items))
	for i := range list.Items {
		pod := &list.Items[i]
		current[pod.Name] = true
		w.emit(w.normalize(PodAppeared, pod))
	}
	for name := range w.known {
		if !current[name] {
			w.emit(PodPresenceEvent{
				Kind:      PodDisappeared,
				Cluster:   w.spec.Cluster,
				Namespace: w.spec.Namespace,
				Name:      name,
			})
		}
	}
	w.known = current

	w.emit(PodPresenceEvent{Kind: WatchInitDone, Cluster: w.spec.Cluster, Namespace: w.spec.Namespace})
	return list.ResourceVersion, nil
}

// watch follows incrementally from resourceVersion. Returns nil when the
// caller should relist, an error for backoff-worthy failures.
func (w *PodWatcher) watch(ctx context.Context, resourceVersion string) error {
	for ctx.Err() == nil {
		opts := w.listOptions()
		opts.ResourceVersion = resourceVersion
		opts.AllowWatchBookmarks = true

		watcher, err := w.client.CoreV1().Pods(w.spec.Namespace).Watch(ctx, opts)
		if err != nil {
			if apierrors.IsGone(err) || apierrors.IsResourceExpired(err) {
				return nil // relist
			}
			return err
		}

		resourceVersion, err = w.drain(ctx, watcher, resourceVersion)
		if err != nil {
			return err
		}
		if resourceVersion == "" {
			return nil // desynchronized, relist
		}
	}
	return ctx.Err()
}

// drain consumes one watch connection. Returns the latest resource version
// to resume from, or "" when the caller must relist.
func (w *PodWatcher) drain(ctx context.Context, watcher watch.Interface, resourceVersion string) (string, error) {
	defer watcher.Stop()

	heartbeat := time.NewTimer(heartbeatTimeout)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-heartbeat.C:
			klog.V(2).Infof("Pod watch for %s/%s silent for %s, reconnecting", w.spec.Cluster, w.spec.Namespace, heartbeatTimeout)
			return resourceVersion, nil
		case ev, ok := <-watcher.ResultChan():
			if !ok {
				// Server closed the stream; resume from where we left off.
				return resourceVersion, nil
			}
			if !heartbeat.Stop() {
				<-heartbeat.C
			}
			heartbeat.Reset(heartbeatTimeout)

			switch ev.Type {
			case watch.Added, watch.Modified:
				pod, ok := ev.Object.(*corev1.Pod)
				if !ok {
					continue
				}
				resourceVersion = pod.ResourceVersion
				kind := PodModified
				if ev.Type == watch.Added {
					kind = PodAppeared
				}
				w.known[pod.Name] = true
				w.emit(w.normalize(kind, pod))
			case watch.Deleted:
				pod, ok := ev.Object.(*corev1.Pod)
				if !ok {
					continue
				}
				resourceVersion = pod.ResourceVersion
				delete(w.known, pod.Name)
				w.emit(PodPresenceEvent{
					Kind:      PodDisappeared,
					Cluster:   w.spec.Cluster,
					Namespace: w.spec.Namespace,
					Name:      pod.Name,
				})
			case watch.Bookmark:
				if pod, ok := ev.Object.(*corev1.Pod); ok {
					resourceVersion = pod.ResourceVersion
				}
			case watch.Error:
				err := apierrors.FromObject(ev.Object)
				if apierrors.IsGone(err) || apierrors.IsResourceExpired(err) {
					return "", nil // relist
				}
				return "", err
			}
		}
	}
}

// normalize flattens a pod into the presence event the supervisor consumes.
func (w *PodWatcher) normalize(kind PresenceKind, pod *corev1.Pod) PodPresenceEvent {
	ev := PodPresenceEvent{
		Kind:      kind,
		Cluster:   w.spec.Cluster,
		Namespace: pod.Namespace,
		Name:      pod.Name,
		Phase:     pod.Status.Phase,
		Deleting:  pod.DeletionTimestamp != nil,
	}
	for _, c := range pod.Spec.Containers {
		ev.Containers = append(ev.Containers, c.Name)
	}
	for _, c := range pod.Spec.InitContainers {
		for _, status := range pod.Status.InitContainerStatuses {
			if status.Name == c.Name && status.State.Running != nil {
				ev.RunningInit = append(ev.RunningInit, c.Name)
				break
			}
		}
	}
	return ev
}

func (w *PodWatcher) emit(ev PodPresenceEvent) {
	w.sink(ev)
}

func (w *PodWatcher) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
