package k8s

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// Source is the entry point for streaming kubernetes logs: given the watch
// specs produced by a Resolver, it runs one pod watcher per spec and one
// supervisor per cluster, and exposes the merged event bus.
type Source struct {
	cfg     *Config
	clients map[string]kubernetes.Interface

	bus         chan LogEvent
	supervisors map[string]*Supervisor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSource creates a log source. clients maps cluster name to clientset and
// must cover every cluster the watch specs will reference.
func NewSource(cfg *Config, clients map[string]kubernetes.Interface) *Source {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Source{
		cfg:         cfg,
		clients:     clients,
		bus:         make(chan LogEvent, cfg.BufferSize),
		supervisors: make(map[string]*Supervisor),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start spawns the watchers and supervisors for the given watch specs. It
// returns immediately; log events arrive on Events() until Stop is called.
func (s *Source) Start(specs []WatchSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("nothing to watch: no resource or selector matched")
	}

	for _, spec := range specs {
		client, ok := s.clients[spec.Cluster]
		if !ok {
			return fmt.Errorf("no client for cluster %q", spec.Cluster)
		}

		sup, ok := s.supervisors[spec.Cluster]
		if !ok {
			sup = NewSupervisor(s.ctx, spec.Cluster, client, s.cfg, s.bus)
			s.supervisors[spec.Cluster] = sup
		}

		watcher := NewPodWatcher(client, spec, sup.Handle)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			watcher.Run(s.ctx)
		}()
	}

	klog.V(1).Infof("Started kubernetes log streaming across %d watch specs", len(specs))
	return nil
}

// Events returns the merged, bounded event bus. The channel is closed by
// Stop after every producer has unwound.
func (s *Source) Events() <-chan LogEvent {
	return s.bus
}

// ActiveStreams returns the number of running follow tasks across clusters.
func (s *Source) ActiveStreams() int {
	total := 0
	for _, sup := range s.supervisors {
		total += sup.ActiveStreams()
	}
	return total
}

// ActiveKeys returns every currently tailed container key across clusters.
func (s *Source) ActiveKeys() []ContainerKey {
	var keys []ContainerKey
	for _, sup := range s.supervisors {
		keys = append(keys, sup.ActiveKeys()...)
	}
	return keys
}

// Stop cancels all watchers and follow tasks, waits for them to unwind, and
// closes the bus. Consumers observe the close and exit cleanly.
func (s *Source) Stop() {
	s.cancel()
	s.wg.Wait()
	for _, sup := range s.supervisors {
		sup.Stop()
	}
	close(s.bus)
}
