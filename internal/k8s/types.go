package k8s

import (
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// ContainerKey identifies a single tail target. All four components are
// non-empty for targets the supervisor tracks.
type ContainerKey struct {
	Cluster   string
	Namespace string
	Pod       string
	Container string
}

// String renders the key in the cluster.namespace/pod/container form used
// for line prefixes and diagnostics.
func (k ContainerKey) String() string {
	return fmt.Sprintf("%s.%s/%s/%s", k.Cluster, k.Namespace, k.Pod, k.Container)
}

// WatchSpec describes one pod subscription: a namespace in a cluster plus a
// predicate. Exactly one of Labels or FieldName is set.
type WatchSpec struct {
	Cluster   string
	Namespace string
	Labels    string // serialized label selector
	FieldName string // exact pod name, matched server-side via field selector
}

// PresenceKind enumerates the pod lifecycle events a watcher emits.
type PresenceKind int

const (
	PodAppeared PresenceKind = iota
	PodModified
	PodDisappeared
	WatchInit
	WatchInitDone
)

// PodPresenceEvent is the normalized pod lifecycle event a PodWatcher hands
// to the supervisor. Disappeared events carry only the name; WatchInit and
// WatchInitDone carry neither name nor containers and are hints only.
type PodPresenceEvent struct {
	Kind      PresenceKind
	Cluster   string
	Namespace string
	Name      string
	Phase     corev1.PodPhase
	Deleting  bool
	// Containers lists the names from spec.containers. RunningInit lists
	// init containers that are currently in a Running state.
	Containers  []string
	RunningInit []string
}

// LogEventType tags the LogEvent union.
type LogEventType int

const (
	LogLine LogEventType = iota
	LogGap
	LogStateChange
)

// GapReasonKind classifies why a gap in a log stream occurred.
type GapReasonKind int

const (
	GapStreamEnded GapReasonKind = iota
	GapAPIError
	GapNetwork
)

// GapReason describes why logs could not be read for an interval.
type GapReason struct {
	Kind    GapReasonKind
	Code    int    // HTTP status, set for GapAPIError
	Message string // set for GapNetwork
}

func (r GapReason) String() string {
	switch r.Kind {
	case GapAPIError:
		return fmt.Sprintf("api error (%d)", r.Code)
	case GapNetwork:
		return fmt.Sprintf("network: %s", r.Message)
	default:
		return "stream ended"
	}
}

// ConnStateKind enumerates a follow task's connection states.
type ConnStateKind int

const (
	StateConnected ConnStateKind = iota
	StateReconnecting
	StateFailed
)

// ConnState is the connection state carried by StateChange events.
type ConnState struct {
	Kind    ConnStateKind
	Attempt int    // set for StateReconnecting
	Reason  string // set for StateFailed
}

func (s ConnState) String() string {
	switch s.Kind {
	case StateReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d)", s.Attempt)
	case StateFailed:
		return fmt.Sprintf("failed: %s", s.Reason)
	default:
		return "connected"
	}
}

// LogEvent is the bus payload. Type selects which fields are meaningful:
// Line and Time for LogLine, Gap and Reason for LogGap, State for
// LogStateChange. Key is always set.
type LogEvent struct {
	Type   LogEventType
	Key    ContainerKey
	Time   time.Time
	Line   string
	Gap    time.Duration
	Reason GapReason
	State  ConnState
}
