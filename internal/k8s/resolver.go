package k8s

import (
	"context"
	"fmt"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// ResourceKind is a workload kind a reference may name.
type ResourceKind string

const (
	KindPod         ResourceKind = "pod"
	KindDeployment  ResourceKind = "deployment"
	KindStatefulSet ResourceKind = "statefulset"
	KindDaemonSet   ResourceKind = "daemonset"
	KindReplicaSet  ResourceKind = "replicaset"
	KindJob         ResourceKind = "job"
)

var knownKinds = map[ResourceKind]bool{
	KindPod:         true,
	KindDeployment:  true,
	KindStatefulSet: true,
	KindDaemonSet:   true,
	KindReplicaSet:  true,
	KindJob:         true,
}

// kindAliases maps common short and plural forms onto canonical kinds.
var kindAliases = map[string]ResourceKind{
	"po":           KindPod,
	"pods":         KindPod,
	"deploy":       KindDeployment,
	"deployments":  KindDeployment,
	"sts":          KindStatefulSet,
	"statefulsets": KindStatefulSet,
	"ds":           KindDaemonSet,
	"daemonsets":   KindDaemonSet,
	"rs":           KindReplicaSet,
	"replicasets":  KindReplicaSet,
	"jobs":         KindJob,
}

func parseKind(s string) (ResourceKind, bool) {
	k := ResourceKind(strings.ToLower(s))
	if knownKinds[k] {
		return k, true
	}
	if k, ok := kindAliases[strings.ToLower(s)]; ok {
		return k, true
	}
	return "", false
}

// ResourceReference is one parsed positional argument. Context and Namespace
// are empty when the reference did not carry them; Kind defaults to pod.
type ResourceReference struct {
	Context   string
	Namespace string
	Kind      ResourceKind
	Name      string
}

// ParseReference parses the [context/][namespace/][kind/]name form.
//
// Disambiguation by segment count: a two-segment reference is kind/name when
// the first segment names a known kind, namespace/name otherwise; a
// three-segment reference is namespace/kind/name when the middle segment
// names a known kind, context/namespace/name otherwise. Four segments are
// always context/namespace/kind/name and the kind must be known.
func ParseReference(s string) (ResourceReference, error) {
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" {
			return ResourceReference{}, fmt.Errorf("invalid resource reference %q", s)
		}
	}

	ref := ResourceReference{Kind: KindPod}
	switch len(parts) {
	case 1:
		ref.Name = parts[0]
	case 2:
		if kind, ok := parseKind(parts[0]); ok {
			ref.Kind = kind
		} else {
			ref.Namespace = parts[0]
		}
		ref.Name = parts[1]
	case 3:
		if kind, ok := parseKind(parts[1]); ok {
			ref.Namespace = parts[0]
			ref.Kind = kind
		} else {
			ref.Context = parts[0]
			ref.Namespace = parts[1]
		}
		ref.Name = parts[2]
	case 4:
		kind, ok := parseKind(parts[2])
		if !ok {
			return ResourceReference{}, fmt.Errorf("unknown resource kind %q in %q", parts[2], s)
		}
		ref.Context = parts[0]
		ref.Namespace = parts[1]
		ref.Kind = kind
		ref.Name = parts[3]
	default:
		return ResourceReference{}, fmt.Errorf("invalid resource reference %q", s)
	}

	return ref, nil
}

// FormatSelector serializes a label selector to the API's comma-separated
// form. Keys come out lexicographically sorted. Returns false for a nil or
// all-empty selector so callers never produce a match-all watch.
func FormatSelector(ls *metav1.LabelSelector) (string, bool) {
	if ls == nil || (len(ls.MatchLabels) == 0 && len(ls.MatchExpressions) == 0) {
		return "", false
	}
	sel, err := metav1.LabelSelectorAsSelector(ls)
	if err != nil {
		klog.Warningf("Invalid label selector %v: %v", ls, err)
		return "", false
	}
	if sel.Empty() {
		return "", false
	}
	return sel.String(), true
}

// Resolver turns resource references into WatchSpecs.
type Resolver struct {
	// Clients maps cluster name to its clientset. The default cluster must
	// be present.
	Clients        map[string]kubernetes.Interface
	DefaultCluster string
	DefaultNS      string
}

// Resolve classifies each reference into either a label-selector watch (for
// controller kinds, by reading the controller's selector) or a name-pinned
// field watch (for pods), appends the CLI selector's watch when one was
// supplied, and deduplicates the result. A missing controller logs a warning
// and is skipped; a missing pod still yields a field watch that matches the
// pod when it appears.
func (r *Resolver) Resolve(ctx context.Context, refs []ResourceReference, cliSelector string) ([]WatchSpec, error) {
	var specs []WatchSpec

	for _, ref := range refs {
		cluster := ref.Context
		if cluster == "" {
			cluster = r.DefaultCluster
		}
		namespace := ref.Namespace
		if namespace == "" {
			namespace = r.DefaultNS
		}

		if ref.Kind == KindPod {
			specs = append(specs, WatchSpec{
				Cluster:   cluster,
				Namespace: namespace,
				FieldName: ref.Name,
			})
			continue
		}

		client, ok := r.Clients[cluster]
		if !ok {
			return nil, fmt.Errorf("no client for cluster %q", cluster)
		}

		selector, err := r.controllerSelector(ctx, client, ref.Kind, namespace, ref.Name)
		if err != nil {
			if apierrors.IsNotFound(err) {
				klog.Warningf("%s %s/%s not found, skipping", ref.Kind, namespace, ref.Name)
			} else {
				klog.Warningf("Failed to read %s %s/%s: %v, skipping", ref.Kind, namespace, ref.Name, err)
			}
			continue
		}

		labels, ok := FormatSelector(selector)
		if !ok {
			klog.Warningf("%s %s/%s has an empty selector, skipping", ref.Kind, namespace, ref.Name)
			continue
		}

		specs = append(specs, WatchSpec{
			Cluster:   cluster,
			Namespace: namespace,
			Labels:    labels,
		})
	}

	if cliSelector != "" {
		specs = append(specs, WatchSpec{
			Cluster:   r.DefaultCluster,
			Namespace: r.DefaultNS,
			Labels:    cliSelector,
		})
	}

	return dedupeSpecs(specs), nil
}

// controllerSelector reads spec.selector from a workload controller.
func (r *Resolver) controllerSelector(ctx context.Context, client kubernetes.Interface, kind ResourceKind, namespace, name string) (*metav1.LabelSelector, error) {
	opts := metav1.GetOptions{}
	switch kind {
	case KindDeployment:
		d, err := client.AppsV1().Deployments(namespace).Get(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		return d.Spec.Selector, nil
	case KindStatefulSet:
		s, err := client.AppsV1().StatefulSets(namespace).Get(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		return s.Spec.Selector, nil
	case KindDaemonSet:
		d, err := client.AppsV1().DaemonSets(namespace).Get(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		return d.Spec.Selector, nil
	case KindReplicaSet:
		rs, err := client.AppsV1().ReplicaSets(namespace).Get(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		return rs.Spec.Selector, nil
	case KindJob:
		j, err := client.BatchV1().Jobs(namespace).Get(ctx, name, opts)
		if err != nil {
			return nil, err
		}
		return j.Spec.Selector, nil
	default:
		return nil, fmt.Errorf("unsupported resource kind %q", kind)
	}
}

func dedupeSpecs(specs []WatchSpec) []WatchSpec {
	seen := make(map[WatchSpec]bool, len(specs))
	out := specs[:0]
	for _, spec := range specs {
		if seen[spec] {
			continue
		}
		seen[spec] = true
		out = append(out, spec)
	}
	return out
}
