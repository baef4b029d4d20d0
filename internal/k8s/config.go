package k8s

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Config holds the tail configuration shared by every component.
type Config struct {
	Kubeconfig string
	Context    string // default context; empty means the kubeconfig's current context
	Namespace  string // default namespace
	Container  string // restrict to a single container name per pod
	Selector   string // CLI label selector, applied in the default cluster/namespace
	TailLines  *int64 // historical lines at first connect; nil = server default
	Since      *int64 // historical window in seconds at first connect; nil = none
	BufferSize int    // event bus capacity
}

// NewDefaultConfig returns a default configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Kubeconfig: getDefaultKubeconfig(),
		Namespace:  "default",
		BufferSize: 10000,
	}
}

// getDefaultKubeconfig returns the default kubeconfig path
func getDefaultKubeconfig() string {
	if kubeconfig := os.Getenv("KUBECONFIG"); kubeconfig != "" {
		return kubeconfig
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kube", "config")
}

// DefaultClusterName resolves the cluster name used for ContainerKeys and
// line prefixes when no per-resource context was given: the explicit
// --context if set, otherwise the kubeconfig's current context, otherwise
// "default" (in-cluster or bare environments).
func (c *Config) DefaultClusterName() string {
	if c.Context != "" {
		return c.Context
	}
	rules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: c.Kubeconfig}
	raw, err := rules.Load()
	if err == nil && raw.CurrentContext != "" {
		return raw.CurrentContext
	}
	return "default"
}

// BuildClientset creates a kubernetes clientset for the given context name.
// An empty context uses in-cluster config when it is available and otherwise
// the kubeconfig's current context; a named context always comes from the
// kubeconfig.
func (c *Config) BuildClientset(contextName string) (*kubernetes.Clientset, error) {
	if contextName == "" {
		if config, err := rest.InClusterConfig(); err == nil {
			return kubernetes.NewForConfig(config)
		}
	}

	if c.Kubeconfig == "" {
		c.Kubeconfig = getDefaultKubeconfig()
	}

	loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: c.Kubeconfig}
	configOverrides := &clientcmd.ConfigOverrides{}
	if contextName != "" {
		configOverrides.CurrentContext = contextName
	}

	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)
	config, err := kubeConfig.ClientConfig()
	if err != nil {
		if contextName != "" {
			return nil, fmt.Errorf("failed to load kubeconfig for context %q: %w", contextName, err)
		}
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}

	return clientset, nil
}
