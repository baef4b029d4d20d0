// Package cli wires flags, kubeconfig contexts and presenters into the log
// source and owns process lifecycle.
package cli

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/control-theory/podtail/internal/k8s"
	"github.com/control-theory/podtail/internal/printer"
	"github.com/control-theory/podtail/internal/tui"
)

// Execute runs the root command. Returns a non-nil error for configuration
// and startup failures and for a failed TUI; runtime API errors are retried
// internally.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCommand().ExecuteContext(ctx)
}

// NewRootCommand builds the podtail command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "podtail [flags] [[context/][namespace/][kind/]name ...]",
		Short: "Tail container logs across pods, workloads and clusters",
		Long: `podtail continuously aggregates container log streams for a dynamic set of
workloads. References may name a pod or a workload controller (deployment,
statefulset, daemonset, replicaset, job); matching pods are discovered and
every container tailed, with automatic reconnection when streams end.`,
		Example: `  podtail my-pod
  podtail deployment/web
  podtail east-cluster/prod/deployment/web -c srv
  podtail -l app=web --tail 50 --grep 'ERROR'`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args)
		},
	}

	flags := cmd.Flags()
	flags.String("kubeconfig", "", "path to the kubeconfig file (defaults to $KUBECONFIG, then ~/.kube/config)")
	flags.String("context", "", "default kubeconfig context (mutually exclusive with per-resource context prefixes)")
	flags.StringP("namespace", "n", "default", "default namespace")
	flags.StringP("selector", "l", "", "label selector applied in the default context/namespace")
	flags.StringP("container", "c", "", "restrict to a single container name per pod")
	flags.Int64("tail", -1, "number of historical lines at first connect (-1 = server default)")
	flags.Duration("since", 0, "historical window at first connect, e.g. 10m (mutually exclusive with --tail)")
	flags.StringP("grep", "g", "", "print only lines matching this regex (stdout mode)")
	flags.BoolP("verbose", "v", false, "enable debug-level diagnostics")
	flags.Bool("no-tui", false, "force stdout mode even when attached to a terminal")
	flags.Bool("plain-output", false, "alias for --no-tui")
	flags.Int("buffer-size", 10000, "event bus capacity")

	viper.BindPFlags(flags)
	viper.SetEnvPrefix("PODTAIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return cmd
}

func run(ctx context.Context, args []string) error {
	refs := make([]k8s.ResourceReference, 0, len(args))
	for _, arg := range args {
		ref, err := k8s.ParseReference(arg)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
	}

	selector := viper.GetString("selector")
	if len(refs) == 0 && selector == "" {
		return fmt.Errorf("specify at least one resource reference or --selector")
	}

	defaultContext := viper.GetString("context")
	for _, ref := range refs {
		if defaultContext != "" && ref.Context != "" {
			return fmt.Errorf("--context cannot be combined with per-resource context prefixes")
		}
	}

	var grep *regexp.Regexp
	if pattern := viper.GetString("grep"); pattern != "" {
		var err error
		grep, err = regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid --grep pattern %q: %w", pattern, err)
		}
	}

	cfg := k8s.NewDefaultConfig()
	cfg.Context = defaultContext
	cfg.Namespace = viper.GetString("namespace")
	cfg.Container = viper.GetString("container")
	cfg.Selector = selector
	cfg.BufferSize = viper.GetInt("buffer-size")
	if path := viper.GetString("kubeconfig"); path != "" {
		cfg.Kubeconfig = path
	}
	if tail := viper.GetInt64("tail"); tail >= 0 {
		cfg.TailLines = &tail
	}
	if since := viper.GetDuration("since"); since > 0 {
		if cfg.TailLines != nil {
			return fmt.Errorf("--tail and --since are mutually exclusive")
		}
		seconds := int64(since / time.Second)
		cfg.Since = &seconds
	}

	plain := viper.GetBool("no-tui") || viper.GetBool("plain-output") ||
		!(isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	if err := setupLogging(viper.GetBool("verbose"), !plain); err != nil {
		return err
	}

	clients, defaultCluster, err := buildClients(cfg, refs)
	if err != nil {
		return err
	}

	resolver := &k8s.Resolver{
		Clients:        clients,
		DefaultCluster: defaultCluster,
		DefaultNS:      cfg.Namespace,
	}
	specs, err := resolver.Resolve(ctx, refs, selector)
	if err != nil {
		return err
	}

	source := k8s.NewSource(cfg, clients)
	if err := source.Start(specs); err != nil {
		return err
	}

	if plain {
		go func() {
			<-ctx.Done()
			source.Stop()
		}()
		printer.New(os.Stdout, grep, viper.GetBool("verbose")).Run(source.Events())
		return nil
	}

	err = tui.Run(ctx, source.Events(), source, cfg.BufferSize)
	source.Stop()
	return err
}

// buildClients creates one clientset per referenced cluster plus the
// default. An unknown explicit context surfaces here as a startup error.
func buildClients(cfg *k8s.Config, refs []k8s.ResourceReference) (map[string]kubernetes.Interface, string, error) {
	defaultCluster := cfg.DefaultClusterName()

	contexts := map[string]string{defaultCluster: cfg.Context}
	for _, ref := range refs {
		if ref.Context != "" {
			contexts[ref.Context] = ref.Context
		}
	}

	clients := make(map[string]kubernetes.Interface, len(contexts))
	for cluster, contextName := range contexts {
		client, err := cfg.BuildClientset(contextName)
		if err != nil {
			return nil, "", err
		}
		clients[cluster] = client
	}
	return clients, defaultCluster, nil
}

// setupLogging configures klog: verbosity from --verbose, and in TUI mode a
// log file instead of stderr so diagnostics cannot corrupt the screen.
func setupLogging(verbose, tuiMode bool) error {
	fs := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(fs)
	if verbose {
		fs.Set("v", "4")
	}

	if tuiMode {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		dir = filepath.Join(dir, "podtail")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, "podtail.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		klog.LogToStderr(false)
		klog.SetOutput(f)
	}
	return nil
}
