package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/yaml"

	apiv1 "github.com/Azure/strata/api/v1"
	"github.com/Azure/strata/internal/logging"
	"github.com/Azure/strata/internal/manager"
	"github.com/Azure/strata/internal/provider"
	"github.com/Azure/strata/internal/provider/fake"
	"github.com/Azure/strata/pkg/config"
	"github.com/Azure/strata/pkg/loader"
)

func root() *cobra.Command {
	var verbosity int
	cmd := &cobra.Command{
		Use:           "strata",
		Short:         "Reconcile composite resources",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().IntVarP(&verbosity, "verbosity", "v", 0, "Log verbosity")

	newLogger := func() (logr.Logger, error) { return logging.NewZapLogger(version, verbosity) }
	cmd.AddCommand(validateCmd(), graphCmd(), runCmd(newLogger))
	return cmd
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Check that the manifests in a directory are valid",
		Long: `Load every manifest in the directory, register its kinds and composition rules,
and check each instance against its kind's schema and composition.

Every problem is reported, not just the first one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
}

func validate(ctx context.Context, w io.Writer, dir string) error {
	bundle, err := loader.LoadBundle(dir)
	if bundle == nil {
		return err
	}
	errs := err

	mgr, err := manager.New(logr.Discard(), &manager.Options{}, fake.New())
	if err != nil {
		return err
	}
	defer mgr.Close()
	errs = multierr.Append(errs, mgr.Validate(ctx, bundle))

	if errs != nil {
		for _, err := range multierr.Errors(errs) {
			fmt.Fprintf(w, "%s %s\n", color.RedString("✗"), err)
		}
		return fmt.Errorf("%d problem(s) found", len(multierr.Errors(errs)))
	}
	fmt.Fprintf(w, "%s %d kind(s), %d composition rule(s), and %d instance(s) are valid\n",
		color.GreenString("✓"), len(bundle.Kinds), len(bundle.Rules), len(bundle.Instances))
	return nil
}

func graphCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "graph <dir>",
		Short: "Print the composition graph of the rules in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return graph(cmd.OutOrStdout(), args[0], format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "o", "dot", "Output format: dot, mermaid, json, or yaml")
	return cmd
}

func graph(w io.Writer, dir, format string) error {
	bundle, err := loader.LoadBundle(dir)
	if err != nil {
		return err
	}
	mgr, err := manager.New(logr.Discard(), &manager.Options{}, fake.New())
	if err != nil {
		return err
	}
	defer mgr.Close()
	if err := mgr.Load(bundle); err != nil {
		return err
	}

	g := mgr.Rules.Graph()
	switch format {
	case "dot":
		_, err = io.WriteString(w, g.DOT())
	case "mermaid":
		_, err = io.WriteString(w, g.Mermaid())
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(g)
	case "yaml":
		var out []byte
		out, err = yaml.Marshal(g)
		if err == nil {
			_, err = w.Write(out)
		}
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	return err
}

type runOptions struct {
	manager.Options
	Once      bool
	Timeout   time.Duration
	Overrides []string
	Labels    string
}

func runCmd(newLogger func() (logr.Logger, error)) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <dir>",
		Short: "Reconcile the manifests in a directory",
		Long: `Start the engine, apply every manifest in the directory, and keep reconciling until interrupted.

Managed resources are provisioned by an in-memory provider and report their id as status.id.

Examples:
  # Reconcile until every instance is Ready or Degraded, then print their status
  strata run ./manifests --once --health-probe-addr= --metrics-addr=

  # Override a field of one instance
  strata run ./manifests --set net:spec.region=eastus`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			return run(logr.NewContext(cmd.Context(), logger), cmd.OutOrStdout(), args[0], opts)
		},
	}
	opts.Bind(cmd.Flags())
	cmd.Flags().BoolVar(&opts.Once, "once", false, "Exit once every instance is Ready or Degraded")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "Max time to wait for instances to settle with --once")
	cmd.Flags().StringArrayVar(&opts.Overrides, "set", nil, "Override a spec field of the loaded instances: [instance:]spec.path=value")
	cmd.Flags().StringVar(&opts.Labels, "labels", "", "Labels added to every loaded instance: key1=value1,key2=value2")
	return cmd
}

func run(ctx context.Context, w io.Writer, dir string, opts *runOptions) error {
	logger := logr.FromContextOrDiscard(ctx)

	bundle, err := loader.LoadBundle(dir)
	if err != nil {
		return err
	}
	if err := applyOverrides(bundle, opts.Overrides); err != nil {
		return err
	}
	applyLabels(bundle, config.ParseKeyValuePairs(opts.Labels))

	mgr, err := manager.New(logger, &opts.Options, newCloud(bundle))
	if err != nil {
		return fmt.Errorf("constructing manager: %w", err)
	}
	defer mgr.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Start(ctx) })

	refs, err := mgr.Apply(ctx, bundle)
	if err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}
	logger.V(0).Info("applied manifests", "instances", len(refs))
	if !opts.Once {
		return g.Wait()
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, opts.Timeout)
	defer waitCancel()
	settled, waitErr := mgr.WaitSettled(waitCtx, refs, 100*time.Millisecond)
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}

	printStatus(w, settled)
	if waitErr != nil {
		return fmt.Errorf("waiting for instances to settle: %w", waitErr)
	}
	degraded := 0
	for _, inst := range settled {
		if inst != nil && inst.Status.State == apiv1.StateDegraded {
			degraded++
		}
	}
	if degraded > 0 {
		return fmt.Errorf("%d instance(s) are degraded", degraded)
	}
	return nil
}

// newCloud returns an in-memory provider whose resources of every loaded kind report their id.
func newCloud(bundle *loader.Bundle) *fake.Cloud {
	cloud := fake.New()
	for _, rk := range bundle.Kinds {
		cloud.OnStatus(rk.GroupKind(), func(id string, _ *provider.Resource) (map[string]any, bool) {
			return map[string]any{"id": id}, true
		})
	}
	return cloud
}

func applyOverrides(bundle *loader.Bundle, inputs []string) error {
	overrides, err := config.ParseOverrides(inputs)
	if err != nil {
		return err
	}
	for _, o := range overrides {
		matched := false
		for _, inst := range bundle.Instances {
			doc := map[string]any{"spec": inst.Spec}
			ok, err := o.Apply(inst.Name, doc)
			if err != nil {
				return fmt.Errorf("overriding %s of %s: %w", o.Path, inst.Ref(), err)
			}
			if ok {
				inst.Spec, _ = doc["spec"].(map[string]any)
				matched = true
			}
		}
		if !matched {
			return fmt.Errorf("override of %s doesn't match any instance", o.Path)
		}
	}
	return nil
}

func applyLabels(bundle *loader.Bundle, labels map[string]string) {
	if len(labels) == 0 {
		return
	}
	for _, inst := range bundle.Instances {
		if inst.Labels == nil {
			inst.Labels = map[string]string{}
		}
		for k, v := range labels {
			inst.Labels[k] = v
		}
	}
}
