package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/balaji-balu/lotadeploy/internal/capability"
	"github.com/balaji-balu/lotadeploy/internal/config"
	"github.com/balaji-balu/lotadeploy/internal/metrics"
	"github.com/balaji-balu/lotadeploy/internal/orchestrator"
	"github.com/balaji-balu/lotadeploy/internal/registry"
	"github.com/balaji-balu/lotadeploy/internal/runner"
	"github.com/balaji-balu/lotadeploy/internal/service"
	"github.com/balaji-balu/lotadeploy/internal/telemetry"
)

const defaultDeployDir = "/opt/lotabots"

func newDeployCmd(a *app) *cobra.Command {
	deployCmd := &cobra.Command{
		Use:   "deploy",
		Short: "Build, test and install workspace components",
		Long: `Resolves the environment config, probes the accelerator, then builds, tests
and installs every selected component. Long-running components are registered
as systemd services when running with enough privileges.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.deploy(cmd)
		},
	}

	f := deployCmd.Flags()
	f.StringP("environment", "e", string(config.Development), "target environment (development or production)")
	f.String("deploy-dir", defaultDeployDir, "deployment root")
	f.String("workspace", ".", "workspace root holding the sources and .env files")
	f.String("components", "", "comma separated components to deploy (default all)")
	f.String("features", "", "extra cargo features passed to every build")
	f.Bool("skip-tests", false, "skip the test stage")
	addProbeFlags(deployCmd)
	f.String("manifest", "", "component manifest replacing the built-in one")
	f.String("unit-dir", service.DefaultUnitDir, "directory for systemd unit files")
	f.String("report", "", "write the run report as YAML to this file")
	f.String("journal", "", "record the run in this bbolt journal")
	f.String("metrics-file", "", "write run metrics in Prometheus textfile format")
	f.Bool("trace", false, "print trace spans to stdout")
	f.String("otlp-endpoint", "", "export trace spans to this OTLP gRPC endpoint")
	return deployCmd
}

func (a *app) deploy(cmd *cobra.Command) error {
	v := a.v
	env, err := config.ParseEnvironment(v.GetString("environment"))
	if err != nil {
		return err
	}
	src, err := orchestrator.SourceFor(v.GetString("accelerator"))
	if err != nil {
		return err
	}
	reg, err := loadRegistry(v.GetString("manifest"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	var spanOut io.Writer
	if v.GetBool("trace") {
		spanOut = cmd.OutOrStdout()
	}
	shutdown, err := telemetry.InitTracer(ctx, telemetry.Options{
		ServiceName:  "lotadeploy",
		RunID:        runID,
		Environment:  env.String(),
		Stdout:       spanOut,
		OTLPEndpoint: v.GetString("otlp-endpoint"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			a.logger.Warn("failed to flush trace spans", zap.Error(err))
		}
	}()

	var exec runner.Exec
	if v.GetBool("verbose") {
		exec.Stream = cmd.ErrOrStderr()
	}

	o := orchestrator.New(orchestrator.Options{
		RunID:        runID,
		Environment:  env,
		Workspace:    v.GetString("workspace"),
		DeployDir:    v.GetString("deploy-dir"),
		Components:   registry.SplitList(v.GetString("components")),
		Features:     v.GetString("features"),
		SkipTests:    v.GetBool("skip-tests"),
		UnitDir:      v.GetString("unit-dir"),
		ProbeTimeout: v.GetDuration("probe-timeout"),
		BaseEnv:      orchestrator.BaseEnv(),
	}, a.logger)
	o.Runner = exec
	o.Source = src
	o.Registry = reg

	metricsFile := v.GetString("metrics-file")
	if metricsFile != "" {
		o.Metrics = metrics.New(env.String())
	}
	if path := v.GetString("journal"); path != "" {
		j, err := orchestrator.OpenJournal(path)
		if err != nil {
			return err
		}
		defer j.Close()
		o.Journal = j
	}

	rep, runErr := o.Run(ctx)

	if path := v.GetString("report"); path != "" {
		if err := orchestrator.WriteReport(path, rep); err != nil {
			a.logger.Warn("failed to write run report", zap.String("path", path), zap.Error(err))
		}
	}
	if metricsFile != "" {
		if err := o.Metrics.WriteTextfile(metricsFile); err != nil {
			a.logger.Warn("failed to write metrics", zap.String("path", metricsFile), zap.Error(err))
		}
	}

	printSummary(cmd.OutOrStdout(), rep, runErr)
	return orchestrator.ExitError(rep, runErr)
}

func loadRegistry(manifest string) (*registry.Registry, error) {
	if manifest == "" {
		return registry.Default(), nil
	}
	return registry.LoadFile(manifest)
}

// addProbeFlags registers the accelerator flags shared by deploy and probe.
func addProbeFlags(c *cobra.Command) {
	c.Flags().String("accelerator", "auto", "accelerator detection: auto (nvidia-smi), device (device nodes) or none")
	c.Flags().Duration("probe-timeout", capability.DefaultTimeout, "bound on accelerator detection")
}
