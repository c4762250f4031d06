// Package orchestrator wires one deployment run together: environment
// resolution, accelerator probing, component selection, the build/test/
// install pipeline and service registration, in that order.
//
// Configuration and accelerator policy errors abort the run before anything
// is written under the deploy dir. Component failures are collected in the
// report and turn the exit status into a failure without stopping siblings.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/balaji-balu/lotadeploy/internal/capability"
	"github.com/balaji-balu/lotadeploy/internal/config"
	"github.com/balaji-balu/lotadeploy/internal/installer"
	"github.com/balaji-balu/lotadeploy/internal/metrics"
	"github.com/balaji-balu/lotadeploy/internal/pipeline"
	"github.com/balaji-balu/lotadeploy/internal/registry"
	"github.com/balaji-balu/lotadeploy/internal/runner"
	"github.com/balaji-balu/lotadeploy/internal/service"
	"github.com/balaji-balu/lotadeploy/pkg/deployment"
)

// ErrComponentsFailed is returned by callers that turn a report into an exit status.
var ErrComponentsFailed = errors.New("one or more components failed")

type Options struct {
	// RunID identifies the run in logs, spans and the journal. Generated when empty.
	RunID        string
	Environment  config.Environment
	Workspace    string
	DeployDir    string
	Components   []string
	Features     string
	SkipTests    bool
	UnitDir      string
	ProbeTimeout time.Duration
	// BaseEnv is inherited by every child process, normally os.Environ().
	BaseEnv []string
}

// Orchestrator runs a deployment. Nil collaborators get production
// defaults in Run; tests replace them.
type Orchestrator struct {
	Options  Options
	Runner   runner.Runner
	Source   capability.Source
	Registry *registry.Registry
	Metrics  *metrics.Recorder
	Journal  *Journal
	// Elevated overrides the registrar's privilege check.
	Elevated func() bool
	// Arch overrides runtime.GOARCH for flag derivation.
	Arch string

	log *zap.Logger
}

func New(opts Options, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{Options: opts, log: log}
}

func (o *Orchestrator) tracer() trace.Tracer {
	return otel.Tracer("github.com/balaji-balu/lotadeploy/internal/orchestrator")
}

// Run executes one deployment. The report is always returned, partially
// filled when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context) (*deployment.RunReport, error) {
	opts := o.Options
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	rep := &deployment.RunReport{
		RunID:       runID,
		Environment: opts.Environment.String(),
		DeployDir:   opts.DeployDir,
		StartedAt:   time.Now().UTC(),
	}
	log := o.log.With(zap.String("run_id", rep.RunID))

	ctx, span := o.tracer().Start(ctx, "lotadeploy run", trace.WithAttributes(
		attribute.String("environment", rep.Environment),
		attribute.String("deploy_dir", opts.DeployDir),
	))
	defer span.End()

	err := o.run(ctx, log, rep)
	rep.FinishedAt = time.Now().UTC()
	if err != nil {
		rep.Error = err.Error()
		span.SetStatus(codes.Error, err.Error())
		log.Error("run aborted", zap.Error(err))
	} else if rep.Failed() {
		span.SetStatus(codes.Error, ErrComponentsFailed.Error())
	}

	o.Metrics.Finish(rep.Succeeded(), rep.FinishedAt)
	if o.Journal != nil {
		if jerr := o.Journal.Record(rep); jerr != nil {
			log.Warn("failed to record run in journal", zap.Error(jerr))
		}
	}
	return rep, err
}

func (o *Orchestrator) run(ctx context.Context, log *zap.Logger, rep *deployment.RunReport) error {
	opts := o.Options
	if opts.DeployDir == "" {
		return errors.New("deploy dir is required")
	}
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	r := o.Runner
	if r == nil {
		r = runner.Exec{}
	}

	log.Info("starting deployment",
		zap.String("environment", opts.Environment.String()),
		zap.String("workspace", workspace),
		zap.String("deploy_dir", opts.DeployDir),
	)

	cfg, err := config.Resolve(workspace, opts.Environment, log)
	if err != nil {
		return err
	}
	rep.ConfigFile = cfg.Source.Path
	childEnv := ProbeEnv(opts.BaseEnv, cfg)

	prof, err := o.probe(ctx, log, r, childEnv)
	rep.Capability = deployment.CapabilityReport{
		Status:         string(prof.Status),
		Kind:           string(prof.Kind),
		DriverVersion:  prof.DriverVersion,
		LibraryVersion: prof.LibraryVersion,
		BuildFlags:     prof.BuildFlags,
	}
	o.Metrics.Accelerator(string(prof.Status), prof.DriverVersion)
	if err != nil {
		return err
	}

	reg := o.Registry
	if reg == nil {
		reg = registry.Default()
	}
	specs, unknown := reg.Resolve(opts.Components, log)
	rep.Unknown = unknown
	rep.Components = []deployment.ComponentReport{}
	if len(specs) == 0 {
		log.Warn("no known components selected, nothing to do", zap.Strings("requested", opts.Components))
		return nil
	}

	inst := installer.New(opts.DeployDir, log)
	if err := inst.Ensure(); err != nil {
		return err
	}
	if err := inst.InstallConfig(cfg.Source); err != nil {
		return err
	}

	executor := pipeline.NewExecutor(r, inst, prof, cfg, pipeline.Options{
		Workspace:   workspace,
		Environment: opts.Environment,
		Features:    opts.Features,
		SkipTests:   opts.SkipTests,
		BaseEnv:     opts.BaseEnv,
	}, o.Metrics, log)
	rep.Components = executor.Run(ctx, specs)

	registrar := service.NewRegistrar(opts.UnitDir, r, inst.Layout, opts.BaseEnv, log)
	if o.Elevated != nil {
		registrar.Elevated = o.Elevated
	}
	for i, spec := range specs {
		if !spec.LongRunning() {
			continue
		}
		if rep.Components[i].Install != deployment.OutcomeSuccess {
			log.Warn("not registering service, install did not succeed", zap.String("component", spec.Name))
			continue
		}
		srep, err := registrar.Register(ctx, spec)
		if err != nil {
			log.Warn("service registration failed, artifacts remain installed",
				zap.String("component", spec.Name), zap.Error(err))
		}
		rep.Services = append(rep.Services, srep)
	}

	if rep.Failed() {
		log.Error("deployment finished with failures")
	} else {
		log.Info("deployment finished", zap.Int("components", len(rep.Components)))
	}
	return nil
}

func (o *Orchestrator) probe(ctx context.Context, log *zap.Logger, r runner.Runner, env []string) (capability.Profile, error) {
	ctx, span := o.tracer().Start(ctx, "probe accelerator")
	defer span.End()

	src := o.Source
	if src == nil {
		timeout := o.Options.ProbeTimeout
		if timeout <= 0 {
			timeout = capability.DefaultTimeout
		}
		src = capability.NewNvidiaSource(r, env, timeout)
	}
	prober := capability.NewProber(src, log)
	if o.Arch != "" {
		prober.Arch = o.Arch
	}
	prof, err := prober.Probe(ctx, o.Options.Environment)
	span.SetAttributes(attribute.String("status", string(prof.Status)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return prof, err
}

// SourceFor maps the --accelerator setting to a capability source. auto
// returns nil so Run builds the nvidia-smi prober with the resolved env.
func SourceFor(mode string) (capability.Source, error) {
	switch mode {
	case "", "auto":
		return nil, nil
	case "device":
		return capability.NewDeviceSource(), nil
	case "none":
		return capability.StaticSource{Status: capability.Absent}, nil
	default:
		return nil, fmt.Errorf("unknown accelerator mode %q (want auto, device or none)", mode)
	}
}

// ExitError turns a run outcome into the error that decides the exit status.
func ExitError(rep *deployment.RunReport, err error) error {
	if err != nil {
		return err
	}
	if rep != nil && rep.Failed() {
		return ErrComponentsFailed
	}
	return nil
}

// ProbeEnv overlays the resolved config on base for the accelerator query,
// so selectors such as CUDA_VISIBLE_DEVICES in .env apply to it.
func ProbeEnv(base []string, cfg *config.EnvironmentConfig) []string {
	env := append([]string(nil), base...)
	if cfg != nil {
		env = append(env, cfg.Environ()...)
	}
	return env
}

// BaseEnv is the environment inherited by child processes.
func BaseEnv() []string { return os.Environ() }
