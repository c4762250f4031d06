// Package pipeline drives each selected component through build, test and
// install, strictly one component at a time in the caller's order.
//
// A build failure stops that component only; later components still run and
// the run as a whole is reported as failed. Test failures mark the component
// failed but never block its install. Nothing is retried.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/balaji-balu/lotadeploy/internal/capability"
	"github.com/balaji-balu/lotadeploy/internal/config"
	"github.com/balaji-balu/lotadeploy/internal/installer"
	"github.com/balaji-balu/lotadeploy/internal/logger"
	"github.com/balaji-balu/lotadeploy/internal/metrics"
	"github.com/balaji-balu/lotadeploy/internal/registry"
	"github.com/balaji-balu/lotadeploy/internal/runner"
	"github.com/balaji-balu/lotadeploy/pkg/deployment"
)

// Options are the run-wide switches that apply to every component.
type Options struct {
	Workspace   string
	Environment config.Environment
	Features    string
	SkipTests   bool
	// BaseEnv is the inherited environment of build commands, normally os.Environ().
	BaseEnv []string
}

type Executor struct {
	Runner    runner.Runner
	Installer *installer.Installer
	Profile   capability.Profile
	Config    *config.EnvironmentConfig
	Options   Options
	Metrics   *metrics.Recorder

	log    *zap.Logger
	tracer trace.Tracer
}

func NewExecutor(r runner.Runner, inst *installer.Installer, prof capability.Profile,
	cfg *config.EnvironmentConfig, opts Options, rec *metrics.Recorder, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		Runner:    r,
		Installer: inst,
		Profile:   prof,
		Config:    cfg,
		Options:   opts,
		Metrics:   rec,
		log:       log,
		tracer:    otel.Tracer("github.com/balaji-balu/lotadeploy/internal/pipeline"),
	}
}

// Run executes every component in order and returns one report each.
func (e *Executor) Run(ctx context.Context, specs []registry.ComponentSpec) []deployment.ComponentReport {
	reports := make([]deployment.ComponentReport, 0, len(specs))
	for _, spec := range specs {
		reports = append(reports, e.RunComponent(ctx, spec))
	}
	return reports
}

func (e *Executor) RunComponent(ctx context.Context, spec registry.ComponentSpec) deployment.ComponentReport {
	log := logger.Component(e.log, spec.Name)
	ctx, span := e.tracer.Start(ctx, "component "+spec.Name,
		trace.WithAttributes(attribute.String("component", spec.Name)))
	defer span.End()

	start := time.Now()
	rep := deployment.ComponentReport{
		Name:    spec.Name,
		Build:   deployment.OutcomePending,
		Test:    deployment.OutcomePending,
		Install: deployment.OutcomePending,
	}
	lc := NewLifecycle(spec.Name, log)
	var errs []error

	finish := func() deployment.ComponentReport {
		if len(errs) > 0 {
			rep.Overall = deployment.OutcomeFailed
			if lc.Current() != StateFailed {
				e.transition(ctx, log, lc.Fail)
			}
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			rep.Message = strings.Join(msgs, "; ")
			span.SetStatus(codes.Error, rep.Message)
			log.Error("component failed", zap.Error(errors.Join(errs...)))
		} else {
			rep.Overall = deployment.OutcomeSuccess
			e.transition(ctx, log, lc.Succeed)
			log.Info("component succeeded")
		}
		rep.State = lc.Current()
		rep.Duration = time.Since(start)
		e.Metrics.Component(spec.Name, string(rep.Overall))
		return rep
	}

	log.Info("building component")
	e.transition(ctx, log, lc.Build)
	if err := e.build(ctx, spec); err != nil {
		rep.Build = deployment.OutcomeFailed
		rep.Test = deployment.OutcomeSkipped
		rep.Install = deployment.OutcomeSkipped
		errs = append(errs, err)
		return finish()
	}
	rep.Build = deployment.OutcomeSuccess

	switch {
	case e.Options.SkipTests:
		rep.Test = deployment.OutcomeSkipped
		log.Debug("tests skipped by flag")
	case !spec.HasTests():
		rep.Test = deployment.OutcomeSkipped
		log.Debug("component has no test command")
	default:
		e.transition(ctx, log, lc.Test)
		if err := e.test(ctx, spec); err != nil {
			rep.Test = deployment.OutcomeFailed
			errs = append(errs, err)
			log.Warn("tests failed, installing anyway", zap.Error(err))
		} else {
			rep.Test = deployment.OutcomePassed
		}
	}

	e.transition(ctx, log, lc.Install)
	if err := e.install(ctx, spec); err != nil {
		rep.Install = deployment.OutcomeFailed
		errs = append(errs, err)
	} else {
		rep.Install = deployment.OutcomeSuccess
	}
	return finish()
}

func (e *Executor) transition(ctx context.Context, log *zap.Logger, ev func(context.Context) error) {
	if err := ev(ctx); err != nil {
		log.Warn("unexpected lifecycle transition", zap.Error(err))
	}
}

func (e *Executor) build(ctx context.Context, spec registry.ComponentSpec) error {
	args, err := spec.RenderBuild(e.vars(spec))
	if err != nil {
		return &StageError{Component: spec.Name, Stage: StageBuild, Err: fmt.Errorf("render build command: %w", err)}
	}
	return e.runStage(ctx, spec.Name, StageBuild, args)
}

func (e *Executor) test(ctx context.Context, spec registry.ComponentSpec) error {
	args, err := spec.RenderTest(e.vars(spec))
	if err != nil {
		return &StageError{Component: spec.Name, Stage: StageTest, Err: fmt.Errorf("render test command: %w", err)}
	}
	return e.runStage(ctx, spec.Name, StageTest, args)
}

func (e *Executor) install(ctx context.Context, spec registry.ComponentSpec) error {
	_, span := e.tracer.Start(ctx, string(StageInstall))
	defer span.End()

	start := time.Now()
	installed, err := e.Installer.Install(e.Options.Workspace, spec.InstallTargets)
	outcome := deployment.OutcomeSuccess
	if err != nil {
		outcome = deployment.OutcomeFailed
		span.SetStatus(codes.Error, err.Error())
		err = &StageError{Component: spec.Name, Stage: StageInstall, Err: err}
	}
	e.Metrics.Stage(spec.Name, string(StageInstall), string(outcome), time.Since(start))
	e.log.Debug("install finished",
		zap.String("component", spec.Name),
		zap.Strings("installed", installed),
	)
	return err
}

func (e *Executor) runStage(ctx context.Context, component string, stage Stage, args []string) error {
	if len(args) == 0 {
		return &StageError{Component: component, Stage: stage, Err: errors.New("empty command")}
	}
	ctx, span := e.tracer.Start(ctx, string(stage),
		trace.WithAttributes(attribute.String("command", strings.Join(args, " "))))
	defer span.End()

	cmd := runner.Command{
		Name: args[0],
		Args: args[1:],
		Dir:  e.Options.Workspace,
		Env:  e.commandEnv(),
	}
	e.log.Debug("running command",
		zap.String("component", component),
		zap.String("stage", string(stage)),
		zap.String("command", cmd.String()),
	)

	start := time.Now()
	res, err := e.Runner.Run(ctx, cmd)
	outcome := deployment.OutcomeSuccess
	if err != nil {
		outcome = deployment.OutcomeFailed
		span.SetStatus(codes.Error, err.Error())
		e.log.Debug("command output",
			zap.String("component", component),
			zap.String("stage", string(stage)),
			zap.String("output_tail", tail(string(res.Output), 20)),
		)
		err = &StageError{Component: component, Stage: stage, Err: err}
	}
	e.Metrics.Stage(component, string(stage), string(outcome), time.Since(start))
	return err
}

func (e *Executor) vars(spec registry.ComponentSpec) registry.CommandVars {
	return registry.CommandVars{
		Name:        spec.Name,
		Environment: e.Options.Environment.String(),
		Features:    e.features(spec),
	}
}

func (e *Executor) features(spec registry.ComponentSpec) string {
	feats := registry.SplitList(e.Options.Features)
	accel := e.Profile.Feature()
	if spec.Accelerated && accel != "" && !slices.Contains(feats, accel) {
		feats = append(feats, accel)
	}
	return strings.Join(feats, ",")
}

// commandEnv layers the inherited env, the resolved config and the build
// flags. os/exec keeps the last value of a duplicated key.
func (e *Executor) commandEnv() []string {
	env := append([]string(nil), e.Options.BaseEnv...)
	if e.Config != nil {
		env = append(env, e.Config.Environ()...)
	}
	env = append(env, "RUSTFLAGS="+strings.Join(e.Profile.BuildFlags, " "))
	return env
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
