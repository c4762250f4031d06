// Package service installs systemd units for long-running components.
//
// Registration only happens when the process can modify system-wide
// service state. That is checked at call time: without it every call is a
// no-op that writes nothing and never invokes systemctl.
package service

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/balaji-balu/lotadeploy/internal/installer"
	"github.com/balaji-balu/lotadeploy/internal/logger"
	"github.com/balaji-balu/lotadeploy/internal/registry"
	"github.com/balaji-balu/lotadeploy/internal/runner"
	"github.com/balaji-balu/lotadeploy/pkg/deployment"
)

// ErrServiceRegistration is reported, never fatal; installed artifacts stay.
var ErrServiceRegistration = errors.New("service registration failure")

const DefaultUnitDir = "/etc/systemd/system"

//go:embed unit.service.tmpl
var unitTemplate string

var unitTmpl = template.Must(template.New("unit").Option("missingkey=error").Parse(unitTemplate))

// IsElevated reports whether the effective user is root. A root process that
// still cannot write the unit dir fails registration instead of skipping it.
func IsElevated() bool {
	return unix.Geteuid() == 0
}

// UnitVars are available to the string fields of a ServiceUnitSpec.
type UnitVars struct {
	Component string
	Root      string
	Bin       string
	Config    string
	Logs      string
	EnvFile   string
}

type unitData struct {
	Description      string
	WorkingDirectory string
	EnvironmentFile  string
	ExecStart        string
	Restart          string
	LogFile          string
}

type Registrar struct {
	UnitDir   string
	Systemctl string
	Runner    runner.Runner
	Layout    installer.Layout
	BaseEnv   []string
	// Elevated is consulted on every Register call.
	Elevated func() bool

	log *zap.Logger
}

func NewRegistrar(unitDir string, r runner.Runner, layout installer.Layout, baseEnv []string, log *zap.Logger) *Registrar {
	if unitDir == "" {
		unitDir = DefaultUnitDir
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Registrar{
		UnitDir:   unitDir,
		Systemctl: "systemctl",
		Runner:    r,
		Layout:    layout,
		BaseEnv:   baseEnv,
		Elevated:  IsElevated,
		log:       log,
	}
}

func (r *Registrar) UnitPath(unit string) string {
	return filepath.Join(r.UnitDir, unit+".service")
}

// Register installs and (re)starts the unit of spec. Components without a
// service, and any call without elevation, return a skipped report.
func (r *Registrar) Register(ctx context.Context, spec registry.ComponentSpec) (deployment.ServiceReport, error) {
	rep := deployment.ServiceReport{Component: spec.Name, Outcome: deployment.OutcomeSkipped}
	if spec.Service == nil {
		return rep, nil
	}
	rep.Unit = spec.Service.Unit
	log := logger.Component(r.log, spec.Name).With(zap.String("unit", spec.Service.Unit))

	if r.Elevated == nil || !r.Elevated() {
		rep.Message = "not elevated, service registration skipped"
		log.Info("not running with elevated privileges, skipping service registration")
		return rep, nil
	}

	content, err := r.Render(spec)
	if err != nil {
		return r.failed(rep, log, err)
	}

	path := r.UnitPath(spec.Service.Unit)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return r.failed(rep, log, fmt.Errorf("write %s: %w", path, err))
	}
	log.Info("wrote service unit", zap.String("path", path))

	unit := spec.Service.Unit + ".service"
	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", unit},
		{"restart", unit},
	} {
		res, err := r.Runner.Run(ctx, runner.Command{Name: r.Systemctl, Args: args, Env: r.BaseEnv})
		if err != nil {
			log.Debug("systemctl output", zap.ByteString("output", res.Output))
			return r.failed(rep, log, err)
		}
	}

	rep.Outcome = deployment.OutcomeSuccess
	log.Info("service registered and restarted")
	return rep, nil
}

func (r *Registrar) failed(rep deployment.ServiceReport, log *zap.Logger, err error) (deployment.ServiceReport, error) {
	err = fmt.Errorf("%w: %s: %w", ErrServiceRegistration, rep.Unit, err)
	rep.Outcome = deployment.OutcomeFailed
	rep.Message = err.Error()
	log.Error("service registration failed", zap.Error(err))
	return rep, err
}

// Render produces the unit file content for spec.
func (r *Registrar) Render(spec registry.ComponentSpec) ([]byte, error) {
	svc := spec.Service
	if svc == nil {
		return nil, fmt.Errorf("component %s has no service", spec.Name)
	}
	vars := UnitVars{
		Component: spec.Name,
		Root:      r.Layout.Root,
		Bin:       r.Layout.Bin(),
		Config:    r.Layout.Config(),
		Logs:      r.Layout.Logs(),
		EnvFile:   r.Layout.ConfigFile(),
	}

	field := func(name, tmpl, def string) (string, error) {
		if tmpl == "" {
			tmpl = def
		}
		t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", name, err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, vars); err != nil {
			return "", fmt.Errorf("render %s: %w", name, err)
		}
		return buf.String(), nil
	}

	var data unitData
	var err error
	if data.Description, err = field("description", svc.Description, "lotabots {{.Component}}"); err != nil {
		return nil, err
	}
	if data.WorkingDirectory, err = field("working_directory", svc.WorkingDirectory, "{{.Root}}"); err != nil {
		return nil, err
	}
	if data.EnvironmentFile, err = field("environment_file", svc.EnvironmentFile, "{{.EnvFile}}"); err != nil {
		return nil, err
	}
	if data.ExecStart, err = field("exec_start", svc.ExecStart, ""); err != nil {
		return nil, err
	}
	if data.Restart, err = field("restart", svc.Restart, "on-failure"); err != nil {
		return nil, err
	}
	data.LogFile = filepath.Join(vars.Logs, svc.Unit+".log")

	var buf bytes.Buffer
	if err := unitTmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
