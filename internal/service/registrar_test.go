package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/balaji-balu/lotadeploy/internal/installer"
	"github.com/balaji-balu/lotadeploy/internal/registry"
	"github.com/balaji-balu/lotadeploy/internal/runner/runnertest"
	"github.com/balaji-balu/lotadeploy/pkg/deployment"
)

func whatsapp() registry.ComponentSpec {
	c, ok := registry.Default().Lookup("whatsapp")
	if !ok {
		panic("whatsapp missing from default manifest")
	}
	return c
}

func newRegistrar(t *testing.T, elevated bool) (*Registrar, *runnertest.Fake) {
	t.Helper()
	fake := &runnertest.Fake{}
	r := NewRegistrar(t.TempDir(), fake, installer.Layout{Root: "/opt/lotabots"}, nil, nil)
	r.Elevated = func() bool { return elevated }
	return r, fake
}

func TestRegister_NoopWhenNotElevated(t *testing.T) {
	r, fake := newRegistrar(t, false)

	rep, err := r.Register(context.Background(), whatsapp())
	require.NoError(t, err)
	require.Equal(t, deployment.OutcomeSkipped, rep.Outcome)
	require.Empty(t, fake.Calls)

	entries, err := os.ReadDir(r.UnitDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRegister_NoServiceIsSkipped(t *testing.T) {
	r, fake := newRegistrar(t, true)
	cli, _ := registry.Default().Lookup("cli")

	rep, err := r.Register(context.Background(), cli)
	require.NoError(t, err)
	require.Equal(t, deployment.OutcomeSkipped, rep.Outcome)
	require.Empty(t, fake.Calls)
}

func TestRegister_WritesUnitThenReloadsEnablesRestarts(t *testing.T) {
	r, fake := newRegistrar(t, true)

	rep, err := r.Register(context.Background(), whatsapp())
	require.NoError(t, err)
	require.Equal(t, deployment.OutcomeSuccess, rep.Outcome)
	require.Equal(t, []string{
		"systemctl daemon-reload",
		"systemctl enable lotabots-whatsapp.service",
		"systemctl restart lotabots-whatsapp.service",
	}, fake.Lines())

	data, err := os.ReadFile(filepath.Join(r.UnitDir, "lotabots-whatsapp.service"))
	require.NoError(t, err)
	unit := string(data)
	require.Contains(t, unit, "ExecStart=/opt/lotabots/bin/lotabots-whatsapp\n")
	require.Contains(t, unit, "EnvironmentFile=/opt/lotabots/config/.env\n")
	require.Contains(t, unit, "WorkingDirectory=/opt/lotabots\n")
	require.Contains(t, unit, "Restart=always\n")
	require.Contains(t, unit, "StandardOutput=append:/opt/lotabots/logs/lotabots-whatsapp.log\n")
}

func TestRegister_SystemctlFailureIsReported(t *testing.T) {
	r, fake := newRegistrar(t, true)
	fake.On("systemctl enable", runnertest.Response{ExitCode: 1, Output: "Failed to connect to bus"})

	rep, err := r.Register(context.Background(), whatsapp())
	require.ErrorIs(t, err, ErrServiceRegistration)
	require.Equal(t, deployment.OutcomeFailed, rep.Outcome)
	require.Empty(t, fake.Matching("systemctl restart"))
}

func TestRegister_UnwritableUnitDirFails(t *testing.T) {
	r, fake := newRegistrar(t, true)
	r.UnitDir = filepath.Join(r.UnitDir, "missing")

	rep, err := r.Register(context.Background(), whatsapp())
	require.ErrorIs(t, err, ErrServiceRegistration)
	require.Equal(t, deployment.OutcomeFailed, rep.Outcome)
	require.Contains(t, rep.Message, "missing")
	require.Empty(t, fake.Calls)
	require.NoDirExists(t, r.UnitDir)
}

func TestRender_IsStable(t *testing.T) {
	r, _ := newRegistrar(t, true)
	a, err := r.Render(whatsapp())
	require.NoError(t, err)
	b, err := r.Render(whatsapp())
	require.NoError(t, err)
	require.Equal(t, a, b)
}
