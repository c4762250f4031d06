package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/balaji-balu/lotadeploy/internal/capability"
	"github.com/balaji-balu/lotadeploy/internal/config"
	"github.com/balaji-balu/lotadeploy/internal/installer"
	"github.com/balaji-balu/lotadeploy/internal/registry"
	"github.com/balaji-balu/lotadeploy/internal/runner"
	"github.com/balaji-balu/lotadeploy/internal/runner/runnertest"
	"github.com/balaji-balu/lotadeploy/pkg/deployment"
)

func spec(name string) registry.ComponentSpec {
	return registry.ComponentSpec{
		Name:  name,
		Build: []string{"cargo", "build", "-p", name, "{{with .Features}}--features={{.}}{{end}}"},
		Test:  []string{"cargo", "test", "-p", name},
		InstallTargets: []registry.InstallTarget{
			{Source: "target/" + name, Dest: "bin/" + name, Executable: true},
		},
	}
}

// produce makes a build command drop its artifact into the workspace.
func produce(ws, name string) runnertest.Response {
	return runnertest.Response{Do: func(runner.Command) {
		_ = os.MkdirAll(filepath.Join(ws, "target"), 0o755)
		_ = os.WriteFile(filepath.Join(ws, "target", name), []byte("bin:"+name), 0o600)
	}}
}

type fixture struct {
	ws   string
	root string
	fake *runnertest.Fake
	exec *Executor
}

func newFixture(t *testing.T, opts Options, prof capability.Profile) *fixture {
	t.Helper()
	ws := t.TempDir()
	root := t.TempDir()
	opts.Workspace = ws
	if prof.BuildFlags == nil {
		prof.BuildFlags = capability.DeriveFlags(prof.Status, "amd64")
	}
	cfg, err := config.Parse([]byte("CUDA_VISIBLE_DEVICES=0\nRUSTFLAGS=ignored\n"))
	require.NoError(t, err)

	fake := &runnertest.Fake{}
	inst := installer.New(root, nil)
	require.NoError(t, inst.Ensure())
	return &fixture{
		ws:   ws,
		root: root,
		fake: fake,
		exec: NewExecutor(fake, inst, prof, cfg, opts, nil, nil),
	}
}

func TestRun_PreservesOrder(t *testing.T) {
	f := newFixture(t, Options{}, capability.Profile{Status: capability.Absent})
	for _, n := range []string{"b", "a", "c"} {
		f.fake.On("cargo build -p "+n, produce(f.ws, n))
	}

	reports := f.exec.Run(context.Background(), []registry.ComponentSpec{spec("b"), spec("a"), spec("c")})
	require.Len(t, reports, 3)
	require.Equal(t, []string{
		"cargo build -p b", "cargo test -p b",
		"cargo build -p a", "cargo test -p a",
		"cargo build -p c", "cargo test -p c",
	}, f.fake.Lines())
	for i, n := range []string{"b", "a", "c"} {
		require.Equal(t, n, reports[i].Name)
		require.Equal(t, deployment.OutcomeSuccess, reports[i].Overall)
		require.Equal(t, StateSucceeded, reports[i].State)
	}
}

func TestRun_BuildFailureSkipsInstallButNotSiblings(t *testing.T) {
	f := newFixture(t, Options{}, capability.Profile{Status: capability.Absent})
	f.fake.On("cargo build -p a", runnertest.Response{ExitCode: 101, Output: "error[E0425]"})
	f.fake.On("cargo build -p b", produce(f.ws, "b"))
	// a stale artifact must not be installed for a failed build
	require.NoError(t, os.MkdirAll(filepath.Join(f.ws, "target"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.ws, "target", "a"), []byte("stale"), 0o600))

	reports := f.exec.Run(context.Background(), []registry.ComponentSpec{spec("a"), spec("b")})

	a := reports[0]
	require.Equal(t, deployment.OutcomeFailed, a.Build)
	require.Equal(t, deployment.OutcomeSkipped, a.Test)
	require.Equal(t, deployment.OutcomeSkipped, a.Install)
	require.Equal(t, deployment.OutcomeFailed, a.Overall)
	require.Equal(t, StateFailed, a.State)
	require.Contains(t, a.Message, "build failure")
	require.NoFileExists(t, filepath.Join(f.root, "bin", "a"))
	require.Empty(t, f.fake.Matching("cargo test -p a"))

	require.Equal(t, deployment.OutcomeSuccess, reports[1].Overall)
	require.FileExists(t, filepath.Join(f.root, "bin", "b"))
}

func TestRun_TestFailureStillInstalls(t *testing.T) {
	f := newFixture(t, Options{}, capability.Profile{Status: capability.Absent})
	f.fake.On("cargo build -p a", produce(f.ws, "a"))
	f.fake.On("cargo test -p a", runnertest.Response{ExitCode: 101})

	rep := f.exec.RunComponent(context.Background(), spec("a"))
	require.Equal(t, deployment.OutcomeSuccess, rep.Build)
	require.Equal(t, deployment.OutcomeFailed, rep.Test)
	require.Equal(t, deployment.OutcomeSuccess, rep.Install)
	require.Equal(t, deployment.OutcomeFailed, rep.Overall)
	require.Equal(t, StateFailed, rep.State)
	require.FileExists(t, filepath.Join(f.root, "bin", "a"))
}

func TestRun_SkipTests(t *testing.T) {
	f := newFixture(t, Options{SkipTests: true}, capability.Profile{Status: capability.Absent})
	f.fake.On("cargo build -p a", produce(f.ws, "a"))

	rep := f.exec.RunComponent(context.Background(), spec("a"))
	require.Equal(t, deployment.OutcomeSkipped, rep.Test)
	require.Equal(t, deployment.OutcomeSuccess, rep.Overall)
	require.Empty(t, f.fake.Matching("cargo test"))
}

func TestRun_InstallFailure(t *testing.T) {
	f := newFixture(t, Options{SkipTests: true}, capability.Profile{Status: capability.Absent})
	// build succeeds but produces nothing

	rep := f.exec.RunComponent(context.Background(), spec("a"))
	require.Equal(t, deployment.OutcomeSuccess, rep.Build)
	require.Equal(t, deployment.OutcomeFailed, rep.Install)
	require.Equal(t, deployment.OutcomeFailed, rep.Overall)
	require.Contains(t, rep.Message, "install failure")
}

func TestRun_BindsProfileAndConfigIntoEnv(t *testing.T) {
	f := newFixture(t, Options{SkipTests: true, BaseEnv: []string{"PATH=/usr/bin", "RUSTFLAGS=-O"}},
		capability.Profile{Status: capability.Available})
	f.fake.On("cargo build -p a", produce(f.ws, "a"))

	f.exec.RunComponent(context.Background(), spec("a"))
	calls := f.fake.Matching("cargo build -p a")
	require.Len(t, calls, 1)
	env := calls[0].Env
	require.Equal(t, "RUSTFLAGS="+capability.FlagNativeCPU+" "+capability.FlagVectorExt, env[len(env)-1])
	require.Contains(t, env, "CUDA_VISIBLE_DEVICES=0")
	require.Contains(t, env, "PATH=/usr/bin")
	require.Equal(t, f.ws, calls[0].Dir)
}

func TestFeatures(t *testing.T) {
	accel := spec("core")
	accel.Accelerated = true
	cuda := capability.Profile{Status: capability.Available, Kind: capability.KindCUDA}
	rocm := capability.Profile{Status: capability.Available, Kind: capability.KindROCm}

	f := newFixture(t, Options{Features: "whatsapp"}, cuda)
	require.Equal(t, "whatsapp,cuda", f.exec.features(accel))
	require.Equal(t, "whatsapp", f.exec.features(spec("cli")))

	f = newFixture(t, Options{Features: "cuda"}, cuda)
	require.Equal(t, "cuda", f.exec.features(accel))

	f = newFixture(t, Options{}, rocm)
	require.Equal(t, "rocm", f.exec.features(accel))

	f = newFixture(t, Options{}, capability.Profile{Status: capability.Incompatible, Kind: capability.KindCUDA})
	require.Equal(t, "", f.exec.features(accel))
}

func TestStageError(t *testing.T) {
	cause := errors.New("exit status 101")
	err := error(&StageError{Component: "cli", Stage: StageTest, Err: cause})
	require.ErrorIs(t, err, ErrTestFailure)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrBuildFailure)
	require.Equal(t, "cli: test failure: exit status 101", err.Error())
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	lc := NewLifecycle("cli", zapNop())
	require.Equal(t, StatePending, lc.Current())
	require.NoError(t, lc.Build(ctx))
	require.NoError(t, lc.Install(ctx))
	require.NoError(t, lc.Succeed(ctx))
	require.True(t, lc.Terminal())
	require.Error(t, lc.Fail(ctx), "succeeded is terminal")

	lc = NewLifecycle("core", zapNop())
	require.Error(t, lc.Install(ctx), "cannot install before building")
	require.NoError(t, lc.Build(ctx))
	require.NoError(t, lc.Fail(ctx))
	require.Error(t, lc.Build(ctx), "failed is terminal")
	require.Equal(t, StateFailed, lc.Current())
}

func zapNop() *zap.Logger { return zap.NewNop() }
