package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/balaji-balu/lotadeploy/internal/config"
	"github.com/balaji-balu/lotadeploy/internal/orchestrator"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func workspace(t *testing.T, files map[string]string) (ws, deploy string) {
	t.Helper()
	base := t.TempDir()
	ws = filepath.Join(base, "ws")
	require.NoError(t, os.MkdirAll(ws, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(ws, name), []byte(content), 0o600))
	}
	return ws, filepath.Join(base, "deploy")
}

func TestDeploy_MissingConfiguration(t *testing.T) {
	ws, deploy := workspace(t, nil)
	out, err := run(t, "deploy",
		"--workspace", ws, "--deploy-dir", deploy,
		"--accelerator", "none", "--components", "cli")

	require.ErrorIs(t, err, config.ErrConfigurationNotFound)
	require.Contains(t, out, "deployment aborted")
	require.NoDirExists(t, deploy)
}

type syncCounter struct {
	bytes.Buffer
	syncs int
}

func (s *syncCounter) Sync() error {
	s.syncs++
	return nil
}

func TestExecute_SyncsLoggerOnFailure(t *testing.T) {
	ws, deploy := workspace(t, nil)
	sink := &syncCounter{}
	root, a := newRootCmd()
	a.newLogger = func(bool) (*zap.Logger, error) {
		enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		return zap.New(zapcore.NewCore(enc, sink, zapcore.DebugLevel)), nil
	}
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"deploy", "--workspace", ws, "--deploy-dir", deploy, "--accelerator", "none"})

	err := a.execute(root)
	require.ErrorIs(t, err, config.ErrConfigurationNotFound)
	require.Contains(t, sink.String(), "run aborted")
	require.Positive(t, sink.syncs)
}

func TestDeploy_InvalidEnvironment(t *testing.T) {
	ws, deploy := workspace(t, map[string]string{".env": ""})
	_, err := run(t, "deploy", "--workspace", ws, "--deploy-dir", deploy, "--environment", "staging")
	require.Error(t, err)
	require.NoDirExists(t, deploy)
}

func TestDeploy_UnknownComponentsOnly(t *testing.T) {
	ws, deploy := workspace(t, map[string]string{".env": "PORT=3000\n"})
	dir := t.TempDir()
	report := filepath.Join(dir, "report.yaml")
	journal := filepath.Join(dir, "journal.db")
	metricsFile := filepath.Join(dir, "lotadeploy.prom")

	out, err := run(t, "deploy",
		"--workspace", ws, "--deploy-dir", deploy,
		"--accelerator", "none", "--components", "ghost",
		"--report", report, "--journal", journal, "--metrics-file", metricsFile)
	require.NoError(t, err)
	require.Contains(t, out, "unknown component")
	require.Contains(t, out, "nothing to deploy")
	require.NoDirExists(t, deploy)

	rep, err := orchestrator.ReadReport(report)
	require.NoError(t, err)
	require.Equal(t, []string{"ghost"}, rep.Unknown)
	require.Empty(t, rep.Components)

	prom, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	require.Contains(t, string(prom), "lotabots_deploy_last_run_success")

	out, err = run(t, "history", "--journal", journal)
	require.NoError(t, err)
	require.Contains(t, out, rep.RunID)
}

func TestDeploy_SettingsFromEnvironment(t *testing.T) {
	ws, deploy := workspace(t, nil)
	t.Setenv("LOTADEPLOY_WORKSPACE", ws)
	t.Setenv("LOTADEPLOY_DEPLOY_DIR", deploy)
	t.Setenv("LOTADEPLOY_ACCELERATOR", "none")

	// No .env in the env-var workspace, so resolution must fail there.
	_, err := run(t, "deploy", "--components", "cli")
	require.ErrorIs(t, err, config.ErrConfigurationNotFound)
}

func TestDeploy_SettingsFromConfigFile(t *testing.T) {
	ws, deploy := workspace(t, map[string]string{".env": ""})
	cfg := filepath.Join(t.TempDir(), "lotadeploy.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(
		"workspace: "+ws+"\ndeploy-dir: "+deploy+"\naccelerator: none\ncomponents: ghost\n"), 0o600))

	out, err := run(t, "deploy", "--config", cfg)
	require.NoError(t, err)
	require.Contains(t, out, "nothing to deploy")
}

func TestDeploy_UnknownAcceleratorMode(t *testing.T) {
	ws, deploy := workspace(t, map[string]string{".env": ""})
	_, err := run(t, "deploy", "--workspace", ws, "--deploy-dir", deploy, "--accelerator", "rocm")
	require.Error(t, err)
}

func TestComponents(t *testing.T) {
	out, err := run(t, "components")
	require.NoError(t, err)
	for _, name := range []string{"core", "fetch", "quantize", "upload", "gemini", "whatsapp", "cli"} {
		require.Contains(t, out, name)
	}
	require.Contains(t, out, "service=lotabots-whatsapp")
	require.Contains(t, out, "installs=bin/lotabots")
}

func TestProbe_None(t *testing.T) {
	ws, _ := workspace(t, map[string]string{".env.production": "CUDA_VISIBLE_DEVICES=1\n"})
	out, err := run(t, "probe", "--workspace", ws, "--accelerator", "none", "--environment", "production")
	require.NoError(t, err)
	require.Contains(t, out, filepath.Join(ws, ".env.production"))
	require.Contains(t, out, "status:          absent")
	require.Contains(t, out, "-C target-cpu=native")
}

func TestProbe_ResolvesWorkspaceConfig(t *testing.T) {
	ws, _ := workspace(t, nil)
	_, err := run(t, "probe", "--workspace", ws, "--accelerator", "none")
	require.ErrorIs(t, err, config.ErrConfigurationNotFound)
}

func TestHistory_RequiresJournal(t *testing.T) {
	_, err := run(t, "history")
	require.Error(t, err)
}

func TestHistory_UnknownComponent(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "journal.db")
	_, err := run(t, "history", "--journal", journal, "core")
	require.Error(t, err)
}
