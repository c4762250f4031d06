package installer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/balaji-balu/lotadeploy/internal/config"
	"github.com/balaji-balu/lotadeploy/internal/registry"
)

func TestEnsure_Idempotent(t *testing.T) {
	root := t.TempDir()
	inst := New(root, nil)

	require.NoError(t, inst.Ensure())
	keep := filepath.Join(root, "logs", "whatsapp.log")
	require.NoError(t, os.WriteFile(keep, []byte("running"), 0o644))

	require.NoError(t, inst.Ensure())
	for _, d := range []string{"bin", "config", "logs"} {
		info, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
	data, err := os.ReadFile(keep)
	require.NoError(t, err)
	require.Equal(t, "running", string(data))
}

func TestInstallConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".env.production"), []byte("PORT=80\n"), 0o600))
	src, err := config.SelectSource(ws, config.Production)
	require.NoError(t, err)

	inst := New(t.TempDir(), nil)
	require.NoError(t, inst.Ensure())
	require.NoError(t, inst.InstallConfig(src))

	data, err := os.ReadFile(inst.Layout.ConfigFile())
	require.NoError(t, err)
	require.Equal(t, "PORT=80\n", string(data))
}

func TestInstall_SetsModesAndCreatesParents(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "target", "release"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "target", "release", "lotabots-cli"), []byte("ELF"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "README.md"), []byte("docs"), 0o600))

	root := t.TempDir()
	inst := New(root, nil)
	installed, err := inst.Install(ws, []registry.InstallTarget{
		{Source: "target/release/lotabots-cli", Dest: "bin/lotabots", Executable: true},
		{Source: "README.md", Dest: "share/doc/README.md"},
	})
	require.NoError(t, err)
	require.Len(t, installed, 2)

	info, err := os.Stat(filepath.Join(root, "bin", "lotabots"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(root, "share", "doc", "README.md"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestInstall_RerunIsByteIdentical(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "tool"), []byte("v1"), 0o600))
	targets := []registry.InstallTarget{{Source: "tool", Dest: "bin/tool", Executable: true}}

	root := t.TempDir()
	inst := New(root, nil)
	_, err := inst.Install(ws, targets)
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(root, "bin", "tool"))
	require.NoError(t, err)

	_, err = inst.Install(ws, targets)
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(root, "bin", "tool"))
	require.NoError(t, err)
	require.Equal(t, first, second)

	entries, err := os.ReadDir(filepath.Join(root, "bin"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
}

func TestInstall_MissingSource(t *testing.T) {
	inst := New(t.TempDir(), nil)
	_, err := inst.Install(t.TempDir(), []registry.InstallTarget{{Source: "nope", Dest: "bin/nope"}})
	require.Error(t, err)
}

func TestInstall_RejectsEscapingDest(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "tool"), []byte("x"), 0o600))
	inst := New(t.TempDir(), nil)

	_, err := inst.Install(ws, []registry.InstallTarget{{Source: "tool", Dest: "../tool"}})
	require.ErrorContains(t, err, "escapes")
	_, err = inst.Install(ws, []registry.InstallTarget{{Source: "tool", Dest: "/usr/bin/tool"}})
	require.ErrorContains(t, err, "relative")
}
