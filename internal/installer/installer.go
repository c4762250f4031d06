package installer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/balaji-balu/lotadeploy/internal/config"
	"github.com/balaji-balu/lotadeploy/internal/registry"
)

const (
	dirMode  = 0o755
	fileMode = 0o644
	execMode = 0o755
)

// Layout is the deployment directory tree.
type Layout struct {
	Root string
}

func (l Layout) Bin() string        { return filepath.Join(l.Root, "bin") }
func (l Layout) Config() string     { return filepath.Join(l.Root, "config") }
func (l Layout) Logs() string       { return filepath.Join(l.Root, "logs") }
func (l Layout) ConfigFile() string { return filepath.Join(l.Config(), config.DefaultFile) }

type Installer struct {
	Layout Layout
	log    *zap.Logger
}

func New(root string, log *zap.Logger) *Installer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Installer{Layout: Layout{Root: root}, log: log}
}

// Ensure creates bin/, config/ and logs/ if missing. Existing directories
// and unrelated files are left alone.
func (i *Installer) Ensure() error {
	for _, dir := range []string{i.Layout.Bin(), i.Layout.Config(), i.Layout.Logs()} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	i.log.Debug("deployment layout ready", zap.String("root", i.Layout.Root))
	return nil
}

// InstallConfig copies the source chosen by the environment resolver to
// config/.env.
func (i *Installer) InstallConfig(src config.Source) error {
	if src.Path == "" {
		return fmt.Errorf("no configuration source to install")
	}
	if err := copyFile(src.Path, i.Layout.ConfigFile(), fileMode); err != nil {
		return err
	}
	i.log.Info("installed configuration",
		zap.String("source", src.Path),
		zap.String("dest", i.Layout.ConfigFile()),
	)
	return nil
}

// Install copies build outputs from the workspace into the layout. Sources
// are relative to workspace, destinations relative to the layout root.
func (i *Installer) Install(workspace string, targets []registry.InstallTarget) ([]string, error) {
	var installed []string
	for _, t := range targets {
		dest, err := i.destPath(t.Dest)
		if err != nil {
			return installed, err
		}
		src := t.Source
		if !filepath.IsAbs(src) {
			src = filepath.Join(workspace, src)
		}
		mode := os.FileMode(fileMode)
		if t.Executable {
			mode = execMode
		}
		if err := copyFile(src, dest, mode); err != nil {
			return installed, err
		}
		i.log.Debug("installed artifact", zap.String("source", src), zap.String("dest", dest))
		installed = append(installed, dest)
	}
	return installed, nil
}

func (i *Installer) destPath(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("install destination %q must be relative to the deploy dir", rel)
	}
	dest := filepath.Join(i.Layout.Root, rel)
	back, err := filepath.Rel(i.Layout.Root, dest)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("install destination %q escapes the deploy dir", rel)
	}
	return dest, nil
}

// copyFile writes dst through a temp file and rename so a half-written
// artifact is never visible. Identical content is left untouched.
func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), dirMode); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if same(dst, data, mode) {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to stage %s: %w", dst, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("failed to install %s: %w", dst, err)
	}
	return nil
}

func same(path string, data []byte, mode os.FileMode) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Mode().Perm() != mode.Perm() {
		return false
	}
	cur, err := os.ReadFile(path)
	return err == nil && bytes.Equal(cur, data)
}
