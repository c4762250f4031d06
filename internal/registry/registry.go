// Package registry holds the static table of workspace components and
// resolves requested names against it.
package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrUnknownComponent marks a requested name missing from the registry. It
// is reported as a warning, never returned from Resolve.
var ErrUnknownComponent = errors.New("unknown component")

//go:embed components.yaml
var defaultManifest []byte

type InstallTarget struct {
	Source     string `yaml:"source"`
	Dest       string `yaml:"dest"`
	Executable bool   `yaml:"executable"`
}

// ServiceUnitSpec describes how a long-running component is supervised.
// String fields are templates over the deployment layout (see
// service.UnitVars).
type ServiceUnitSpec struct {
	Unit             string `yaml:"unit"`
	Description      string `yaml:"description"`
	WorkingDirectory string `yaml:"working_directory"`
	EnvironmentFile  string `yaml:"environment_file"`
	ExecStart        string `yaml:"exec_start"`
	Restart          string `yaml:"restart"`
}

type ComponentSpec struct {
	Name string `yaml:"name"`
	// Accelerated components get the cuda feature when an accelerator is available.
	Accelerated    bool             `yaml:"accelerated"`
	Build          []string         `yaml:"build"`
	Test           []string         `yaml:"test"`
	InstallTargets []InstallTarget  `yaml:"install"`
	Service        *ServiceUnitSpec `yaml:"service"`
}

func (c ComponentSpec) HasTests() bool    { return len(c.Test) > 0 }
func (c ComponentSpec) LongRunning() bool { return c.Service != nil }

func (c ComponentSpec) clone() ComponentSpec {
	out := c
	out.Build = append([]string(nil), c.Build...)
	out.Test = append([]string(nil), c.Test...)
	out.InstallTargets = append([]InstallTarget(nil), c.InstallTargets...)
	if c.Service != nil {
		svc := *c.Service
		out.Service = &svc
	}
	return out
}

// CommandVars are available to build and test templates.
type CommandVars struct {
	Name        string
	Environment string
	Features    string
}

func (c ComponentSpec) RenderBuild(v CommandVars) ([]string, error) {
	return renderArgs(c.Name+"/build", c.Build, v)
}

func (c ComponentSpec) RenderTest(v CommandVars) ([]string, error) {
	return renderArgs(c.Name+"/test", c.Test, v)
}

func renderArgs(name string, tmpls []string, v any) ([]string, error) {
	out := make([]string, 0, len(tmpls))
	for i, s := range tmpls {
		if !strings.Contains(s, "{{") {
			out = append(out, s)
			continue
		}
		t, err := template.New(fmt.Sprintf("%s[%d]", name, i)).Option("missingkey=error").Parse(s)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, v); err != nil {
			return nil, err
		}
		if arg := buf.String(); arg != "" {
			out = append(out, arg)
		}
	}
	return out, nil
}

type manifest struct {
	Components []ComponentSpec `yaml:"components"`
}

type Registry struct {
	order  []string
	byName map[string]ComponentSpec
}

// Load parses a component manifest.
func Load(data []byte) (*Registry, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse component manifest: %w", err)
	}

	r := &Registry{byName: make(map[string]ComponentSpec, len(m.Components))}
	for _, c := range m.Components {
		if c.Name == "" {
			return nil, errors.New("component without name in manifest")
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate component %q in manifest", c.Name)
		}
		if len(c.Build) == 0 {
			return nil, fmt.Errorf("component %q has no build command", c.Name)
		}
		for _, t := range c.InstallTargets {
			if t.Source == "" || t.Dest == "" {
				return nil, fmt.Errorf("component %q has an install target without source or dest", c.Name)
			}
		}
		if c.Service != nil && (c.Service.Unit == "" || c.Service.ExecStart == "") {
			return nil, fmt.Errorf("component %q service needs unit and exec_start", c.Name)
		}
		r.order = append(r.order, c.Name)
		r.byName[c.Name] = c
	}
	return r, nil
}

func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read component manifest: %w", err)
	}
	return Load(data)
}

// Default returns the registry built from the embedded manifest.
func Default() *Registry {
	r, err := Load(defaultManifest)
	if err != nil {
		// embedded at compile time, so this is a build bug
		panic("embedded components.yaml invalid: " + err.Error())
	}
	return r
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Lookup(name string) (ComponentSpec, bool) {
	c, ok := r.byName[name]
	if !ok {
		return ComponentSpec{}, false
	}
	return c.clone(), true
}

// Resolve maps names to specs in the caller's order. Unknown names are
// logged and returned separately; repeated names keep their first
// position. An empty request selects every component.
func (r *Registry) Resolve(names []string, log *zap.Logger) ([]ComponentSpec, []string) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(names) == 0 {
		names = r.order
	}

	var specs []ComponentSpec
	var unknown []string
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		c, ok := r.Lookup(n)
		if !ok {
			log.Warn("skipping unknown component",
				zap.String("component", n),
				zap.Error(ErrUnknownComponent),
				zap.Strings("known", r.order),
			)
			unknown = append(unknown, n)
			continue
		}
		specs = append(specs, c)
	}
	return specs, unknown
}

// SplitList parses a comma separated component list.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
