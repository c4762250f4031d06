package deployment

import "time"

type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSkipped Outcome = "skipped"
	OutcomePassed  Outcome = "passed"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// ComponentReport is the result of one component's build/test/install pipeline.
type ComponentReport struct {
	Name     string        `json:"name" yaml:"name"`
	Build    Outcome       `json:"build" yaml:"build"`
	Test     Outcome       `json:"test" yaml:"test"`
	Install  Outcome       `json:"install" yaml:"install"`
	Overall  Outcome       `json:"overall" yaml:"overall"`
	State    string        `json:"state" yaml:"state"`
	Message  string        `json:"message,omitempty" yaml:"message,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

func (c ComponentReport) Failed() bool {
	return c.Overall == OutcomeFailed
}

type ServiceReport struct {
	Component string  `json:"component" yaml:"component"`
	Unit      string  `json:"unit" yaml:"unit"`
	Outcome   Outcome `json:"outcome" yaml:"outcome"`
	Message   string  `json:"message,omitempty" yaml:"message,omitempty"`
}

type CapabilityReport struct {
	Status         string   `json:"status" yaml:"status"`
	Kind           string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	DriverVersion  string   `json:"driver_version,omitempty" yaml:"driver_version,omitempty"`
	LibraryVersion string   `json:"library_version,omitempty" yaml:"library_version,omitempty"`
	BuildFlags     []string `json:"build_flags" yaml:"build_flags"`
}

// RunReport aggregates everything one orchestrator run produced.
type RunReport struct {
	RunID       string            `json:"run_id" yaml:"run_id"`
	Environment string            `json:"environment" yaml:"environment"`
	DeployDir   string            `json:"deploy_dir" yaml:"deploy_dir"`
	ConfigFile  string            `json:"config_file,omitempty" yaml:"config_file,omitempty"`
	Capability  CapabilityReport  `json:"capability" yaml:"capability"`
	Components  []ComponentReport `json:"components" yaml:"components"`
	Services    []ServiceReport   `json:"services,omitempty" yaml:"services,omitempty"`
	Unknown     []string          `json:"unknown,omitempty" yaml:"unknown,omitempty"`
	// Error is set when the run aborted before or outside the component pipelines.
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// Failed reports whether any component ended in failure. Service
// registration problems do not count.
func (r *RunReport) Failed() bool {
	for _, c := range r.Components {
		if c.Failed() {
			return true
		}
	}
	return false
}

// Succeeded reports whether the run completed without aborting and without
// failed components.
func (r *RunReport) Succeeded() bool {
	return r.Error == "" && !r.Failed()
}

func (r *RunReport) Component(name string) (ComponentReport, bool) {
	for _, c := range r.Components {
		if c.Name == name {
			return c, true
		}
	}
	return ComponentReport{}, false
}
