// Package capability detects optional hardware acceleration and derives the
// compiler flag profile used by every build in a run.
//
// Detection is split from policy. A Source reports what the host looks like
// as a typed Detection; the Prober turns that into a Profile and decides,
// based on the deployment environment, whether an incompatible accelerator
// is a degradation or a fatal error. Absence of an accelerator is never an
// error.
package capability

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/balaji-balu/lotadeploy/internal/config"
)

// ErrAcceleratorPolicyViolation is returned when an incompatible accelerator
// is detected while deploying to production.
var ErrAcceleratorPolicyViolation = errors.New("accelerator policy violation")

type Status string

const (
	Available    Status = "available"
	Incompatible Status = "incompatible"
	Absent       Status = "absent"
)

// Kind is the accelerator toolchain. Its value doubles as the cargo feature
// that enables the matching backend.
type Kind string

const (
	KindCUDA Kind = "cuda"
	KindROCm Kind = "rocm"
)

const (
	FlagNativeCPU = "-C target-cpu=native"
	FlagVectorExt = "-C target-feature=+avx2,+fma"
)

// Detection is the raw, typed observation of a Source.
type Detection struct {
	Status         Status
	Kind           Kind
	DriverVersion  string
	LibraryVersion string
	// Reason explains an Incompatible status.
	Reason string
	// Raw holds tool output for verbose diagnostics.
	Raw string
}

// Source reports accelerator state. Implementations must not block longer
// than their own bounded timeout and must never fail for a missing
// accelerator; that is Absent.
type Source interface {
	Detect(ctx context.Context) Detection
}

// Profile is derived once per run and read by every later step.
type Profile struct {
	Status         Status
	Kind           Kind
	DriverVersion  string
	LibraryVersion string
	BuildFlags     []string
	Raw            string
}

// Accelerated reports whether builds may target the accelerator.
func (p Profile) Accelerated() bool { return p.Status == Available }

// Feature is the cargo feature for the detected backend, empty unless an
// accelerator of a known kind is available.
func (p Profile) Feature() string {
	if !p.Accelerated() {
		return ""
	}
	return string(p.Kind)
}

// DeriveFlags computes the build flags for a status on a GOARCH.
func DeriveFlags(status Status, arch string) []string {
	flags := []string{FlagNativeCPU}
	if status == Available && arch == "amd64" {
		flags = append(flags, FlagVectorExt)
	}
	return flags
}

type Prober struct {
	Source Source
	// Arch defaults to runtime.GOARCH.
	Arch string
	Log  *zap.Logger
}

func NewProber(src Source, log *zap.Logger) *Prober {
	return &Prober{Source: src, Arch: runtime.GOARCH, Log: log}
}

// Probe detects the accelerator and applies the environment policy. The
// profile is returned even when the policy is violated so callers can
// report what was found.
func (p *Prober) Probe(ctx context.Context, env config.Environment) (Profile, error) {
	arch := p.Arch
	if arch == "" {
		arch = runtime.GOARCH
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	d := p.Source.Detect(ctx)
	if err := ctx.Err(); err != nil {
		return Profile{Status: d.Status, Raw: d.Raw}, fmt.Errorf("accelerator probe interrupted: %w", err)
	}
	prof := Profile{
		Status:         d.Status,
		Kind:           d.Kind,
		DriverVersion:  d.DriverVersion,
		LibraryVersion: d.LibraryVersion,
		BuildFlags:     DeriveFlags(d.Status, arch),
		Raw:            d.Raw,
	}

	log.Debug("accelerator probe output",
		zap.String("status", string(d.Status)),
		zap.String("kind", string(d.Kind)),
		zap.String("driver_version", d.DriverVersion),
		zap.String("library_version", d.LibraryVersion),
		zap.String("raw", d.Raw),
	)

	switch d.Status {
	case Available:
		log.Info("accelerator available",
			zap.String("kind", string(d.Kind)),
			zap.String("driver_version", d.DriverVersion),
			zap.String("library_version", d.LibraryVersion),
			zap.Strings("build_flags", prof.BuildFlags),
		)
	case Absent:
		log.Info("no accelerator found, building for CPU", zap.Strings("build_flags", prof.BuildFlags))
	case Incompatible:
		if env == config.Production {
			log.Error("incompatible accelerator in production", zap.String("reason", d.Reason))
			return prof, fmt.Errorf("%w: %s", ErrAcceleratorPolicyViolation, d.Reason)
		}
		log.Warn("incompatible accelerator, degrading to CPU-only build",
			zap.String("reason", d.Reason),
			zap.Strings("build_flags", prof.BuildFlags),
		)
	default:
		return prof, fmt.Errorf("unknown accelerator status %q", d.Status)
	}
	return prof, nil
}
