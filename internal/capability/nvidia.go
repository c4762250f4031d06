package capability

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/balaji-balu/lotadeploy/internal/runner"
)

// DefaultTimeout bounds the live driver query.
const DefaultTimeout = 10 * time.Second

var incompatibilityMarkers = []string{
	"Driver/library version mismatch",
	"NVIDIA-SMI has failed",
	"couldn't communicate with the NVIDIA driver",
	"No devices were found",
}

var nvccRelease = regexp.MustCompile(`release ([0-9]+(?:\.[0-9]+)*)`)

// NvidiaSource probes an NVIDIA GPU through nvidia-smi and nvcc.
type NvidiaSource struct {
	Runner   runner.Runner
	LookPath func(file string) (string, error)
	Timeout  time.Duration
	Env      []string
}

func NewNvidiaSource(r runner.Runner, env []string, timeout time.Duration) *NvidiaSource {
	return &NvidiaSource{Runner: r, LookPath: exec.LookPath, Timeout: timeout, Env: env}
}

func (s *NvidiaSource) Detect(ctx context.Context) Detection {
	lookPath := s.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	smi, err := lookPath("nvidia-smi")
	if err != nil {
		return Detection{Status: Absent}
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var raw strings.Builder
	run := func(name string, args ...string) (string, error) {
		res, err := s.Runner.Run(qctx, runner.Command{Name: name, Args: args, Env: s.Env})
		raw.Write(res.Output)
		return string(res.Output), err
	}

	driverOut, err := run(smi, "--query-gpu=driver_version", "--format=csv,noheader")
	if d, bad := classify(ctx, qctx, driverOut, err); bad {
		d.Raw = raw.String()
		return d
	}
	driver := firstLine(driverOut)

	statusOut, err := run(smi)
	if d, bad := classify(ctx, qctx, statusOut, err); bad {
		d.DriverVersion = driver
		d.Raw = raw.String()
		return d
	}

	return Detection{
		Status:         Available,
		Kind:           KindCUDA,
		DriverVersion:  driver,
		LibraryVersion: s.libraryVersion(ctx, lookPath, timeout),
		Raw:            raw.String(),
	}
}

// libraryVersion reads the CUDA toolkit release; failures leave it empty.
func (s *NvidiaSource) libraryVersion(ctx context.Context, lookPath func(string) (string, error), timeout time.Duration) string {
	nvcc, err := lookPath("nvcc")
	if err != nil {
		return ""
	}
	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := s.Runner.Run(vctx, runner.Command{Name: nvcc, Args: []string{"--version"}, Env: s.Env})
	if err != nil {
		return ""
	}
	if m := nvccRelease.FindStringSubmatch(string(res.Output)); m != nil {
		return m[1]
	}
	return ""
}

// classify inspects one nvidia-smi call. parent is the caller's context,
// qctx the bounded query context derived from it.
func classify(parent, qctx context.Context, out string, err error) (Detection, bool) {
	switch {
	case parent.Err() != nil:
		return Detection{Status: Incompatible, Reason: "driver query cancelled"}, true
	case errors.Is(qctx.Err(), context.DeadlineExceeded):
		return Detection{Status: Incompatible, Reason: "driver query timed out"}, true
	}
	if err != nil {
		return Detection{Status: Incompatible, Reason: err.Error()}, true
	}
	for _, m := range incompatibilityMarkers {
		if strings.Contains(out, m) {
			return Detection{Status: Incompatible, Reason: m}, true
		}
	}
	return Detection{}, false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// DeviceNode maps a device path to the accelerator kind it indicates.
type DeviceNode struct {
	Path string
	Kind Kind
}

// DeviceSource checks for GPU device nodes only. It never queries a driver,
// so it cannot detect incompatibility. The first present node wins.
type DeviceSource struct {
	Nodes []DeviceNode
}

func NewDeviceSource() *DeviceSource {
	return &DeviceSource{Nodes: []DeviceNode{
		{Path: "/dev/nvidia0", Kind: KindCUDA},
		{Path: "/dev/kfd", Kind: KindROCm},
	}}
}

func (s *DeviceSource) Detect(context.Context) Detection {
	for _, n := range s.Nodes {
		if _, err := os.Stat(n.Path); err == nil {
			return Detection{Status: Available, Kind: n.Kind, Raw: n.Path}
		}
	}
	return Detection{Status: Absent}
}

// StaticSource always reports the same detection.
type StaticSource Detection

func (s StaticSource) Detect(context.Context) Detection { return Detection(s) }
