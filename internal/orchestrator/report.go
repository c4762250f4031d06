package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/balaji-balu/lotadeploy/pkg/deployment"
)

// WriteReport saves the run report as YAML.
func WriteReport(path string, rep *deployment.RunReport) error {
	data, err := yaml.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func ReadReport(path string) (*deployment.RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rep deployment.RunReport
	if err := yaml.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &rep, nil
}
