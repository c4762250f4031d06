package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/balaji-balu/lotadeploy/pkg/deployment"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Faint(true)
	nameStyle = lipgloss.NewStyle().Width(10)
)

func marker(o deployment.Outcome) string {
	switch o {
	case deployment.OutcomeSuccess, deployment.OutcomePassed:
		return okStyle.Render("✔")
	case deployment.OutcomeFailed:
		return failStyle.Render("✘")
	default:
		return warnStyle.Render("•")
	}
}

// printSummary renders the human readable end-of-run report. Structured
// details stay in the log and the optional YAML report.
func printSummary(w io.Writer, rep *deployment.RunReport, runErr error) {
	if rep == nil {
		return
	}
	fmt.Fprintf(w, "%s %s\n", dimStyle.Render("run"), rep.RunID)
	fmt.Fprintf(w, "%s %s  %s %s\n",
		dimStyle.Render("environment"), rep.Environment,
		dimStyle.Render("accelerator"), orDash(rep.Capability.Status))

	for _, name := range rep.Unknown {
		fmt.Fprintf(w, "%s %s unknown component, skipped\n", warnStyle.Render("!"), nameStyle.Render(name))
	}
	for _, c := range rep.Components {
		fmt.Fprintf(w, "%s %s build=%s test=%s install=%s %s\n",
			marker(c.Overall), nameStyle.Render(c.Name),
			c.Build, c.Test, c.Install,
			dimStyle.Render(c.Duration.Round(time.Millisecond).String()))
		if c.Message != "" {
			fmt.Fprintf(w, "  %s\n", c.Message)
		}
	}
	for _, s := range rep.Services {
		line := fmt.Sprintf("%s %s service %s %s", marker(s.Outcome), nameStyle.Render(s.Component), s.Unit, s.Outcome)
		if s.Message != "" {
			line += ": " + s.Message
		}
		fmt.Fprintln(w, line)
	}

	switch {
	case runErr != nil:
		fmt.Fprintf(w, "%s deployment aborted: %v\n", failStyle.Render("✘"), runErr)
	case rep.Failed():
		fmt.Fprintf(w, "%s deployment failed: %s\n", failStyle.Render("✘"), strings.Join(failedNames(rep), ", "))
	case len(rep.Components) == 0:
		fmt.Fprintf(w, "%s nothing to deploy\n", warnStyle.Render("•"))
	default:
		fmt.Fprintf(w, "%s deployed %d components to %s\n", okStyle.Render("✔"), len(rep.Components), rep.DeployDir)
	}
}

func failedNames(rep *deployment.RunReport) []string {
	var out []string
	for _, c := range rep.Components {
		if c.Failed() {
			out = append(out, c.Name)
		}
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
