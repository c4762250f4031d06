package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/balaji-balu/lotadeploy/internal/capability"
	"github.com/balaji-balu/lotadeploy/internal/config"
	"github.com/balaji-balu/lotadeploy/internal/orchestrator"
	"github.com/balaji-balu/lotadeploy/internal/runner"
)

func newProbeCmd(a *app) *cobra.Command {
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Detect the accelerator and print the derived build profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.ParseEnvironment(a.v.GetString("environment"))
			if err != nil {
				return err
			}
			src, err := orchestrator.SourceFor(a.v.GetString("accelerator"))
			if err != nil {
				return err
			}
			cfg, err := config.Resolve(a.v.GetString("workspace"), env, a.logger)
			if err != nil {
				return err
			}
			if src == nil {
				src = capability.NewNvidiaSource(runner.Exec{},
					orchestrator.ProbeEnv(orchestrator.BaseEnv(), cfg), a.v.GetDuration("probe-timeout"))
			}

			prof, perr := capability.NewProber(src, a.logger).Probe(cmd.Context(), env)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "config:          %s\n", cfg.Source.Path)
			fmt.Fprintf(w, "status:          %s\n", prof.Status)
			fmt.Fprintf(w, "kind:            %s\n", orDash(string(prof.Kind)))
			fmt.Fprintf(w, "driver version:  %s\n", orDash(prof.DriverVersion))
			fmt.Fprintf(w, "library version: %s\n", orDash(prof.LibraryVersion))
			fmt.Fprintf(w, "arch:            %s\n", runtime.GOARCH)
			fmt.Fprintf(w, "RUSTFLAGS:       %s\n", strings.Join(prof.BuildFlags, " "))
			return perr
		},
	}
	probeCmd.Flags().StringP("environment", "e", string(config.Development), "environment whose accelerator policy applies")
	probeCmd.Flags().String("workspace", ".", "workspace root holding the .env files")
	addProbeFlags(probeCmd)
	return probeCmd
}
