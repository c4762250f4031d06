package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newComponentsCmd(a *app) *cobra.Command {
	c := &cobra.Command{
		Use:   "components",
		Short: "List the components lotadeploy knows about",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry(a.v.GetString("manifest"))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, name := range reg.Names() {
				spec, _ := reg.Lookup(name)
				var tags []string
				if spec.Accelerated {
					tags = append(tags, "accelerated")
				}
				if !spec.HasTests() {
					tags = append(tags, "no-tests")
				}
				if spec.LongRunning() {
					tags = append(tags, "service="+spec.Service.Unit)
				}
				for _, t := range spec.InstallTargets {
					tags = append(tags, "installs="+t.Dest)
				}
				fmt.Fprintf(w, "%s %s\n", nameStyle.Render(name), dimStyle.Render(strings.Join(tags, " ")))
			}
			return nil
		},
	}
	c.Flags().String("manifest", "", "component manifest replacing the built-in one")
	return c
}
