package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/balaji-balu/lotadeploy/internal/logger"
)

const envPrefix = "LOTADEPLOY"

// app holds the state shared by every subcommand of one invocation.
type app struct {
	cfgFile   string
	v         *viper.Viper
	logger    *zap.Logger
	newLogger func(verbose bool) (*zap.Logger, error)
}

// NewRootCmd builds the lotadeploy command tree with its own viper instance.
func NewRootCmd() *cobra.Command {
	rootCmd, _ := newRootCmd()
	return rootCmd
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: viper.New(), logger: zap.NewNop(), newLogger: logger.New}

	rootCmd := &cobra.Command{
		Use:   "lotadeploy",
		Short: "Build, test and deploy the lotabots workspace",
		Long: `lotadeploy builds every workspace component with the right compiler flags for
the host accelerator, runs its tests, installs the artifacts under the deploy
dir and registers long-running components as systemd services.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.initConfig(cmd); err != nil {
				return err
			}
			return a.initLogger()
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./lotadeploy.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(newDeployCmd(a))
	rootCmd.AddCommand(newComponentsCmd(a))
	rootCmd.AddCommand(newProbeCmd(a))
	rootCmd.AddCommand(newHistoryCmd(a))
	return rootCmd, a
}

func Execute() {
	rootCmd, a := newRootCmd()
	if err := a.execute(rootCmd); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// execute runs the tree and flushes the logger whether or not it failed.
func (a *app) execute(rootCmd *cobra.Command) error {
	err := rootCmd.Execute()
	_ = a.logger.Sync()
	return err
}

// initConfig layers flags over LOTADEPLOY_* env vars over the config file.
func (a *app) initConfig(cmd *cobra.Command) error {
	v := a.v
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.SetConfigName("lotadeploy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func (a *app) initLogger() error {
	l, err := a.newLogger(a.v.GetBool("verbose"))
	if err != nil {
		return err
	}
	a.logger = l
	if f := a.v.ConfigFileUsed(); f != "" {
		a.logger.Debug("using config file", zap.String("path", f))
	}
	return nil
}
