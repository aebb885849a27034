// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app is the cloudmdir command line: it loads the
// configuration, builds the accounts and mailboxes, and runs the
// synchronization engine.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/matta/cloudmdir/internal/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type options struct {
	configFile string
	trace      bool
	v          *viper.Viper
}

// NewRootCmd returns the cloudmdir command with its subcommands.
func NewRootCmd() *cobra.Command {
	o := &options{v: newViper()}

	root := &cobra.Command{
		Use:           "cloudmdir",
		Short:         "Synchronize cloud mailboxes with local maildirs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&o.configFile, "config", "c", "cms.yaml", "configuration file")
	flags.BoolVarP(&o.trace, "trace", "T", false, "dump HTTP traffic to the trace file")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	o.v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.AddCommand(newRunCmd(o), newCheckCmd(o))
	return root
}

func newViper() *viper.Viper {
	v := viper.New()
	config.SetDefaults(v)
	return v
}

// load reads the configuration file and applies it.
func (o *options) load() (*config.Config, error) {
	o.v.SetConfigFile(o.configFile)
	o.v.SetEnvPrefix("CMS")
	o.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	o.v.AutomaticEnv()
	if err := o.v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", o.configFile)
	}
	c, err := config.Load(o.v)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", o.configFile)
	}
	if o.trace && c.TraceFile == "" {
		c.TraceFile = defaultTraceFile(c)
	}
	return c, nil
}

func setupLogging(c *config.Config) error {
	level, err := c.Level()
	if err != nil {
		return err
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
	return nil
}

func newRunCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the synchronization until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.load()
			if err != nil {
				return err
			}
			if err := setupLogging(c); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = Run(ctx, c)
			if errors.Is(err, context.Canceled) {
				slog.Info("Interrupted, exiting")
				return nil
			}
			return err
		},
	}
}

func newCheckCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the mailboxes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.load()
			if err != nil {
				return err
			}
			describe(cmd.OutOrStdout(), c)
			return nil
		},
	}
}

// Execute runs the command line and exits on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cloudmdir:", err)
		os.Exit(1)
	}
}
