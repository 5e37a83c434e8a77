/*
Copyright 2022 The l7mp/stunner team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/l7mp/deltaview/internal/buildinfo"
	"github.com/l7mp/deltaview/pkg/config"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"
)

// rootFlags are the flags shared by every command.
type rootFlags struct {
	configFile  string
	generations int
	entities    int
	zapOpts     zap.Options
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{
		zapOpts: zap.Options{
			Development:     true,
			DestWriter:      os.Stderr,
			StacktraceLevel: zapcore.Level(3),
			TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
		},
	}

	root := &cobra.Command{
		Use:   "deltaview",
		Short: "Drive incremental reactive collections over a synthetic scene",
		Long: "deltaview builds a scene-like pipeline of incremental operators (union, fanout, reduce, " +
			"cross join, a reactive vertex allocator and per-mesh upload tasks) and drives it for a " +
			"number of generations.",
		SilenceUsage: true,
		Version:      buildinfo.New(version, commitHash, buildDate).String(),
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to a YAML config file.")
	root.PersistentFlags().IntVar(&flags.generations, "generations", 0, "Number of generations, overrides the config.")
	root.PersistentFlags().IntVar(&flags.entities, "entities", 0, "Number of scene entities, overrides the config.")

	goflags := flag.NewFlagSet("zap", flag.ContinueOnError)
	flags.zapOpts.BindFlags(goflags)
	root.PersistentFlags().AddGoFlagSet(goflags)

	root.AddCommand(newRunCommand(flags), newGraphCommand(flags))
	return root
}

// setup loads the config and builds the logger.
func (f *rootFlags) setup() (*config.Config, logr.Logger, error) {
	logger := zap.New(zap.UseFlagOptions(&f.zapOpts))
	ctrllog.SetLogger(logger.WithName("deltaview"))

	cfg := config.Default()
	if f.configFile != "" {
		c, err := config.Load(f.configFile)
		if err != nil {
			return nil, logger, err
		}
		cfg = c
	}
	if f.generations > 0 {
		cfg.Generations = f.generations
	}
	if f.entities > 0 {
		cfg.Entities = f.entities
	}
	if err := cfg.Validate(); err != nil {
		return nil, logger, err
	}

	logger.WithName("setup").Info(fmt.Sprintf("starting deltaview %s",
		buildinfo.New(version, commitHash, buildDate).String()))
	return cfg, logger, nil
}
