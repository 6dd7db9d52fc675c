// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"strings"

	_ "github.com/jagill/treeano/backends/default"
	"github.com/jagill/treeano/pkg/ml/treeano"
	"github.com/jagill/treeano/pkg/ml/treeano/nodes"
	"github.com/jagill/treeano/pkg/ml/treeano/nodespec"
	"github.com/jagill/treeano/ui/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// newRootCommand creates the treeano command and its subcommands. The Go flags in goFlags (e.g. klog's "-v")
// are added as persistent flags.
func newRootCommand(goFlags *flag.FlagSet) *cobra.Command {
	root := &cobra.Command{
		Use:           "treeano",
		Short:         "Inspect networks described by YAML node specs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if goFlags != nil {
		root.PersistentFlags().AddGoFlagSet(goFlags)
	}
	root.AddCommand(newSummaryCommand(), newValidateCommand(), newTypesCommand())
	return root
}

// buildFlags are the flags of the commands that build a network.
type buildFlags struct {
	settings []string
	seed     uint64
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.settings, "set", nil,
		`Hyperparameter overrides, "name=value" separated by ";" (names can be scoped as "node/name"). `+
			`"file:<path>" reads settings from a file. Can be repeated.`)
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "Seed for the initialization of the variables.")
}

// build parses the spec file and builds the network with the overrides of the flags.
func (f *buildFlags) build(specPath string) (*treeano.Network, error) {
	overrides, err := commandline.ParseSettings(strings.Join(f.settings, ";"))
	if err != nil {
		return nil, err
	}
	root, err := nodespec.ParseFile(specPath, nodes.Registry())
	if err != nil {
		return nil, err
	}
	options := []treeano.Option{treeano.WithSeed(f.seed)}
	if len(overrides) > 0 {
		klog.V(1).Infof("overrides:\n%s", commandline.SprintSettings(overrides))
		options = append(options, treeano.WithOverrides(overrides))
	}
	net, err := treeano.Build(root, options...)
	if err != nil {
		return nil, errors.WithMessagef(err, "building network from %q", specPath)
	}
	return net, nil
}

func newSummaryCommand() *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "summary <spec.yaml>",
		Short: "Build the network and print a summary of its nodes and variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := flags.build(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), net.Summary())
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func newValidateCommand() *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "validate <spec.yaml>",
		Short: "Check that the network builds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := flags.build(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d nodes, %d variables)\n",
				args[0], len(net.Nodes()), len(net.Variables()))
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func newTypesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the node types that can be used in specs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, typeName := range nodes.Registry().Types() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), typeName); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
