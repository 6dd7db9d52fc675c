// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// treeano inspects networks described by YAML node specs (see package nodespec).
//
// Usage:
//
//	treeano summary model.yaml --set "dropout_probability=0;hidden/num_units=256"
//	treeano validate model.yaml
//	treeano types
package main

import (
	"flag"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	if err := newRootCommand(flag.CommandLine).Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}
