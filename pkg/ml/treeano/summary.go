// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package treeano

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newSummaryTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
}

// Summary returns a human-readable description of the built network: the tree of nodes with their
// outputs, and the shared variables with their sizes.
func (net *Network) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Network %q (%s)\n", net.root.Name(), net.id)
	if !net.IsBuilt() {
		sb.WriteString("(not built)\n")
		return sb.String()
	}

	nodesTable := newSummaryTable("Node", "Type", "Output", "Hyperparameters")
	var visit func(node Node, depth int)
	visit = func(node Node, depth int) {
		output := "-"
		if v, err := net.ResolveVariable(node.Name()); err == nil {
			output = v.Shape().String()
		}
		nodesTable.Row(strings.Repeat("  ", depth)+node.Name(), fmt.Sprintf("%T", node), output,
			FormatOverrides(node.Hyperparameters()))
		for _, child := range net.children[node.Name()] {
			visit(child, depth+1)
		}
	}
	visit(net.root, 0)
	sb.WriteString(nodesTable.Render())
	sb.WriteString("\n")

	sharedTable := newSummaryTable("Shared variable", "Shape", "Tags", "Size", "Memory")
	var totalSize, totalMemory uint64
	for _, v := range net.variableOrder {
		if !v.IsShared() {
			continue
		}
		size, memory := uint64(v.Shape().Size()), uint64(v.Shape().Memory())
		totalSize += size
		totalMemory += memory
		sharedTable.Row(v.Name(), v.Shape().String(), strings.Join(v.Tags(), ","),
			humanize.Comma(int64(size)), humanize.Bytes(memory))
	}
	sharedTable.Row("Total", "", "", humanize.Comma(int64(totalSize)), humanize.Bytes(totalMemory))
	sb.WriteString(sharedTable.Render())
	sb.WriteString("\n")
	if net.updates.Len() > 0 {
		fmt.Fprintf(&sb, "%d variables updated by: %s\n", net.updates.Len(), net.updates)
	}
	return sb.String()
}
