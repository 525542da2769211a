// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/sconv/sconv"
	"github.com/gomlx/sconv/sconv/csa"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5F5")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// newTable returns a table with alternating row colors, and a header if withHeader.
// Rows for which highlight returns true are rendered in bold.
func newTable(withHeader bool, highlight func(row int) bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case withHeader && row == lgtable.HeaderRow:
				return headerRowStyle
			case highlight != nil && highlight(row):
				s = selectedStyle
			case row%2 == 0:
				s = evenRowStyle
			default:
				s = oddRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// tileBytes returns the modeled working set of the outer tiles of the schedule.
func tileBytes(p csa.Problem, mk csa.Microkernel, d csa.Decision) (input, filter, output uint64) {
	elem := uint64(p.ElementSize)
	window := uint64(p.FH * p.FW)
	input = uint64(d.WindowTile(mk)) * window * uint64(d.TileC) * elem
	filter = uint64(d.FilterTile(mk)) * window * uint64(d.TileC) * elem
	output = uint64(d.WindowTile(mk)) * uint64(d.FilterTile(mk)) * elem
	return
}

// reportSchedule renders the schedule selected for c.
func reportSchedule(c convDesc, s sconv.Schedule) string {
	p, mk, d := s.Problem, s.Microkernel, s.Decision
	table := newTable(false, nil)
	table.Row("convolution", c.String())
	table.Row("problem", p.String())
	table.Row("# windows", humanize.Comma(int64(p.NW())))
	table.Row("microkernel", fmt.Sprintf("%s (filters x windows)", mk))
	strategy := d.Strategy.String()
	if d.Fallback {
		strategy += " (fallback: capacity constraints not met)"
	}
	table.Row("strategy", strategy)
	table.Row("k2, k3", fmt.Sprintf("%d (+%d), %d (+%d)", d.K2, d.ExtraK2, d.K3, d.ExtraK3))
	table.Row("channels block", fmt.Sprintf("%d (+%d) of %d", d.TileC, d.ExtraTileC, p.IC))
	table.Row("outer tile", fmt.Sprintf("%d filters x %d windows", d.FilterTile(mk), d.WindowTile(mk)))
	in, f, out := tileBytes(p, mk, d)
	table.Row("tile bytes", fmt.Sprintf("input %s, filter %s, output %s",
		humanize.Bytes(in), humanize.Bytes(f), humanize.Bytes(out)))
	table.Row("modeled latency", humanize.Comma(d.Cost)+" cycles")
	return titleStyle.Render("Schedule") + "\n" + table.Render()
}

// reportCandidates renders the modeled accesses of both strategies, highlighting the selected one.
func reportCandidates(s sconv.Schedule, candidates [2]csa.Decision) string {
	table := newTable(true, func(row int) bool {
		return row >= 0 && row < len(candidates) && candidates[row].Strategy == s.Decision.Strategy
	})
	table.Headers("Strategy", "k2", "k3", "tileC", "L1", "L2", "L3", "Memory", "Latency")
	for _, d := range candidates {
		table.Row(d.Strategy.String(), fmt.Sprint(d.K2), fmt.Sprint(d.K3), fmt.Sprint(d.TileC),
			humanize.Comma(d.Accesses.L1), humanize.Comma(d.Accesses.L2),
			humanize.Comma(d.Accesses.L3), humanize.Comma(d.Accesses.Mem),
			humanize.Comma(d.Cost))
	}
	var notes []string
	if s.Decision.Fallback {
		notes = append(notes, "no parameters fit the cache capacities")
	}
	out := titleStyle.Render("Strategies") + "\n" + table.Render()
	if len(notes) > 0 {
		out += "\n" + strings.Join(notes, "\n")
	}
	return out
}
