// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MemoryNote Contributors

package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var styles = struct {
	header lipgloss.Style
	ok     lipgloss.Style
	muted  lipgloss.Style
	err    lipgloss.Style
}{
	header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")),
	ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
	muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	err:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
}

// renderTable lays rows out in columns sized to their widest cell.
func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = style.Width(widths[i] + 2).Render(cell)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	lines := []string{line(headers, styles.header)}
	for _, row := range rows {
		lines = append(lines, line(row, lipgloss.NewStyle()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func yesNo(b bool) string {
	if b {
		return styles.ok.Render("yes")
	}
	return styles.muted.Render("no")
}
