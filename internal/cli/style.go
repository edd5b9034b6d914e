package cli

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/packfetch/packfetch/pkg/model"
)

var (
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	cellStyle   = lipgloss.NewStyle().PaddingRight(2)
)

// stateStyle colors a pack state for the status table.
func stateStyle(s model.PackState) lipgloss.Style {
	switch {
	case s == model.PackMounted:
		return okStyle
	case s.IsFailed():
		return errorStyle
	case s == model.PackNotRequested:
		return dimStyle
	default:
		return warnStyle
	}
}

// renderTable lays out rows in left-aligned columns. The first row is the
// header.
func renderTable(rows [][]string, styleOf func(row, col int) lipgloss.Style) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	lines := make([]string, 0, len(rows))
	for r, row := range rows {
		cells := make([]string, len(row))
		for c, cell := range row {
			style := cellStyle
			if r == 0 {
				style = style.Inherit(headerStyle)
			} else if styleOf != nil {
				style = style.Inherit(styleOf(r, c))
			}
			if c < len(row)-1 {
				style = style.Width(widths[c] + 2)
			}
			cells[c] = style.Render(cell)
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
