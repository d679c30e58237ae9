package widgets

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/stackup/pkg/tui/styles"
)

// TableColumn defines a column in the table.
type TableColumn struct {
	Header string
	Width  int
	Align  lipgloss.Position
}

// TableRow represents a row in the table.
type TableRow struct {
	Icon  string
	Cells []string
}

// Table renders a styled table with a header line and a selection cursor.
type Table struct {
	Columns []TableColumn
	Rows    []TableRow
	Cursor  int
	Width   int
	theme   styles.Theme
}

func NewTable(cols []TableColumn) Table {
	return Table{
		Columns: cols,
		Cursor:  -1,
		theme:   styles.DefaultTheme(),
	}
}

func (t Table) WithRows(rows []TableRow) Table {
	t.Rows = rows
	return t
}

// WithCursor sets the selected row index; -1 selects nothing.
func (t Table) WithCursor(idx int) Table {
	t.Cursor = idx
	return t
}

func (t Table) WithWidth(width int) Table {
	t.Width = width
	return t
}

func (t Table) Render() string {
	if len(t.Rows) == 0 {
		return t.theme.TitleMuted.Render("(no data)")
	}
	theme := t.theme
	lines := []string{t.renderHeader()}

	for i, row := range t.Rows {
		selected := i == t.Cursor

		parts := []string{"  "}
		if selected {
			parts[0] = theme.KeybindKey.Render("> ")
		}
		icon := row.Icon
		if icon == "" {
			icon = " "
		}
		parts = append(parts, theme.IconStyle(row.Icon).Render(icon)+" ")

		for j, cell := range row.Cells {
			col := t.column(j)
			style := lipgloss.NewStyle().Width(col.Width).Align(col.Align)
			if selected {
				style = style.Bold(true).Foreground(theme.Text)
			} else {
				style = style.Foreground(theme.TextDim)
			}
			parts = append(parts, style.Render(truncate(cell, col.Width)))
		}

		line := lipgloss.JoinHorizontal(lipgloss.Top, parts...)
		if selected {
			line = theme.Selected.Width(t.Width).Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (t Table) renderHeader() string {
	parts := []string{"    "}
	for j := range t.Columns {
		col := t.column(j)
		parts = append(parts, t.theme.Title.Width(col.Width).Align(col.Align).Render(truncate(col.Header, col.Width)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (t Table) column(j int) TableColumn {
	col := TableColumn{Width: 20}
	if j < len(t.Columns) {
		col = t.Columns[j]
		if col.Width <= 0 {
			col.Width = 20
		}
	}
	return col
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 1 {
		return string(r[:width])
	}
	return string(r[:width-1]) + "…"
}
