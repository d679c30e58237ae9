package widgets

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-go-golems/stackup/pkg/tui/styles"
)

// Box is a bordered panel. The title line, when present, sits inside the border with the
// hint pushed to the right edge.
type Box struct {
	title   string
	hint    string
	content string
	width   int
	height  int
}

func NewBox(title string) Box {
	return Box{title: title}
}

func (b Box) WithContent(content string) Box {
	b.content = content
	return b
}

// WithTitleRight sets the muted text on the right of the title, usually key hints.
func (b Box) WithTitleRight(hint string) Box {
	b.hint = hint
	return b
}

// WithSize sets the outer size. Zero leaves the dimension to the content.
func (b Box) WithSize(width, height int) Box {
	b.width = width
	b.height = height
	return b
}

func (b Box) Render() string {
	theme := styles.DefaultTheme()
	inner := maxInt(0, b.width-2)

	var body strings.Builder
	if b.title != "" || b.hint != "" {
		body.WriteString(spread(theme.Title.Render(b.title), theme.TitleMuted.Render(b.hint), inner))
		body.WriteString("\n")
	}
	body.WriteString(b.content)

	style := theme.Border
	if b.width > 0 {
		style = style.Width(inner)
	}
	if b.height > 0 {
		h := b.height - 2
		if b.title != "" || b.hint != "" {
			h--
		}
		style = style.Height(maxInt(0, h))
	}
	return style.Render(body.String())
}

// spread places left and right on one line of the given width, at least one space apart.
func spread(left, right string, width int) string {
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

// rule is a full-width separator line.
func rule(width int, theme styles.Theme) string {
	if width <= 0 {
		width = 80
	}
	return lipgloss.NewStyle().Foreground(theme.Muted).Render(strings.Repeat("━", width))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
