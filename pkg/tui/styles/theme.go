// Package styles holds the dashboard palette and the icon vocabulary for service phases,
// build stages and log levels.
package styles

import "github.com/charmbracelet/lipgloss"

// Palette
const (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorAccent  = lipgloss.Color("#06B6D4")
	colorOK      = lipgloss.Color("#22C55E")
	colorWarn    = lipgloss.Color("#EAB308")
	colorFail    = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")
	colorText    = lipgloss.Color("#F9FAFB")
	colorDim     = lipgloss.Color("#9CA3AF")
	colorCursor  = lipgloss.Color("#374151")
)

type Theme struct {
	Primary lipgloss.Color
	Warning lipgloss.Color
	Muted   lipgloss.Color
	Text    lipgloss.Color
	TextDim lipgloss.Color

	Border     lipgloss.Style
	Title      lipgloss.Style
	TitleMuted lipgloss.Style
	Selected   lipgloss.Style
	Keybind    lipgloss.Style
	KeybindKey lipgloss.Style

	// Status styles color icons and phase labels.
	StatusRunning lipgloss.Style
	StatusDead    lipgloss.Style
	StatusPending lipgloss.Style
	StatusWarn    lipgloss.Style
}

func DefaultTheme() Theme {
	fg := func(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	return Theme{
		Primary: colorPrimary,
		Warning: colorWarn,
		Muted:   colorMuted,
		Text:    colorText,
		TextDim: colorDim,

		Border:     lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(colorMuted),
		Title:      fg(colorText).Bold(true),
		TitleMuted: fg(colorDim),
		Selected:   fg(colorText).Bold(true).Background(colorCursor),
		Keybind:    fg(colorDim),
		KeybindKey: fg(colorAccent).Bold(true),

		StatusRunning: fg(colorOK),
		StatusDead:    fg(colorFail),
		StatusPending: fg(colorMuted),
		StatusWarn:    fg(colorWarn),
	}
}

// IconStyle picks the status style an icon is rendered with.
func (t Theme) IconStyle(icon string) lipgloss.Style {
	switch icon {
	case IconError:
		return t.StatusDead
	case IconWarning:
		return t.StatusWarn
	case IconPending, IconSkipped:
		return t.StatusPending
	default:
		return t.StatusRunning
	}
}
