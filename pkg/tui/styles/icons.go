package styles

// Status icons
const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconInfo    = "ℹ"
	IconRunning = "▶"
	IconPending = "○"
	IconSkipped = "⊘"
	IconSystem  = "●"
	IconCached  = "↺"
	IconBullet  = "•"
)

// StatusIcon returns the appropriate icon for a service status.
func StatusIcon(alive bool) string {
	if alive {
		return IconSuccess
	}
	return IconError
}

// ServicePhaseIcon maps a recorded service phase and observed liveness to an icon.
func ServicePhaseIcon(phase string, alive bool) string {
	switch phase {
	case "ready":
		if alive {
			return IconSuccess
		}
		return IconError
	case "starting":
		return IconRunning
	case "stopping":
		return IconWarning
	case "stopped":
		return IconSkipped
	default:
		return IconPending
	}
}

// StageIcon returns the icon of a build stage: nil ok means not finished.
func StageIcon(ok *bool, running, cached bool) string {
	if ok == nil {
		if running {
			return IconRunning
		}
		return IconPending
	}
	if !*ok {
		return IconError
	}
	if cached {
		return IconCached
	}
	return IconSuccess
}

// LogLevelIcon returns the appropriate icon for a log level.
func LogLevelIcon(level string) string {
	switch level {
	case "error", "ERROR":
		return IconError
	case "warn", "WARN", "warning", "WARNING":
		return IconWarning
	case "info", "INFO":
		return IconInfo
	default:
		return IconBullet
	}
}
