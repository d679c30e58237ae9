package tui

// TopicUIMessages carries envelopes already shaped for the dashboard.
const TopicUIMessages = "stackup.ui.msgs"

const (
	UITypeStateSnapshot = "tui.state.snapshot"
	UITypeEventAppend   = "tui.event.append"
	UITypeBuildStage    = "tui.build.stage"
)
