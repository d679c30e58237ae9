package tui

type StateSnapshotMsg struct {
	Snapshot StateSnapshot
}

type EventLogAppendMsg struct {
	Entry EventLogEntry
}

type BuildStageMsg struct {
	Stage BuildStage
}

type NavigateToServiceMsg struct {
	Name string
}

type NavigateBackMsg struct{}
