package events

import "time"

const TopicEvents = "stackup.events"

const (
	TypeBuildStageStarted  = "build.stage.started"
	TypeBuildStageFinished = "build.stage.finished"
	TypeServiceState       = "service.state"
	TypeStateSnapshot      = "state.snapshot"
	TypeServiceExit        = "service.exit.observed"
)

type StageStarted struct {
	Stage string `json:"stage"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	Base  string `json:"base"`
}

type StageFinished struct {
	Stage    string        `json:"stage"`
	Index    int           `json:"index"`
	Cached   bool          `json:"cached,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type ServiceState struct {
	Service string `json:"service"`
	Phase   string `json:"phase"`
	Seq     int    `json:"seq,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ServiceExit is published by observers that notice a started service is no longer alive.
type ServiceExit struct {
	Service     string    `json:"service"`
	PID         int       `json:"pid,omitempty"`
	ContainerID string    `json:"container_id,omitempty"`
	At          time.Time `json:"at"`
	Reason      string    `json:"reason,omitempty"`
}
