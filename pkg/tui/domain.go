package tui

import (
	"time"

	"github.com/go-go-golems/stackup/pkg/proc"
	"github.com/go-go-golems/stackup/pkg/state"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type EventLogEntry struct {
	At     time.Time `json:"at"`
	Source string    `json:"source,omitempty"`
	Level  LogLevel  `json:"level,omitempty"`
	Text   string    `json:"text"`
}

// StateSnapshot is one poll of the project's state file plus what the watcher observed
// about each recorded service.
type StateSnapshot struct {
	ProjectDir string                 `json:"project_dir"`
	At         time.Time              `json:"at"`
	Exists     bool                   `json:"exists"`
	State      *state.State           `json:"state,omitempty"`
	Alive      map[string]bool        `json:"alive,omitempty"`
	Stats      map[string]*proc.Stats `json:"stats,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func (s StateSnapshot) IsAlive(name string) bool {
	return s.Alive != nil && s.Alive[name]
}

// BuildStage is the dashboard's view of one build stage.
type BuildStage struct {
	Stage    string        `json:"stage"`
	Index    int           `json:"index"`
	Total    int           `json:"total"`
	Base     string        `json:"base,omitempty"`
	Running  bool          `json:"running"`
	OK       *bool         `json:"ok,omitempty"`
	Cached   bool          `json:"cached,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}
