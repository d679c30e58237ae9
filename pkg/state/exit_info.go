package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ExitInfo is what the service wrapper records once a supervised process is gone. inspect
// and the dashboard read it to explain a service that is no longer alive.
type ExitInfo struct {
	Service   string    `json:"service"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	ExitedAt  time.Time `json:"exited_at"`

	// ExitCode is nil when the process was killed by a signal or never started.
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
	Error    string `json:"error,omitempty"`

	StderrTail []string `json:"stderr_tail,omitempty"`
	StdoutTail []string `json:"stdout_tail,omitempty"`
}

// Summary renders the exit as "exit 1", "signal terminated" or the wrapper error.
func (e *ExitInfo) Summary() string {
	switch {
	case e == nil:
		return ""
	case e.Signal != "":
		return "signal " + e.Signal
	case e.ExitCode != nil:
		return "exit " + strconv.Itoa(*e.ExitCode)
	case e.Error != "":
		return e.Error
	}
	return "exited"
}

// Clean is a zero exit code.
func (e *ExitInfo) Clean() bool {
	return e != nil && e.Signal == "" && e.ExitCode != nil && *e.ExitCode == 0
}

func (e *ExitInfo) Uptime() time.Duration {
	if e == nil || e.StartedAt.IsZero() || e.ExitedAt.Before(e.StartedAt) {
		return 0
	}
	return e.ExitedAt.Sub(e.StartedAt)
}

// Trim keeps the last n lines of both tails. n <= 0 keeps everything.
func (e *ExitInfo) Trim(n int) {
	if e == nil || n <= 0 {
		return
	}
	trim := func(lines []string) []string {
		if len(lines) <= n {
			return lines
		}
		return append([]string(nil), lines[len(lines)-n:]...)
	}
	e.StderrTail = trim(e.StderrTail)
	e.StdoutTail = trim(e.StdoutTail)
}

// WriteExitInfo replaces path atomically so readers never see a half written record.
func WriteExitInfo(path string, info ExitInfo) error {
	if path == "" {
		return errors.New("missing path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir exit info dir")
	}
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal exit info")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "write exit info")
	}
	return errors.Wrap(os.Rename(tmp, path), "commit exit info")
}

func ReadExitInfo(path string) (*ExitInfo, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read exit info")
	}
	var info ExitInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, errors.Wrapf(err, "parse exit info %s", path)
	}
	return &info, nil
}
