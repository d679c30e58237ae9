package state

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	StateDirName     = ".stackup"
	StateFilename    = "state.json"
	LogsDirName      = "logs"
	ArtifactsDirName = "artifacts"
	CacheDirName     = "cache"
	WorkDirName      = "work"
)

type State struct {
	RunID        string          `json:"run_id"`
	Project      string          `json:"project"`
	ProjectDir   string          `json:"project_dir"`
	TopologyFile string          `json:"topology_file,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Services     []ServiceRecord `json:"services"`
}

type ServiceRecord struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Phase   string `json:"phase"`
	Seq     int    `json:"seq"`

	PID         int               `json:"pid,omitempty"`
	ContainerID string            `json:"container_id,omitempty"`
	Image       string            `json:"image,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	StdoutLog   string            `json:"stdout_log,omitempty"`
	StderrLog   string            `json:"stderr_log,omitempty"`
	ExitInfo    string            `json:"exit_info,omitempty"`

	ArtifactDigest string `json:"artifact_digest,omitempty"`
	ArtifactDir    string `json:"artifact_dir,omitempty"`

	StartedAt time.Time  `json:"started_at,omitempty"`
	ReadyAt   *time.Time `json:"ready_at,omitempty"`
	Error     string     `json:"error,omitempty"`

	ProbeKind   string `json:"probe_kind,omitempty"`
	ProbeTarget string `json:"probe_target,omitempty"`
}

func New(project, projectDir string) *State {
	now := time.Now()
	return &State{
		RunID:      uuid.NewString(),
		Project:    project,
		ProjectDir: projectDir,
		CreatedAt:  now,
		UpdatedAt:  now,
		Services:   []ServiceRecord{},
	}
}

func (s *State) Service(name string) (*ServiceRecord, bool) {
	for i := range s.Services {
		if s.Services[i].Name == name {
			return &s.Services[i], true
		}
	}
	return nil, false
}

// SortBySeq orders records by start sequence.
func (s *State) SortBySeq() {
	sort.SliceStable(s.Services, func(i, j int) bool {
		return s.Services[i].Seq < s.Services[j].Seq
	})
}

func StateDir(projectDir string) string {
	return filepath.Join(projectDir, StateDirName)
}

func StatePath(projectDir string) string {
	return filepath.Join(projectDir, StateDirName, StateFilename)
}

func LogsDir(projectDir string) string {
	return filepath.Join(projectDir, StateDirName, LogsDirName)
}

func ArtifactsDir(projectDir string) string {
	return filepath.Join(projectDir, StateDirName, ArtifactsDirName)
}

func CacheDir(projectDir string) string {
	return filepath.Join(projectDir, StateDirName, CacheDirName)
}

func WorkDir(projectDir string) string {
	return filepath.Join(projectDir, StateDirName, WorkDirName)
}

func Exists(projectDir string) bool {
	_, err := os.Stat(StatePath(projectDir))
	return err == nil
}

func Load(projectDir string) (*State, error) {
	b, err := os.ReadFile(StatePath(projectDir))
	if err != nil {
		return nil, errors.Wrap(err, "read state")
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "parse state json")
	}
	return &s, nil
}

// Save writes the state through a temp file so readers never see a partial document.
func Save(projectDir string, s *State) error {
	if s == nil {
		return errors.New("nil state")
	}
	dir := StateDir(projectDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}
	s.UpdatedAt = time.Now()
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return errors.Wrap(err, "create state temp")
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "write state")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "close state")
	}
	if err := os.Rename(tmp.Name(), StatePath(projectDir)); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "commit state")
	}
	return nil
}

func Remove(projectDir string) error {
	if err := os.Remove(StatePath(projectDir)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "remove state")
	}
	return nil
}

func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return stderrors.Is(err, syscall.EPERM)
}

func isZombie(pid int) bool {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// pid (comm) state ...; comm may contain spaces and parens
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return false
	}
	fields := bytes.Fields(bytes.TrimSpace(b[i+1:]))
	if len(fields) < 1 || len(fields[0]) < 1 {
		return false
	}
	return fields[0][0] == 'Z'
}
