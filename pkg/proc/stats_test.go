package proc

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroup_Self(t *testing.T) {
	s := NewSampler()
	st, err := s.Group(os.Getpid())
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), st.PID)
	require.GreaterOrEqual(t, st.Processes, 1)
	require.Greater(t, st.MemoryRSS, int64(0))
	require.GreaterOrEqual(t, st.Threads, 1)

	time.Sleep(20 * time.Millisecond)
	again, err := s.Group(os.Getpid())
	require.NoError(t, err)
	require.GreaterOrEqual(t, again.CPUPercent, 0.0)

	s.Forget(nil)
	require.Empty(t, s.last)
}

func TestGroup_CountsChildren(t *testing.T) {
	cmd := exec.Command("bash", "-c", "sleep 5 & sleep 5 & wait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	defer func() {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
	}()

	require.Eventually(t, func() bool {
		st, err := (*Sampler)(nil).Group(cmd.Process.Pid)
		return err == nil && st.Processes >= 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGroup_InvalidPID(t *testing.T) {
	_, err := NewSampler().Group(0)
	require.Error(t, err)

	_, err = NewSampler().Group(999999999)
	require.Error(t, err)
}
