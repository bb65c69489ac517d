package daemon

import (
	"os/exec"
	"runtime"
	"sync"

	"github.com/ehrlich-b/perch/internal/logger"
)

// keepAwake holds the machine out of sleep while enabled, so long-running
// turns survive a closed laptop lid. Implemented as a child process that
// dies with the daemon.
type keepAwake struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

func (k *keepAwake) Set(on bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if on == (k.cmd != nil) {
		return
	}
	if !on {
		k.cmd.Process.Kill() // the launch goroutine reaps it
		k.cmd = nil
		logger.Info("keep-awake disabled")
		return
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("caffeinate", "-dims")
	case "linux":
		cmd = exec.Command("systemd-inhibit", "--what=sleep:idle", "--why=perch session active", "sleep", "infinity")
	default:
		logger.Warn("keep-awake not supported", "os", runtime.GOOS)
		return
	}
	if err := cmd.Start(); err != nil {
		logger.Warn("start keep-awake", "err", err)
		return
	}
	k.cmd = cmd
	go cmd.Wait()
	logger.Info("keep-awake enabled", "pid", cmd.Process.Pid)
}

func (k *keepAwake) Stop() {
	k.Set(false)
}
