package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/user/prowl/internal/model"
	"github.com/user/prowl/internal/util"
)

// StatusFileName holds the daemon heartbeat. The session display document
// lives next to it in status.json.
const StatusFileName = "daemon.json"

// CheckRunning checks if the daemon is already running.
func CheckRunning(dataDir string) (bool, int) {
	data, err := os.ReadFile(filepath.Join(dataDir, PIDFile))
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	// Signal 0 only checks that the process exists
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}
	return true, pid
}

// SendStop sends a stop signal to the running daemon.
func SendStop(dataDir string) error {
	running, pid := CheckRunning(dataDir)
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send signal: %w", err)
	}
	return nil
}

// WriteStatusFile writes the daemon status to daemon.json.
func WriteStatusFile(dataDir string, status *model.DaemonStatus) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(filepath.Join(dataDir, StatusFileName), data, 0644)
}

// ReadStatusFile reads the daemon status written by WriteStatusFile.
func ReadStatusFile(dataDir string) (*model.DaemonStatus, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, StatusFileName))
	if err != nil {
		return nil, err
	}

	var status model.DaemonStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}
