package process

import (
	"fmt"
	"os"
)

// Manager terminates OS processes by id.
type Manager interface {
	Kill(pid int) error
}

// OSManager kills processes of the local host.
type OSManager struct{}

func (OSManager) Kill(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("kill process %d: %w", pid, err)
	}
	return nil
}
