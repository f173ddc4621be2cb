package process

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/proxymgr/internal/logger"
)

// Spec describes one backend invocation. Command is an argv; no shell is involved.
type Spec struct {
	Name    string        `json:"name"`
	Command []string      `json:"command"`
	Env     []string      `json:"env"`      // full environment; nil inherits the manager's
	WorkDir string        `json:"work_dir"` // optional working dir
	Log     logger.Config `json:"log"`      // rotated stdout/stderr files; empty discards output
}

// BuildCommand constructs an *exec.Cmd for the spec. The command is not bound
// to any context: backends must outlive the request that launched them.
func (s *Spec) BuildCommand() (*exec.Cmd, error) {
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return nil, errors.New("empty command")
	}
	// #nosec G204 -- argv comes from the operator's backend profile
	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if s.Env != nil {
		cmd.Env = s.Env
	}
	configureSysProcAttr(cmd)
	return cmd, nil
}
