package canary

import (
	"context"
	"fmt"
	"os/exec"
)

// Supervisor restarts or reloads named services on the target host.
type Supervisor interface {
	Restart(ctx context.Context, services []string) error
}

// Reverter rolls the deployed artifact back to the previous known-good
// revision via version-control history.
type Reverter interface {
	Revert(ctx context.Context) error
}

// PM2Supervisor drives a pm2-style process manager over its CLI.
type PM2Supervisor struct {
	bin string
}

// NewPM2Supervisor uses the given binary ("pm2" when empty).
func NewPM2Supervisor(bin string) *PM2Supervisor {
	if bin == "" {
		bin = "pm2"
	}
	return &PM2Supervisor{bin: bin}
}

func (s *PM2Supervisor) Restart(ctx context.Context, services []string) error {
	args := append([]string{"restart"}, services...)
	args = append(args, "--update-env")
	out, err := exec.CommandContext(ctx, s.bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("supervisor restart failed: %w (%s)", err, out)
	}
	return nil
}

// GitReverter resets a working tree to the previous commit.
type GitReverter struct {
	dir string
}

// NewGitReverter reverts the checkout at dir.
func NewGitReverter(dir string) *GitReverter {
	return &GitReverter{dir: dir}
}

func (r *GitReverter) Revert(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "git", "reset", "--hard", "HEAD~1")
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git revert failed: %w (%s)", err, out)
	}
	return nil
}
