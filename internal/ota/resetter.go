package ota

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// CommandResetter restarts the device by running Command.
type CommandResetter struct {
	Command []string
}

func (r CommandResetter) Reset(ctx context.Context) error {
	if len(r.Command) == 0 {
		return errors.New("no reset command configured")
	}
	if out, err := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...).CombinedOutput(); err != nil {
		return fmt.Errorf("%v: %w: %s", r.Command, err, out)
	}
	return nil
}
