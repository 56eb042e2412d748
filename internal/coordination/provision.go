package coordination

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"

	droverErrors "github.com/harunnryd/drover/internal/errors"
)

// Provisioner creates the execution context a spawned worker runs in.
type Provisioner interface {
	Provision(ctx context.Context, workspaceName, displayName string, remote bool) error
}

// CommandProvisioner shells out to a configured command template. The
// template may reference {workspace}, {display_name} and {remote}; it is
// split with shlex after substitution so quoted arguments survive.
type CommandProvisioner struct {
	Template string
}

func (p *CommandProvisioner) Provision(ctx context.Context, workspaceName, displayName string, remote bool) error {
	if strings.TrimSpace(p.Template) == "" {
		return droverErrors.InvalidInput("provision command is not configured")
	}

	rendered := strings.NewReplacer(
		"{workspace}", workspaceName,
		"{display_name}", displayName,
		"{remote}", fmt.Sprintf("%t", remote),
	).Replace(p.Template)

	args, err := shlex.Split(rendered)
	if err != nil {
		return droverErrors.InvalidInput(fmt.Sprintf("malformed provision command: %v", err))
	}
	if len(args) == 0 {
		return droverErrors.InvalidInput("provision command is empty after parsing")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NopProvisioner is for workers whose execution context already exists,
// e.g. local agents sharing the operator's machine.
type NopProvisioner struct{}

func (NopProvisioner) Provision(ctx context.Context, workspaceName, displayName string, remote bool) error {
	return nil
}
