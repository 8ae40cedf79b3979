package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/adham90/agentrun/types"
)

// RouteValueFunc computes the routing key from workflow state.
type RouteValueFunc func(wf *Context) string

// RouteConfig defines a routing step: a value function and a branch table.
// The selected branch runs as a regular step and is recorded under the
// branch's own name, so later steps read its output by that name.
type RouteConfig struct {
	Name     string
	Value    RouteValueFunc
	Branches map[string]StepConfig
	// Default runs when the value matches no branch. Without it an
	// unmatched value is a NoRouteError.
	Default *StepConfig
}

// Validate reports configuration errors, including invalid branch steps.
func (c *RouteConfig) Validate() error {
	if c.Name == "" {
		return types.NewError(types.ErrInvalidStepConfig, "routing step name is required")
	}
	if c.Value == nil {
		return types.NewError(types.ErrInvalidStepConfig,
			"routing step "+c.Name+" needs a value function")
	}
	if len(c.Branches) == 0 && c.Default == nil {
		return types.NewError(types.ErrInvalidStepConfig,
			"routing step "+c.Name+" needs at least one branch or a default")
	}
	for key := range c.Branches {
		branch := c.Branches[key]
		if err := branch.Validate(); err != nil {
			return err
		}
	}
	if c.Default != nil {
		if err := c.Default.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// executeRoute picks the branch for the computed value and runs it through
// the ordinary step state machine.
func (e *StepExecutor) executeRoute(ctx context.Context, wf *Context, config RouteConfig) (*StepResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	value := config.Value(wf)
	branch, ok := config.Branches[value]
	if !ok {
		if config.Default == nil {
			return nil, &types.NoRouteError{Step: config.Name, Value: value}
		}
		branch = *config.Default
	}

	e.logger.Debug("route selected",
		zap.String("step", config.Name),
		zap.String("value", value),
		zap.String("branch", branch.Name))

	return e.Execute(ctx, wf, branch), nil
}
