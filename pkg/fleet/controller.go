package fleet

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

const (
	// AccountInstanceLimit is the per-account instance limit the fleet lives under.
	AccountInstanceLimit = 20

	// DefaultCeiling leaves one slot for the manager's own instance and one
	// slot of headroom.
	DefaultCeiling = AccountInstanceLimit - 1 - 1
)

// Config configures a Controller.
type Config struct {
	// Ceiling is the maximum number of alive instances per role.
	// Zero uses DefaultCeiling.
	Ceiling int
}

// Controller decides how many instances of a role to add or remove and
// issues the provisioning calls. Scale-up is best effort: the controller
// never waits for instances to reach running.
//
// Controller is safe for concurrent use.
type Controller struct {
	compute Compute
	ceiling int
	log     *zap.Logger
}

// New creates a Controller.
func New(compute Compute, cfg Config) *Controller {
	ceiling := cfg.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Controller{
		compute: compute,
		ceiling: ceiling,
		log:     zap.NewNop(),
	}
}

// WithLogger sets the logger used for scaling decisions.
// Returns the controller for method chaining.
func (c *Controller) WithLogger(l *zap.Logger) *Controller {
	if l != nil {
		c.log = l
	}
	return c
}

// Ceiling returns the per-role alive-instance limit.
func (c *Controller) Ceiling() int {
	return c.ceiling
}

// Alive returns the pending and running instances of role.
func (c *Controller) Alive(ctx context.Context, role Role) ([]Instance, error) {
	all, err := c.compute.DescribeInstances(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("describe %s instances: %w", role, err)
	}
	alive := make([]Instance, 0, len(all))
	for _, inst := range all {
		if inst.State.Alive() {
			alive = append(alive, inst)
		}
	}
	return alive, nil
}

// ToCreate returns how many instances a scale-up should request:
// min(desired, ceiling-alive), never negative.
func ToCreate(desired, ceiling, alive int) int {
	n := min(desired, ceiling-alive)
	if n < 0 {
		return 0
	}
	return n
}

// EnsureCapacity requests enough new instances of role to approach desired,
// capped so alive instances never exceed the ceiling. It returns the number
// of instances requested. Reaching the ceiling is not an error.
func (c *Controller) EnsureCapacity(ctx context.Context, role Role, desired int, params LaunchParams) (int, error) {
	alive, err := c.Alive(ctx, role)
	if err != nil {
		return 0, err
	}

	n := ToCreate(desired, c.ceiling, len(alive))
	if n == 0 {
		c.log.Info("No need to create instances",
			zap.String("role", role.String()),
			zap.Int("desired", desired),
			zap.Int("alive", len(alive)),
			zap.Int("ceiling", c.ceiling))
		return 0, nil
	}
	if params.ImageID == "" {
		return 0, errors.New("launch params: image id is required")
	}

	c.log.Info("Creating instances",
		zap.String("role", role.String()),
		zap.Int("count", n),
		zap.Int("desired", desired),
		zap.Int("alive", len(alive)))

	ids, err := c.compute.RunInstances(ctx, RunRequest{Role: role, Count: n, Params: params})
	if err != nil {
		return 0, fmt.Errorf("run %d %s instances: %w", n, role, err)
	}

	c.log.Info("Instances created",
		zap.String("role", role.String()),
		zap.Strings("instance_ids", ids))
	return n, nil
}

// TerminateAll terminates every alive instance of role. An empty fleet is a
// no-op. It returns the number of instances terminated.
func (c *Controller) TerminateAll(ctx context.Context, role Role) (int, error) {
	alive, err := c.Alive(ctx, role)
	if err != nil {
		return 0, err
	}
	if len(alive) == 0 {
		c.log.Info("No instances to terminate", zap.String("role", role.String()))
		return 0, nil
	}

	ids := make([]string, len(alive))
	for i, inst := range alive {
		ids[i] = inst.ID
	}

	c.log.Info("Terminating instances",
		zap.String("role", role.String()),
		zap.Strings("instance_ids", ids))

	if err := c.compute.TerminateInstances(ctx, ids); err != nil {
		return 0, fmt.Errorf("terminate %s instances: %w", role, err)
	}
	return len(ids), nil
}

// TerminateSelf terminates the instance this process runs on.
//
// The manager intentionally terminates its own host instance as the final
// shutdown step. When the compute adapter cannot identify the host, every
// alive manager-role instance is terminated instead.
func (c *Controller) TerminateSelf(ctx context.Context) error {
	if ider, ok := c.compute.(SelfIdentifier); ok {
		id, err := ider.SelfInstanceID(ctx)
		if err == nil && id != "" {
			c.log.Info("Terminating own instance", zap.String("instance_id", id))
			if err := c.compute.TerminateInstances(ctx, []string{id}); err != nil {
				return fmt.Errorf("terminate own instance %s: %w", id, err)
			}
			return nil
		}
		c.log.Warn("Cannot resolve own instance id, falling back to role termination", zap.Error(err))
	}

	_, err := c.TerminateAll(ctx, RoleManager)
	return err
}

// Status returns the instances of every role, in any state.
func (c *Controller) Status(ctx context.Context) (map[Role][]Instance, error) {
	out := make(map[Role][]Instance, 2)
	for _, role := range []Role{RoleManager, RoleWorker} {
		insts, err := c.compute.DescribeInstances(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("describe %s instances: %w", role, err)
		}
		out[role] = insts
	}
	return out, nil
}
