// Package fleet sizes and tears down the compute fleet that serves the manager.
//
// Instances are tagged with a Role. Only pending and running instances count
// as alive capacity; terminated or shutting-down instances never block a
// scale-up.
package fleet

import (
	"context"
	"strings"
)

// RoleTagKey is the instance tag key carrying the Role.
const RoleTagKey = "JOB"

// Role identifies what an instance is for.
type Role string

const (
	RoleManager Role = "MANAGER"
	RoleWorker  Role = "WORKER"
)

// String returns the tag value of the role.
func (r Role) String() string {
	return string(r)
}

// ParseRole parses a role name, case-insensitively.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleManager:
		return RoleManager, true
	case RoleWorker:
		return RoleWorker, true
	}
	return "", false
}

// InstanceState mirrors the compute service lifecycle state names.
type InstanceState string

const (
	StatePending      InstanceState = "pending"
	StateRunning      InstanceState = "running"
	StateShuttingDown InstanceState = "shutting-down"
	StateStopping     InstanceState = "stopping"
	StateStopped      InstanceState = "stopped"
	StateTerminated   InstanceState = "terminated"
)

// Alive reports whether the state counts toward fleet capacity.
func (s InstanceState) Alive() bool {
	return s == StatePending || s == StateRunning
}

// Instance is a single compute instance as reported by the compute service.
type Instance struct {
	ID    string        `json:"id"`
	State InstanceState `json:"state"`
	Role  Role          `json:"role"`
}

// LaunchParams configures newly provisioned instances.
type LaunchParams struct {
	// ImageID is the machine image to boot (required).
	ImageID string

	// InstanceType is the compute service instance type, e.g. t2.micro.
	InstanceType string

	// IAMProfile is an instance profile ARN or name. Empty leaves it unset.
	IAMProfile string

	// KeyName is the SSH key pair name. Empty leaves it unset.
	KeyName string

	// SecurityGroupIDs are attached to every instance.
	SecurityGroupIDs []string

	// UserData is the plain-text startup script; adapters encode it.
	UserData string
}

// RunRequest asks the compute service for Count new instances of Role.
type RunRequest struct {
	Role   Role
	Count  int
	Params LaunchParams
}

// Compute is the compute-instance service consumed by the Controller.
type Compute interface {
	// DescribeInstances returns instances tagged with role, in any state.
	DescribeInstances(ctx context.Context, role Role) ([]Instance, error)

	// RunInstances requests req.Count instances and returns their ids.
	RunInstances(ctx context.Context, req RunRequest) ([]string, error)

	// TerminateInstances terminates the given instances.
	TerminateInstances(ctx context.Context, ids []string) error
}

// SelfIdentifier is implemented by Compute adapters that can resolve the id
// of the instance the process runs on.
type SelfIdentifier interface {
	SelfInstanceID(ctx context.Context) (string, error)
}
