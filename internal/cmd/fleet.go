package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ocrfleet/internal/config"
	"github.com/3leaps/ocrfleet/internal/observability"
	"github.com/3leaps/ocrfleet/pkg/fleet"
	"github.com/3leaps/ocrfleet/pkg/provider/ec2"
)

// newCompute builds the compute adapter; tests replace it.
var newCompute = func(ctx context.Context, cfg *config.Config) (fleet.Compute, error) {
	return ec2.New(ctx, cfg.AWSProvider())
}

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Inspect or tear down the EC2 fleet",
}

var fleetStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List manager and worker instances",
	Long: `List every instance tagged as a manager or worker, in any state.

Example:
  ocrfleet fleet status
  ocrfleet fleet status --json`,
	Args: cobra.NoArgs,
	RunE: runFleetStatus,
}

var fleetTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Terminate alive instances of a role",
	Long: `Terminate every pending or running instance of a role.

Use this to clean up after a manager that exited without tearing down its
workers.

Example:
  ocrfleet fleet teardown
  ocrfleet fleet teardown --role all`,
	Args: cobra.NoArgs,
	RunE: runFleetTeardown,
}

var (
	fleetStatusJSON   bool
	fleetTeardownRole string
)

func init() {
	rootCmd.AddCommand(fleetCmd)
	fleetCmd.AddCommand(fleetStatusCmd)
	fleetCmd.AddCommand(fleetTeardownCmd)

	fleetStatusCmd.Flags().BoolVar(&fleetStatusJSON, "json", false, "Output as JSON")
	fleetTeardownCmd.Flags().StringVar(&fleetTeardownRole, "role", "worker", "Role to terminate (worker, manager, all)")
}

func fleetController(ctx context.Context) (*fleet.Controller, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, err
	}
	compute, err := newCompute(ctx, cfg)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to EC2", err)
	}
	return fleet.New(compute, fleet.Config{Ceiling: cfg.Fleet.Ceiling}).WithLogger(observability.CLILogger), nil
}

func runFleetStatus(cmd *cobra.Command, _ []string) error {
	ctrl, err := fleetController(cmd.Context())
	if err != nil {
		return err
	}
	status, err := ctrl.Status(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to describe instances", err)
	}
	if fleetStatusJSON {
		return writeFleetJSON(cmd.OutOrStdout(), status)
	}
	return writeFleetTable(cmd.OutOrStdout(), status, ctrl.Ceiling())
}

func writeFleetJSON(w io.Writer, status map[fleet.Role][]fleet.Instance) error {
	out := map[string][]fleet.Instance{}
	for role, insts := range status {
		if insts == nil {
			insts = []fleet.Instance{}
		}
		out[strings.ToLower(role.String())] = insts
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeFleetTable(w io.Writer, status map[fleet.Role][]fleet.Instance, ceiling int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ROLE\tINSTANCE\tSTATE")
	for _, role := range []fleet.Role{fleet.RoleManager, fleet.RoleWorker} {
		for _, inst := range status[role] {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", role, inst.ID, inst.State)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	alive := 0
	for _, inst := range status[fleet.RoleWorker] {
		if inst.State.Alive() {
			alive++
		}
	}
	_, err := fmt.Fprintf(w, "\nworkers alive: %d/%d\n", alive, ceiling)
	return err
}

func runFleetTeardown(cmd *cobra.Command, _ []string) error {
	roles, err := teardownRoles(fleetTeardownRole)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --role value", err)
	}
	ctrl, err := fleetController(cmd.Context())
	if err != nil {
		return err
	}
	for _, role := range roles {
		n, err := ctrl.TerminateAll(cmd.Context(), role)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to terminate instances", err)
		}
		observability.CLILogger.Info("Terminated instances", zap.String("role", role.String()), zap.Int("count", n))
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: terminated %d\n", role, n)
	}
	return nil
}

// teardownRoles parses --role. Workers go before managers.
func teardownRoles(s string) ([]fleet.Role, error) {
	if strings.EqualFold(strings.TrimSpace(s), "all") {
		return []fleet.Role{fleet.RoleWorker, fleet.RoleManager}, nil
	}
	role, ok := fleet.ParseRole(s)
	if !ok {
		return nil, fmt.Errorf("unknown role %q", s)
	}
	return []fleet.Role{role}, nil
}
