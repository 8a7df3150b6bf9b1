package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/planguard/control-plane/internal/capability"
	"github.com/planguard/control-plane/internal/collaborator"
	"github.com/planguard/control-plane/internal/policy"
	"github.com/planguard/control-plane/internal/store"
	"github.com/planguard/control-plane/pkg/models"
)

var validateBootstrap string

var validateCmd = &cobra.Command{
	Use:   "validate <plan.json>",
	Short: "Validate a plan file against the bootstrap capability set",
	Long: `Parses a plan in planner output format ({"steps": [...]}) and runs the
policy checks against the bootstrap registry. Entity references cannot be
resolved offline, so only tool-capability and dependency checks apply.
Exits non-zero when the plan has violations.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateBootstrap, "capabilities", "c", os.Getenv("PLANGUARD_CAPABILITIES_FILE"), "YAML bootstrap file")
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	result, err := collaborator.ParsePlannerOutput(raw)
	if err != nil {
		return err
	}

	violations, err := validateOffline(ctx, validateBootstrap, result.Steps)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]interface{}{
		"steps":      len(result.Steps),
		"valid":      len(violations) == 0,
		"violations": violations,
	}); err != nil {
		return err
	}
	if len(violations) > 0 {
		return fmt.Errorf("plan has %d violation(s)", len(violations))
	}
	return nil
}

func validateOffline(ctx context.Context, bootstrapFile string, steps []models.Step) ([]models.PolicyViolation, error) {
	boot, err := capability.LoadBootstrap(bootstrapFile)
	if err != nil {
		return nil, err
	}
	mem := store.NewMemoryStore("")
	defer mem.Close()

	reg := capability.NewRegistry(mem)
	if err := reg.Load(ctx, boot.Capabilities); err != nil {
		return nil, err
	}
	pol := policy.NewEngine(reg, capability.NewOperationMap(boot.Operations), policy.EntitySet{})
	return pol.ValidatePlan(ctx, steps)
}
