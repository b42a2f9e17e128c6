package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/paygate-mcp/paygate/internal/config"
)

var (
	resetIncludeAudit bool
	resetForce        bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset PayGate to a clean state",
	Long: `Reset PayGate by removing persistent state files.

By default, only state.json (and its backup) is removed. This clears all
API keys, groups, signing secrets, IP blocks, queued webhook deliveries,
and the server spend-cap counters.

On next start, PayGate boots with empty stores and mints keys from scratch.

Optional flags:
  --include-audit   Also remove the audit log directory
  --force           Skip confirmation prompt

Examples:
  # Reset state only (interactive confirmation)
  paygate reset

  # Reset everything without prompting
  paygate reset --include-audit --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeAudit, "include-audit", false, "Also remove the audit log directory")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	// Resolve state file path (same logic as the start command).
	cfg, cfgErr := loadConfigForReset()
	statePath := stateFilePath
	if statePath == "" {
		statePath = os.Getenv("PAYGATE_STATE_PATH")
	}
	if statePath == "" && cfgErr == nil {
		statePath = cfg.Server.StatePath
	}
	if statePath == "" {
		statePath = "./state.json"
	}

	// Build list of targets to remove.
	type target struct {
		path string
		desc string
	}
	var targets []target

	// Always include state.json and its backup.
	targets = append(targets, target{statePath, "state file"})
	targets = append(targets, target{statePath + ".bak", "state backup"})

	// Optional: the audit log directory.
	if resetIncludeAudit {
		if cfgErr == nil && cfg.Audit.Dir != "" {
			targets = append(targets, target{cfg.Audit.Dir, "audit directory"})
		} else {
			fmt.Fprintln(os.Stderr, "Note: no audit.dir configured, audit events were memory-only.")
		}
	}

	// Check what actually exists.
	var existing []target
	for _, t := range targets {
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}

	if len(existing) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to reset — no state files found.")
		return nil
	}

	// Show what will be removed.
	fmt.Fprintln(os.Stderr, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(os.Stderr, "  - %s (%s)\n", t.path, t.desc)
	}

	// Confirm unless --force.
	if !resetForce {
		fmt.Fprint(os.Stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	// Remove targets.
	var errors int
	for _, t := range existing {
		if err := os.RemoveAll(t.path); err != nil {
			fmt.Fprintf(os.Stderr, "  ERROR removing %s: %v\n", t.path, err)
			errors++
		} else {
			fmt.Fprintf(os.Stderr, "  Removed %s\n", t.path)
		}
	}

	if errors > 0 {
		return fmt.Errorf("%d file(s) could not be removed", errors)
	}

	fmt.Fprintln(os.Stderr, "\nReset complete. PayGate will start fresh on next launch.")
	return nil
}

// loadConfigForReset attempts to load config to discover the state and audit
// paths. Returns a zero config on error (non-fatal for reset).
func loadConfigForReset() (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return &config.Config{}, err
	}
	return cfg, nil
}
