package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/secrets"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage the access-token signing secret",
		Long: `Inspect and rotate the JWT signing secret for access tokens.

Rotation keeps the previous secret valid for a 24 hour grace window so that
tokens issued just before the rotation keep verifying until they expire.
Raw secret material is never printed.`,
	}

	cmd.AddCommand(newSecretRotateCmd())
	cmd.AddCommand(newSecretStatusCmd())

	return cmd
}

// ---------- secret rotate ----------

func newSecretRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signing secret",
		Long:  "Generate a new signing secret, persist it, and demote the current secret to the grace window.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecretRotate()
		},
	}
}

func runSecretRotate() error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	sm := secrets.NewManager(st, "")

	status, err := sm.Rotate(ctx)
	if err != nil {
		return fmt.Errorf("rotate secret: %w", err)
	}

	if err := st.AppendAudit(ctx, &model.AuditEvent{
		ActorEmail: "cli",
		Action:     model.AuditSecretRotation,
		Detail:     "rotated via cli",
	}); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record audit event: %v\n", err)
	}

	fmt.Println("Signing secret rotated.")
	printSecretStatus(status, false)
	return nil
}

// ---------- secret status ----------

func newSecretStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the signing secret rotation state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSecretStatus(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runSecretStatus(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sm := secrets.NewManager(st, "")

	status, err := sm.Status(context.Background())
	if err != nil {
		return fmt.Errorf("secret status: %w", err)
	}

	printSecretStatus(status, jsonOutput)
	return nil
}

func printSecretStatus(status *secrets.Status, jsonOutput bool) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(status)
		return
	}

	fmt.Println()
	fmt.Printf("  Current secret:  %v\n", status.HasCurrent)
	fmt.Printf("  Previous secret: %v\n", status.HasPrevious)
	if status.RotatedAt != nil {
		fmt.Printf("  Last rotated:    %s\n", status.RotatedAt.Format(time.RFC3339))
	} else {
		fmt.Println("  Last rotated:    never")
	}
	grace := "inactive"
	if status.GraceActive {
		grace = "active"
	}
	fmt.Printf("  Grace window:    %s\n", grace)
}
