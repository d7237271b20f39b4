package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quillcms/quill/internal/model"
	"github.com/quillcms/quill/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke API keys used to authenticate against the Quill REST API.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		email  string
		name   string
		scopes []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key bound to a user account. The raw key is shown once and cannot be retrieved again.",
		Example: `  quill key create --user writer@example.com --scopes read,write --name "CI pipeline"
  quill key create --user admin@example.com --scopes read,write,admin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(email, name, scopes)
		},
	}

	cmd.Flags().StringVar(&email, "user", "", "Email of the user who owns the key (required)")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable label for the key")
	cmd.Flags().StringSliceVar(&scopes, "scopes", []string{"read"}, "Scopes to grant (read, write, admin)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyCreate(email, name string, scopeNames []string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	user, err := st.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("user %q not found", email)
	}

	scopes := make([]model.Scope, 0, len(scopeNames))
	for _, s := range scopeNames {
		sc := model.Scope(strings.TrimSpace(s))
		if !model.ValidScope(sc) {
			return fmt.Errorf("invalid scope %q (must be read, write, or admin)", s)
		}
		scopes = append(scopes, sc)
	}
	if hasScope(scopes, model.ScopeAdmin) && user.Role != model.RoleAdmin {
		return fmt.Errorf("cannot grant admin scope to non-admin user %q", email)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	authSvc := service.NewAuthService(st, nil, logger)

	key, rawKey, err := authSvc.CreateAPIKey(ctx, user.ID, name, scopes)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API Key created:")
	fmt.Println()
	fmt.Printf("  Key:    %s\n", rawKey)
	fmt.Printf("  Owner:  %s\n", email)
	fmt.Printf("  Scopes: %s\n", joinScopes(key.Scopes))
	if name != "" {
		fmt.Printf("  Label:  %s\n", name)
	}
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

func hasScope(scopes []model.Scope, want model.Scope) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func joinScopes(scopes []model.Scope) string {
	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = string(s)
	}
	return strings.Join(names, ",")
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all active API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	keys, err := st.ListActiveAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	// Build a user ID -> email map for display
	users, err := st.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	emails := make(map[int64]string, len(users))
	for _, u := range users {
		emails[u.ID] = u.Email
	}

	type keyRow struct {
		Prefix string `json:"prefix"`
		Owner  string `json:"owner"`
		Scopes string `json:"scopes"`
		Label  string `json:"label"`
	}

	rows := make([]keyRow, len(keys))
	for i, k := range keys {
		owner := emails[k.UserID]
		if owner == "" {
			owner = fmt.Sprintf("user:%d", k.UserID)
		}
		rows[i] = keyRow{
			Prefix: k.KeyPrefix,
			Owner:  owner,
			Scopes: joinScopes(k.Scopes),
			Label:  k.Name,
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No active API keys. Use 'quill key create' to create one.")
		return nil
	}

	fmt.Printf("%-14s %-30s %-18s %-24s\n", "PREFIX", "OWNER", "SCOPES", "LABEL")
	fmt.Printf("%-14s %-30s %-18s %-24s\n", "------", "-----", "------", "-----")
	for _, k := range rows {
		fmt.Printf("%-14s %-30s %-18s %-24s\n", k.Prefix, k.Owner, k.Scopes, k.Label)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke an API key by its prefix",
		Long:  "Deactivate an API key, preventing any further authenticated requests using that key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(prefix string) error {
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	keys, err := st.ListActiveAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	// Find key whose prefix starts with the given prefix
	var matched *model.APIKey
	for i := range keys {
		if strings.HasPrefix(keys[i].KeyPrefix, prefix) {
			matched = &keys[i]
			break
		}
	}
	if matched == nil {
		return fmt.Errorf("no active API key found with prefix %q", prefix)
	}

	if err := st.RevokeAPIKey(ctx, matched.ID); err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key with prefix %q\n", matched.KeyPrefix)
	return nil
}
