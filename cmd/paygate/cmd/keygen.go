package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paygate-mcp/paygate/internal/adapter/inbound/admin"
	"github.com/paygate-mcp/paygate/internal/domain/key"
)

var keygenAdmin bool

var keygenCmd = &cobra.Command{
	Use:   "keygen [raw-key]",
	Short: "Mint an admin key (with its config hash) or an API key",
	Long: `Mint a credential offline.

Without flags, prints a fresh API key in the standard "pg_" format. The
gateway normally mints API keys itself via POST /admin/keys; this form is
for seeding state.json during migrations.

With --admin, generates a random admin key and prints it together with its
argon2id hash. The raw key is shown exactly once; put the hash in the
admin.key config field. Passing a raw key as an argument hashes that key
instead of generating one.

Examples:
  paygate keygen
  paygate keygen --admin
  paygate keygen --admin "$MY_ADMIN_KEY"

Security note: a key passed as an argument will appear in shell history.
Prefer the generated form, or pass it via an environment variable as above.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenAdmin, "admin", false, "mint an admin key and print its config hash")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if !keygenAdmin {
		if len(args) > 0 {
			return fmt.Errorf("a raw key argument only makes sense with --admin")
		}
		id, err := key.GenerateKeyID()
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}

	raw := ""
	if len(args) > 0 {
		raw = args[0]
	} else {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate admin key: %w", err)
		}
		raw = "pgadm_" + hex.EncodeToString(buf)
	}

	hash, err := admin.HashAdminKey(raw)
	if err != nil {
		return fmt.Errorf("hash admin key: %w", err)
	}

	if len(args) == 0 {
		fmt.Println("Admin key (shown once, store it securely):")
		fmt.Println()
		fmt.Printf("  %s\n", raw)
		fmt.Println()
	}
	fmt.Println("Config hash for the admin.key field:")
	fmt.Println()
	fmt.Printf("  admin:\n")
	fmt.Printf("    key: \"%s\"\n", hash)
	return nil
}
