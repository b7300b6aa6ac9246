package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"localpulse/internal/auth"
	"localpulse/internal/config"
)

// NewTokenCommand mints an identity token for local development.
func NewTokenCommand(_ *RootOptions) *cobra.Command {
	var (
		userID string
		name   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development identity token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			token, err := auth.IssueToken([]byte(cfg.IdentityTokenSecret), auth.NewClaims(userID, name, ttl, time.Now()))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id placed in the token subject")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
