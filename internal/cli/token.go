package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bcnelson/stack-provisioner/internal/auth"
	"github.com/bcnelson/stack-provisioner/internal/validation"
)

// newTokenCommand issues a tenant token signed with AUTH_JWT_SECRET.
func newTokenCommand() *cobra.Command {
	var (
		tenantID string
		subject  string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token restricted to one tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _ := fromContext(cmd.Context())
			if cfg.Auth.JWTSecret == "" {
				return errors.New("AUTH_JWT_SECRET is not set")
			}
			if err := validation.ValidateTenantID(tenantID); err != nil {
				return err
			}
			if subject == "" {
				subject = tenantID
			}

			token, err := auth.IssueToken(cfg.Auth.JWTSecret, subject, tenantID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant the token is restricted to")
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (defaults to the tenant)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}
