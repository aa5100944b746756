package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/shellpipe/internal/auth"
)

func (a *app) newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Long: `Token signs a JWT with api.auth.jwt_secret. Roles:
  reader    query and read the journal
  operator  reader plus exec and batch
  admin     operator plus raw commands

Example:
  SHELLPIPE_API_JWT_SECRET=... shellpipe token --subject ci --role operator --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := a.cfg.API.Auth.JWTSecret
			if secret == "" {
				return fmt.Errorf("api.auth.jwt_secret is not configured")
			}
			if ttl <= 0 {
				ttl = a.cfg.API.Auth.TokenTTL
			}
			token, err := auth.GenerateToken(subject, auth.Role(role), secret, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "shellpipe", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleReader), "role: reader, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default api.auth.token_ttl)")
	return cmd
}
