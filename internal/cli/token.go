package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopmono/livechat/internal/auth"
	"github.com/shopmono/livechat/internal/config"
	"github.com/shopmono/livechat/internal/domain"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage bearer tokens",
	}

	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		id          string
		displayName string
		role        string
		ttlMinutes  int
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return fmt.Errorf("auth.secret is not configured")
			}

			ttl := time.Duration(ttlMinutes) * time.Minute
			if ttlMinutes == 0 {
				ttl = time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute
			}

			issuer := auth.NewIssuer(cfg.Auth.Secret, ttl)
			token, err := issuer.Issue(auth.Identity{
				ID:          id,
				DisplayName: displayName,
				Role:        domain.Role(role),
			})
			if err != nil {
				return err
			}

			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "participant id (required)")
	cmd.Flags().StringVar(&displayName, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleCustomer), "role (CUSTOMER or STAFF)")
	cmd.Flags().IntVar(&ttlMinutes, "ttl", 0, "token lifetime in minutes (default from config)")
	cmd.MarkFlagRequired("id")

	return cmd
}
