package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"livesync/internal/models"
	"livesync/internal/relay"
)

func newTokenCmd() *cobra.Command {
	var (
		secret string
		email  string
		color  string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a relay token for a user",
		Long: `Token signs a token the relay accepts when it runs with JWT_SECRET.
The secret defaults to $JWT_SECRET, so run it where the relay's .env lives.`,
		Example: `  livesync token --user-id ada --user-name "Ada L" --ttl 12h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if secret == "" {
				secret = cfg.JWTSecret
			}
			if secret == "" {
				return errors.New("no secret: pass --secret or set JWT_SECRET")
			}
			if cfg.UserID == "" {
				return errors.New("no user: pass --user-id or set LIVESYNC_USER_ID")
			}

			user := models.UserInfo{ID: cfg.UserID, Name: cfg.UserName, Email: email, Color: color}
			if user.Email == "" {
				user.Email = cfg.UserEmail
			}
			token, err := relay.IssueToken([]byte(secret), user, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default $JWT_SECRET)")
	cmd.Flags().StringVar(&email, "email", "", "user email (default $LIVESYNC_USER_EMAIL)")
	cmd.Flags().StringVar(&color, "color", "", "cursor color, e.g. #e91e63")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}
