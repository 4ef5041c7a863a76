// Package cli is the livesync command line client.
package cli

import (
	"io"
	"log"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"livesync/internal/config"
	"livesync/internal/models"
)

// NewRootCmd builds the command tree. Each call returns a fresh tree so
// tests can run commands side by side.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "livesync",
		Short: "Real-time document sync client",
		Long: `livesync connects to a relay, joins a document's edit and presence
channels and keeps the session alive across network drops.

Settings come from the environment (and .env); flags override them.`,
		SilenceUsage: true,
	}

	// Global flags
	pf := root.PersistentFlags()
	pf.String("url", "", "relay cable URL (default $LIVESYNC_URL)")
	pf.StringP("document", "d", "", "document ID (default $LIVESYNC_DOCUMENT)")
	pf.String("user-id", "", "user ID (default $LIVESYNC_USER_ID)")
	pf.String("user-name", "", "display name (default $LIVESYNC_USER_NAME)")
	pf.String("token", "", "relay token (default $LIVESYNC_TOKEN)")
	pf.BoolP("verbose", "v", false, "log connection internals")

	root.AddCommand(newWatchCmd(), newSendCmd(), newTokenCmd())
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig reads the environment, then applies any flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	override("url", &cfg.ServerURL)
	override("document", &cfg.DocumentID)
	override("user-id", &cfg.UserID)
	override("user-name", &cfg.UserName)
	override("token", &cfg.Token)

	return cfg, nil
}

// identity is the user the session presents to the relay. Without a
// configured ID each run gets a throwaway one.
func identity(cfg *config.Config) models.UserInfo {
	user := models.UserInfo{ID: cfg.UserID, Name: cfg.UserName, Email: cfg.UserEmail}
	if user.ID == "" {
		user.ID = "cli-" + uuid.NewString()[:8]
	}
	if user.Name == "" {
		user.Name = user.ID
	}
	return user
}

func logger(cmd *cobra.Command) *log.Logger {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}
