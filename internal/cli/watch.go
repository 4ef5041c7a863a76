package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"livesync/internal/event"
)

func newWatchCmd() *cobra.Command {
	var (
		discover        bool
		discoverTimeout time.Duration
		latency         bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a document and print every sync event",
		Long: `Watch joins the document's edit and presence channels and prints
connection, presence and operation events until interrupted. The session
reconnects on its own when the relay goes away.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if discover {
				url, err := discoverURL(ctx, discoverTimeout)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "🔍 Found relay at %s\n", url)
				cfg.ServerURL = url
			}

			// subscribe before connecting so the handshake shows up too
			bus := event.NewBus()
			events, cancel := bus.Channel(256)
			defer cancel()

			out := cmd.OutOrStdout()
			printed := make(chan struct{})
			go func() {
				defer close(printed)
				for e := range events {
					if e.Kind() == event.KindLatencySample && !latency {
						continue
					}
					fmt.Fprintln(out, describe(e))
				}
			}()

			// retries run until max attempts or Ctrl+C
			s, err := openSession(ctx, cfg, bus, logger(cmd))
			if err != nil {
				cancel()
				<-printed
				return err
			}
			defer s.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "👀 Watching %s on %s (Ctrl+C to stop)\n", cfg.DocumentID, cfg.ServerURL)
			if err := s.coord.RequestFullSync(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  Initial sync failed: %v\n", err)
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&discover, "discover", false, "find the relay over mDNS instead of --url")
	cmd.Flags().DurationVar(&discoverTimeout, "discover-timeout", 3*time.Second, "how long to browse for relays")
	cmd.Flags().BoolVar(&latency, "latency", false, "also print every heartbeat round trip")
	return cmd
}
