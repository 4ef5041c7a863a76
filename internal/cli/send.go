package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"livesync/internal/event"
	"livesync/internal/models"
)

var errNoEdit = errors.New("nothing to send: pass --insert or --delete")

func newSendCmd() *cobra.Command {
	var (
		insert string
		del    int
		at     int
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Apply one edit to a document and wait for the relay to confirm it",
		Example: `  livesync send -d notes --insert "hello " --at 0
  livesync send -d notes --delete 6 --at 0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			edit, err := buildEdit(insert, cmd.Flags().Changed("insert"), del, at)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			bus := event.NewBus()
			results, cancel := bus.Channel(16, event.KindOperationConfirmed, event.KindOperationFailed, event.KindOperationTimeout)
			defer cancel()

			ctx, done := context.WithTimeout(cmd.Context(), cfg.Session.ConnectionTimeout+5*time.Second)
			defer done()
			s, err := openSession(ctx, cfg, bus, logger(cmd))
			if err != nil {
				return err
			}
			defer s.Close()

			op, err := s.coord.SendOperation(edit)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}

			wait := time.After(cfg.Session.OperationAckTimeout + time.Second)
			for {
				select {
				case e := <-results:
					switch ev := e.(type) {
					case event.OperationConfirmed:
						if ev.OperationID == op.ID {
							fmt.Fprintf(cmd.OutOrStdout(), "✓ %s confirmed at version %d\n", op.ID, ev.Version)
							return nil
						}
					case event.OperationFailed:
						if ev.OperationID == op.ID {
							return fmt.Errorf("relay rejected %s: [%s] %s", op.ID, ev.Code, ev.Message)
						}
					case event.OperationEvent:
						if ev.Operation.ID == op.ID {
							return fmt.Errorf("no acknowledgment for %s", op.ID)
						}
					}
				case <-wait:
					return fmt.Errorf("no acknowledgment for %s", op.ID)
				}
			}
		},
	}

	cmd.Flags().StringVar(&insert, "insert", "", "text to insert")
	cmd.Flags().IntVar(&del, "delete", 0, "number of characters to delete")
	cmd.Flags().IntVar(&at, "at", 0, "character offset of the edit")
	return cmd
}

// buildEdit turns the send flags into exactly one edit.
func buildEdit(insert string, insertSet bool, del, at int) (models.Edit, error) {
	switch {
	case at < 0:
		return models.Edit{}, fmt.Errorf("--at must not be negative, got %d", at)
	case insertSet && del > 0:
		return models.Edit{}, errors.New("--insert and --delete are mutually exclusive")
	case insertSet:
		if insert == "" {
			return models.Edit{}, errors.New("--insert needs text")
		}
		return models.Edit{Type: models.OpInsert, Position: at, Text: insert}, nil
	case del > 0:
		return models.Edit{Type: models.OpDelete, Position: at, Length: del}, nil
	case del < 0:
		return models.Edit{}, fmt.Errorf("--delete must be positive, got %d", del)
	}
	return models.Edit{}, errNoEdit
}
