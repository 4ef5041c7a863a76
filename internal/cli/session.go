package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"livesync/internal/config"
	"livesync/internal/coordinator"
	"livesync/internal/discovery"
	"livesync/internal/event"
	"livesync/internal/supervisor"
	"livesync/internal/transport/cable"
)

var errNoDocument = errors.New("no document: pass --document or set LIVESYNC_DOCUMENT")

// session is the client stack for one document: a cable client kept alive
// by a supervisor, with a coordinator sharing the supervisor's bus.
type session struct {
	sup   *supervisor.Supervisor
	coord *coordinator.Coordinator
	bus   *event.Bus
}

// openSession connects and joins both channels of cfg.DocumentID. Events
// start flowing on the returned bus as soon as it exists, so callers that
// want to see the handshake pass their own bus in.
//
// A failed first dial is not fatal while auto-reconnect is on: openSession
// keeps waiting through the supervisor's retries until it connects, gives
// up after MaxReconnectAttempts, or ctx ends.
func openSession(ctx context.Context, cfg *config.Config, bus *event.Bus, logger *log.Logger) (*session, error) {
	if cfg.DocumentID == "" {
		return nil, errNoDocument
	}
	if bus == nil {
		bus = event.NewBus()
	}
	user := identity(cfg)

	client := cable.NewClient(cable.Options{
		URL:    cfg.ServerURL,
		Token:  cfg.Token,
		User:   user,
		Logger: logger,
	})
	sup := supervisor.New(client, cfg.Session, bus, supervisor.Options{Logger: logger})
	coord := coordinator.New(client, coordinator.Options{
		DocumentID: cfg.DocumentID,
		User:       user,
		Config:     cfg.Session,
		Bus:        bus,
		Connection: sup,
		Logger:     logger,
	})
	s := &session{sup: sup, coord: coord, bus: bus}

	outcome, stop := bus.Channel(4, event.KindConnectionEstablished, event.KindMaxAttemptsReached)
	defer stop()

	if err := sup.Connect(ctx); err != nil {
		if !cfg.Session.AutoReconnect {
			s.Close()
			return nil, fmt.Errorf("connect %s: %w", cfg.ServerURL, err)
		}
		logger.Printf("⚠️  Connect to %s failed, retrying: %v", cfg.ServerURL, err)
		if err := awaitConnection(ctx, outcome); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect %s: %w", cfg.ServerURL, err)
		}
	}
	if err := coord.Initialize(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("join %s: %w", cfg.DocumentID, err)
	}
	return s, nil
}

// awaitConnection blocks until the supervisor reports the outcome of its
// reconnect attempts.
func awaitConnection(ctx context.Context, outcome <-chan event.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-outcome:
			if !ok {
				return supervisor.ErrConnectAborted
			}
			switch e.(type) {
			case event.ConnectionEstablished:
				return nil
			case event.MaxAttemptsReached:
				return supervisor.ErrMaxAttempts
			}
		}
	}
}

func (s *session) Close() {
	_ = s.coord.Close()
	_ = s.sup.Disconnect()
}

// discoverURL browses the LAN for relays and returns the first one found.
func discoverURL(ctx context.Context, timeout time.Duration) (string, error) {
	relays, err := discovery.Browse(ctx, timeout)
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", fmt.Errorf("no relay found on the local network within %s", timeout)
	}
	return relays[0].URL, nil
}
