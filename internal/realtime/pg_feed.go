package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"chatsync/internal/observability"
)

// PGFeed turns Postgres NOTIFY payloads written by row-change triggers into Changes.
type PGFeed struct {
	*Dispatcher
	listener *pq.Listener
	log      zerolog.Logger
}

// NewPGFeed opens a dedicated listener connection on channel.
func NewPGFeed(dsn string, channel string, logger zerolog.Logger) (*PGFeed, error) {
	logger = logger.With().Str("component", "pg_feed").Logger()
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Int("event", int(ev)).Msg("listener problem")
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, err
	}
	return &PGFeed{Dispatcher: NewDispatcher(), listener: listener, log: logger}, nil
}

// Run pumps notifications until ctx is cancelled.
func (f *PGFeed) Run(ctx context.Context) {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// nil is sent after the listener re-established its connection
				f.log.Info().Msg("listener reconnected")
				continue
			}
			var change Change
			if err := json.Unmarshal([]byte(n.Extra), &change); err != nil {
				f.log.Warn().Err(err).Msg("malformed change payload")
				continue
			}
			observability.IncChange(change.Table, string(change.Op))
			f.Dispatch(change)
		case <-ping.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.log.Warn().Err(err).Msg("listener ping failed")
				}
			}()
		}
	}
}

// Close releases the listener connection.
func (f *PGFeed) Close() error {
	return f.listener.Close()
}
