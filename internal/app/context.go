package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"khata/internal/aggregate"
	"khata/internal/config"
	"khata/internal/db"
	"khata/internal/engine"
	"khata/internal/events"
	"khata/internal/migrate"
	"khata/internal/notify"
	"khata/internal/repo"
)

// App is the wired set of components for one workspace.
type App struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Feed       *events.Feed
	Engine     engine.Engine
	Aggregator *aggregate.Aggregator
	Log        zerolog.Logger
}

// Open opens and migrates the workspace database and wires the store,
// change feed, engine and aggregator together.
func Open(workspace string, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.New(conn, log.With().Str("component", "store").Logger())
	feed := events.NewFeed(r, cfg.Aggregation.PollInterval.Std(), log.With().Str("component", "feed").Logger())
	r.AfterCommit = feed.Notify
	a := &App{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Repo:      r,
		Feed:      feed,
		Engine:    engine.New(r, cfg, log.With().Str("component", "engine").Logger()),
		Log:       log,
	}
	a.Aggregator = aggregate.New(r, feed, cfg.Lease.TTL.Std(), cfg.Aggregation.RepairInterval.Std(),
		log.With().Str("component", "aggregate").Logger())
	return a, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Relay builds the event relay for the configured webhooks and broker.
// The returned close func releases the broker connection.
func (a *App) Relay() (*notify.Relay, func(), error) {
	var sinks []notify.Sink
	for _, hook := range a.Config.Webhooks {
		sinks = append(sinks, notify.NewWebhookSink(hook, a.Config.Project.ID))
	}
	closeFn := func() {}
	if b := a.Config.Broker; b.URL != "" {
		sink, err := notify.DialAMQP(b.URL, b.Exchange, b.RoutingKey, b.Queue, a.Log.With().Str("component", "amqp").Logger())
		if err != nil {
			return nil, nil, fmt.Errorf("broker: %w", err)
		}
		sinks = append(sinks, sink)
		closeFn = func() { sink.Close() }
	}
	relay := &notify.Relay{
		Feed:  a.Feed,
		Start: a.Repo.LatestEventID,
		Sinks: sinks,
		Log:   a.Log.With().Str("component", "relay").Logger(),
	}
	return relay, closeFn, nil
}

// Background starts the aggregator and relay and returns once both are
// running. They stop when ctx is done.
func (a *App) Background(ctx context.Context) (func(), error) {
	if err := a.Aggregator.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("initial aggregation: %w", err)
	}
	relay, closeRelay, err := a.Relay()
	if err != nil {
		return nil, err
	}
	go func() {
		if err := a.Aggregator.Run(ctx); err != nil {
			a.Log.Error().Err(err).Msg("aggregator stopped")
		}
	}()
	go func() {
		if err := relay.Run(ctx); err != nil {
			a.Log.Error().Err(err).Msg("relay stopped")
		}
	}()
	return closeRelay, nil
}
