// Package app wires the sync service together and maps failures to process
// exit codes.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/checkpoint"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/httpapi"
	"github.com/Martian-dev/mailsync/internal/logging"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/registry"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitStartup     = 1
	ExitFatal       = 2
	ExitUnreachable = 3
)

// ExitError carries the exit code for err.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func exitErr(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ExitCode maps err to a process exit code. Errors without an ExitError in
// their chain are unhandled failures.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitFatal
}

// App owns every long-lived component of the service.
type App struct {
	cfg       *config.Config
	log       logging.Logger
	store     *store.Store
	scheduler *mailsync.Scheduler
	relay     *natsjs.Relay
	publisher *natsjs.Publisher
	api       *httpapi.Server
}

type Option func(*options)

type options struct {
	fetcher mailsync.Fetcher
	now     func() time.Time
}

// WithFetcher replaces the provider selected by the configuration.
func WithFetcher(f mailsync.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds the service from cfg. Startup failures carry ExitStartup, a
// remote client that cannot be constructed carries ExitUnreachable.
func New(ctx context.Context, cfg *config.Config, log logging.Logger, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, exitErr(ExitStartup, "open store: %w", err)
	}
	a := &App{cfg: cfg, log: log, store: st}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher, err = newFetcher(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, exitErr(ExitUnreachable, "create %s client: %w", cfg.Provider, err)
		}
	}

	cps := checkpoint.New(st, checkpoint.WithClock(o.now))
	cp, err := cps.Load(ctx)
	if err != nil {
		a.Close()
		return nil, exitErr(ExitStartup, "load checkpoint: %w", err)
	}
	log.Info(ctx, "checkpoint loaded", "last_sync_tick", cp.LastSyncTick, "first_run", cp.FirstRun)

	reg := registry.New(cfg.Mailboxes, registry.Policy{
		PollInterval:    cfg.PollInterval,
		BackoffInterval: cfg.BackoffInterval,
		StartupGrace:    cfg.StartupGrace,
	}, o.now())
	reg.SetStrict(cfg.Debug)

	worker := mailsync.NewWorker(fetcher, st, log,
		mailsync.WithPageSizeCap(cfg.PageSizeCap),
		mailsync.WithCallTimeout(cfg.ServerTimeout),
		mailsync.WithWorkerClock(o.now),
	)

	var notifier mailsync.Notifier = st
	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			a.Close()
			return nil, exitErr(ExitStartup, "connect notifier: %w", err)
		}
		a.publisher = pub
		if err := pub.EnsureStream(ctx); err != nil {
			a.Close()
			return nil, exitErr(ExitStartup, "ensure stream: %w", err)
		}
		notifier = natsjs.NewNotifier(st)
		a.relay = natsjs.NewRelay(st, pub, log)
	}

	a.scheduler = mailsync.NewScheduler(reg, cps, worker, log, mailsync.SchedulerConfig{
		TickInterval:  cfg.TickInterval,
		MaxConcurrent: cfg.MaxConcurrent,
		Lookback:      cfg.Lookback(),
	}, mailsync.WithClock(o.now), mailsync.WithNotifier(notifier))

	if cfg.HTTPAddr != "" {
		if !cfg.Debug {
			gin.SetMode(gin.ReleaseMode)
		}
		var verifier httpapi.Verifier
		if cfg.JWKSURL != "" {
			v, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL)
			if err != nil {
				a.Close()
				return nil, exitErr(ExitStartup, "load JWKS: %w", err)
			}
			verifier = v
		}
		a.api = httpapi.New(a.scheduler, st, verifier, log)
	}
	return a, nil
}

func newFetcher(ctx context.Context, cfg *config.Config) (mailsync.Fetcher, error) {
	body := mailsync.BodyOptions{Include: cfg.IncludePartialBody, MaxLength: cfg.PartialBodyLength}
	creds := auth.Credentials{
		TenantID:     cfg.GraphTenantID,
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
		AccessToken:  cfg.GraphAccessToken,
		BrokerURL:    cfg.TokenBrokerURL,
		BrokerJWT:    cfg.TokenBrokerJWT,
	}

	switch cfg.Provider {
	case config.ProviderGmail:
		gc := gmail.Config{Body: body}
		if cfg.GmailCredentialsFile != "" {
			data, err := os.ReadFile(cfg.GmailCredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("read gmail credentials: %w", err)
			}
			gc.CredentialsJSON = data
		} else {
			ts, err := creds.TokenSource(ctx, auth.ProviderGoogle)
			if err != nil {
				return nil, err
			}
			gc.TokenSource = ts
		}
		return gmail.New(gc)
	default:
		ts, err := creds.TokenSource(ctx, auth.ProviderMicrosoft)
		if err != nil {
			return nil, err
		}
		return outlook.New(outlook.Config{Credential: outlook.NewCredential(ts), Body: body})
	}
}

// Scheduler exposes the scheduler for callers that drive cycles directly.
func (a *App) Scheduler() *mailsync.Scheduler {
	return a.scheduler
}

// Run serves until ctx is cancelled or the scheduler stops fatally. A fatal
// scheduler error carries ExitFatal.
func (a *App) Run(ctx context.Context) error {
	a.log.Info(ctx, "starting mailsync", a.cfg.Summary()...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.scheduler.Run(gctx); err != nil {
			return exitErr(ExitFatal, "scheduler: %w", err)
		}
		return nil
	})
	if a.relay != nil {
		g.Go(func() error { return a.relay.Run(gctx) })
	}
	if a.api != nil {
		g.Go(func() error {
			if err := a.api.ListenAndServe(gctx, a.cfg.HTTPAddr); err != nil {
				return exitErr(ExitStartup, "ops API: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	if err != nil {
		a.log.Error(ctx, "mailsync stopped", "error", err)
	} else {
		a.log.Info(ctx, "mailsync stopped")
	}
	return err
}

// Close releases the store and the message bus connection.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn(context.Background(), "close store", "error", err)
		}
	}
}
