package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/freva-org/freva-rest/internal/common"
	"github.com/freva-org/freva-rest/internal/handlers"
	"github.com/freva-org/freva-rest/internal/services/auth"
	"github.com/freva-org/freva-rest/internal/services/flavour"
	"github.com/freva-org/freva-rest/internal/services/search"
	"github.com/freva-org/freva-rest/internal/services/stac"
	"github.com/freva-org/freva-rest/internal/services/stats"
	"github.com/freva-org/freva-rest/internal/services/zarr"
	"github.com/freva-org/freva-rest/internal/storage/mongo"
	"github.com/freva-org/freva-rest/internal/storage/redis"
)

// ErrAuthSetup marks a failure to reach the OIDC provider at startup.
// The CLI maps it onto its own exit code.
var ErrAuthSetup = errors.New("auth setup failed")

// startupTimeout bounds the back-end connection attempts during New.
const startupTimeout = 30 * time.Second

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage back-ends
	Cache *redis.Client
	Store *mongo.Store

	// Domain services
	Registry     *flavour.Registry
	SearchClient *search.Client
	UserData     *search.UserData
	Broker       *zarr.Broker
	Mediator     *auth.Mediator
	Stac         *stac.Service
	Stats        *stats.Recorder

	// HTTP handlers
	APIHandler         *handlers.APIHandler
	AuthHandler        *handlers.AuthHandler
	DatabrowserHandler *handlers.DatabrowserHandler
	ZarrHandler        *handlers.ZarrHandler
	StacHandler        *handlers.StacHandler
}

// New creates the application: storage first, then services, then the
// handlers that expose them.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	// Services get their own snapshot so later flag twiddling on the
	// caller's copy cannot race a request.
	a := &App{
		Config: common.DeepCloneConfig(cfg),
		Logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	if err := a.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.initServices(ctx); err != nil {
		return nil, err
	}
	a.initHandlers()

	return a, nil
}

// initStorage connects the back-ends the enabled services need. Mongo
// backs statistics, user flavours and user-data metadata; Redis backs the
// zarr broker.
func (a *App) initStorage(ctx context.Context) error {
	cfg := a.Config

	if cfg.ServiceEnabled(common.ServiceDatabrowser) || cfg.ServiceEnabled(common.ServiceStacAPI) {
		store, err := mongo.Connect(ctx, cfg, a.Logger)
		if err != nil {
			return fmt.Errorf("connect statistics database: %w", err)
		}
		a.Store = store
	}

	if cfg.ServiceEnabled(common.ServiceZarrStream) {
		cache, err := redis.Open(ctx, cfg, a.Logger)
		if err != nil {
			return fmt.Errorf("connect cache: %w", err)
		}
		a.Cache = cache
	}
	return nil
}

func (a *App) initServices(ctx context.Context) error {
	cfg := a.Config

	// Auth mediation runs whenever a provider is configured; the rest of
	// the services fall back to anonymous access without it.
	if cfg.OIDC.DiscoveryURL != "" {
		mediator, err := auth.NewMediator(cfg, a.Logger)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthSetup, err)
		}
		if _, err := mediator.Discover(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrAuthSetup, err)
		}
		a.Mediator = mediator
	} else {
		a.Logger.Warn().Msg("No OIDC provider configured, authenticated routes are disabled")
	}

	a.SearchClient = search.NewClient(cfg, a.Logger)

	if a.Store != nil {
		a.Registry = flavour.NewRegistry(a.Store, a.Logger)
		if err := a.Registry.Refresh(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Could not load user flavours, continuing with built-ins")
		}
		a.UserData = search.NewUserData(a.SearchClient, a.Store, a.Logger)
	} else {
		a.Registry = flavour.NewRegistry(nil, a.Logger)
		a.UserData = search.NewUserData(a.SearchClient, nil, a.Logger)
	}

	if a.Cache != nil {
		a.Broker = zarr.NewBroker(cfg, a.Cache, a.Logger)
	}

	if cfg.ServiceEnabled(common.ServiceStacAPI) {
		a.Stac = stac.NewService(cfg, a.SearchClient, a.Logger)
	}

	if a.Store != nil {
		a.Stats = stats.NewRecorder(a.Store, a.Logger)
	} else {
		a.Stats = stats.NewRecorder(nil, a.Logger)
	}
	a.Stats.Start()

	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler()

	var validator handlers.TokenValidator
	if a.Mediator != nil {
		validator = a.Mediator
		a.AuthHandler = handlers.NewAuthHandler(a.Config, a.Mediator)
	}

	var publisher search.ZarrPublisher
	if a.Broker != nil {
		publisher = a.Broker
		a.ZarrHandler = handlers.NewZarrHandler(a.Broker, validator)
	}

	if a.Config.ServiceEnabled(common.ServiceDatabrowser) {
		a.DatabrowserHandler = handlers.NewDatabrowserHandler(
			a.Config, a.Registry, a.SearchClient, a.UserData, publisher, validator, a.Stats)
	}
	if a.Stac != nil {
		a.StacHandler = handlers.NewStacHandler(a.Stac, a.Stats)
	}
}

// Close tears the application down in reverse construction order.
func (a *App) Close() error {
	var errs []error

	if a.Stats != nil {
		a.Stats.Close()
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close statistics database: %w", err))
		}
		cancel()
	}

	return errors.Join(errs...)
}
