// Package app assembles the multisig authorization layer: stores, the
// account registry, the policy store, the operation lifecycle engine, the
// integration adapters and the background sweeper, all under one lifecycle
// manager.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/StellarGuilds/multisig_layer/internal/domain/multisig"
	"github.com/StellarGuilds/multisig_layer/internal/events"
	"github.com/StellarGuilds/multisig_layer/internal/services/governance"
	"github.com/StellarGuilds/multisig_layer/internal/services/lifecycle"
	"github.com/StellarGuilds/multisig_layer/internal/services/policy"
	"github.com/StellarGuilds/multisig_layer/internal/services/registry"
	"github.com/StellarGuilds/multisig_layer/internal/services/sweeper"
	"github.com/StellarGuilds/multisig_layer/internal/services/treasury"
	"github.com/StellarGuilds/multisig_layer/internal/storage"
	"github.com/StellarGuilds/multisig_layer/internal/storage/memory"
	"github.com/StellarGuilds/multisig_layer/internal/system"
	"github.com/StellarGuilds/multisig_layer/pkg/logger"
)

// Stores carries the persistence backends. Nil fields default to a shared
// in-memory store.
type Stores struct {
	Accounts   storage.AccountStore
	Policies   storage.PolicyStore
	Operations storage.OperationStore
}

// Options configures the application assembly.
type Options struct {
	Stores Stores

	// Clock defaults to the system clock in UTC.
	Clock multisig.Clock

	// Publisher receives lifecycle events in addition to the in-process bus
	// (e.g. the Redis mirror). Optional.
	Publisher events.Publisher

	// TreasuryModule and GovernanceModule are the consuming collaborators.
	// Nil modules leave the adapters authorization-only.
	TreasuryModule   treasury.Module
	GovernanceModule governance.Module

	// SweepInterval is the fixed sweeper cadence; SweepSchedule, when set,
	// is a cron expression that takes precedence.
	SweepInterval time.Duration
	SweepSchedule string

	Logger *logger.Logger
}

// Application ties the domain services together and manages their lifecycle.
type Application struct {
	log     *logger.Logger
	manager *system.Manager

	Bus        *events.Bus
	Registry   *registry.Service
	Policies   *policy.Service
	Lifecycle  *lifecycle.Engine
	Treasury   *treasury.Adapter
	Governance *governance.Adapter
	Sweeper    *sweeper.Sweeper
}

// New wires the application. Missing stores default to one shared in-memory
// store so the account, policy and operation records stay consistent with
// each other.
func New(opts Options) (*Application, error) {
	log := opts.Logger
	if log == nil {
		log = logger.NewDefault("multisig-layer")
	}

	stores := opts.Stores
	if stores.Accounts == nil || stores.Policies == nil || stores.Operations == nil {
		mem := memory.New()
		if stores.Accounts == nil {
			stores.Accounts = mem
		}
		if stores.Policies == nil {
			stores.Policies = mem
		}
		if stores.Operations == nil {
			stores.Operations = mem
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = multisig.SystemClock{}
	}

	bus := events.NewBus()
	var publisher events.Publisher = bus
	if opts.Publisher != nil {
		publisher = events.Fanout{bus, opts.Publisher}
	}

	engine := lifecycle.New(stores.Accounts, stores.Policies, stores.Operations, clock, publisher, log.Named("lifecycle"))

	app := &Application{
		log:        log,
		manager:    system.NewManager(),
		Bus:        bus,
		Registry:   registry.New(stores.Accounts, clock, publisher, log.Named("registry")),
		Policies:   policy.New(stores.Accounts, stores.Policies, clock, log.Named("policy")),
		Lifecycle:  engine,
		Treasury:   treasury.New(engine, opts.TreasuryModule, log.Named("treasury")),
		Governance: governance.New(engine, opts.GovernanceModule, log.Named("governance")),
		Sweeper:    sweeper.New(engine, opts.SweepInterval, opts.SweepSchedule, log.Named("sweeper")),
	}

	for _, name := range []string{"registry", "policy", "lifecycle"} {
		if err := app.manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}
	if err := app.manager.Register(app.Sweeper); err != nil {
		return nil, fmt.Errorf("register sweeper: %w", err)
	}

	return app, nil
}

// Attach registers an extra lifecycle-managed service before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start brings up all registered services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.log.Info("multisig layer started")
	return nil
}

// Stop brings down all registered services in reverse order.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	if err == nil {
		a.log.Info("multisig layer stopped")
	}
	return err
}
