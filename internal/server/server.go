// Package server is the thin fiber HTTP/WS surface over the core. spec.md
// §1 treats routing, auth token issuance, and the public API itself as
// external collaborators; this package exists only so the core components
// are reachable and the module is runnable end to end.
package server

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"crashcore/internal/cache"
	"crashcore/internal/config"
	"crashcore/internal/coordinator"
	"crashcore/internal/database"
	"crashcore/internal/engine"
	"crashcore/internal/ledger"
	"crashcore/internal/payments"
	"crashcore/internal/seedstore"
)

// FiberServer bundles the fiber app with every collaborator the HTTP surface
// dispatches to.
type FiberServer struct {
	*fiber.App

	db          database.Service
	cache       cache.Service
	engine      *engine.Engine
	hub         *engine.Hub
	ledger      *ledger.Ledger
	coordinator *coordinator.Coordinator
	payments    *payments.Reconciler
	seeds       *seedstore.Store
	cfg         *config.Config
	logger      *slog.Logger
}

// Deps bundles every collaborator New needs, avoiding a long positional
// constructor signature as the wiring has grown past what the teacher's
// single-field FiberServer needed.
type Deps struct {
	DB          database.Service
	Cache       cache.Service
	Engine      *engine.Engine
	Hub         *engine.Hub
	Ledger      *ledger.Ledger
	Coordinator *coordinator.Coordinator
	Payments    *payments.Reconciler
	Seeds       *seedstore.Store
	Config      *config.Config
	Logger      *slog.Logger
}

// New builds the FiberServer and registers its routes.
func New(d Deps) *FiberServer {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader: "crashcore",
			AppName:      "crashcore",
		}),
		db:          d.DB,
		cache:       d.Cache,
		engine:      d.Engine,
		hub:         d.Hub,
		ledger:      d.Ledger,
		coordinator: d.Coordinator,
		payments:    d.Payments,
		seeds:       d.Seeds,
		cfg:         d.Config,
		logger:      d.Logger,
	}
	s.RegisterFiberRoutes()
	return s
}
