// Package engine implements the Admission & Budget Engine (ABE): the
// core admission protocol between the HTTP surface and the Task Broker.
package engine

import (
	"log/slog"
	"time"

	"github.com/privacytap/dpquery/internal/broker"
	"github.com/privacytap/dpquery/internal/cache"
	"github.com/privacytap/dpquery/internal/dpbackend"
	"github.com/privacytap/dpquery/internal/dummy"
	"github.com/privacytap/dpquery/internal/repository"
	"github.com/privacytap/dpquery/internal/timingshaper"
)

// Engine is constructed once per process with explicit dependencies — no
// package-level globals except the DBR registry it is handed, which is
// itself immutable after startup.
type Engine struct {
	admin    repository.AdminStore
	catalog  repository.CatalogStore
	dcc      *cache.DCC
	registry *dpbackend.Registry
	broker   broker.Broker
	dg       dummy.Generator
	shaper   timingshaper.Shaper
	logger   *slog.Logger

	submitLimit     int
	casMaxRetries   int
	replyTimeout    time.Duration
	inFlightTickets chan struct{}
}

// Deps bundles Engine's constructor dependencies.
type Deps struct {
	Admin    repository.AdminStore
	Catalog  repository.CatalogStore
	DCC      *cache.DCC
	Registry *dpbackend.Registry
	Broker   broker.Broker
	DG       dummy.Generator
	Shaper   timingshaper.Shaper
	Logger   *slog.Logger

	SubmitLimit   int
	CASMaxRetries int
	ReplyTimeout  time.Duration
}

func New(d Deps) *Engine {
	if d.ReplyTimeout <= 0 {
		d.ReplyTimeout = 30 * time.Second
	}
	return &Engine{
		admin:           d.Admin,
		catalog:         d.Catalog,
		dcc:             d.DCC,
		registry:        d.Registry,
		broker:          d.Broker,
		dg:              d.DG,
		shaper:          d.Shaper,
		logger:          d.Logger.With("component", "engine"),
		submitLimit:     d.SubmitLimit,
		casMaxRetries:   d.CASMaxRetries,
		replyTimeout:    d.ReplyTimeout,
		inFlightTickets: make(chan struct{}, d.SubmitLimit),
	}
}
