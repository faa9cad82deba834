package api

import (
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/go-chi/chi/v5"

	"github.com/dbhive/dbhive/internal/api/handler"
	"github.com/dbhive/dbhive/internal/api/middleware"
	"github.com/dbhive/dbhive/internal/project"
)

// ServiceRouter combines the routing surfaces the API exposes.
type ServiceRouter interface {
	handler.QueryRouter
	handler.StatsSource
}

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	DBPinger     handler.DBPinger
	Version      string
	Provisioner  handler.Provisioner
	Repo         project.Repository
	Router       ServiceRouter
	Migrator     handler.Migrator
	AdminKeyHash string
}

// NewRouter creates and configures a Chi router with all middleware and routes.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(chimiddleware.Logger)

	adminOnly := middleware.AdminKey(deps.AdminKeyHash)

	healthHandler := handler.NewHealthHandler(deps.DBPinger, deps.Version)
	r.Get("/health", healthHandler.ServeHTTP)

	projectHandler := handler.NewProjectHandler(deps.Provisioner, deps.Repo)
	queryHandler := handler.NewQueryHandler(deps.Router)
	statsHandler := handler.NewStatsHandler(deps.Router)
	migrateHandler := handler.NewMigrateHandler(deps.Migrator, deps.Repo)

	r.Route("/projects", func(r chi.Router) {
		r.With(adminOnly).Post("/", projectHandler.Create)
		r.Get("/", projectHandler.List)
		r.Get("/{ref}", projectHandler.Get)
		r.With(adminOnly).Delete("/{ref}", projectHandler.Delete)
		r.Post("/{ref}/query", queryHandler.Query)
		r.Get("/{ref}/pool", statsHandler.ProjectPool)
		r.With(adminOnly).Post("/{ref}/migrate", migrateHandler.Migrate)
	})

	r.Get("/pools", statsHandler.AllPools)
	r.Get("/ratelimits/{key}", statsHandler.RateLimit)

	return r
}
