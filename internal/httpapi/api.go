// Package httpapi is the REST and streaming surface: hypermedia endpoints,
// NDJSON selector streaming, SSE notification delivery, and the append API.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/evently-cloud/evently/internal/auth"
	"github.com/evently-cloud/evently/internal/ledger"
	"github.com/evently-cloud/evently/internal/notify"
	"github.com/evently-cloud/evently/internal/registry"
	"github.com/evently-cloud/evently/internal/source"
	"github.com/evently-cloud/evently/internal/store"
)

// API bundles the handler dependencies.
type API struct {
	Ledgers  *ledger.Service
	Registry *registry.Service
	Source   *source.Source
	Store    *store.Store
	Hub      *notify.Hub
	Health   func(r *http.Request) error
	Log      zerolog.Logger

	validate *validator.Validate
}

// Router assembles the chi router with the full route table and middleware
// stack.
func (a *API) Router() http.Handler {
	a.validate = validator.New()

	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"Content-Location", "Last-Event-ID", "Link", "Location",
			"Preference-Applied", "Profile", "WWW-Authenticate",
		},
	}))

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.Get("/", a.handleRoot)

		r.Route("/ledgers", func(r chi.Router) {
			r.Use(a.requireRole(auth.RoleAdmin))
			r.Get("/", a.handleListLedgers)
			r.Post("/create-ledger", a.handleCreateLedger)
			r.Route("/{ledger}", func(r chi.Router) {
				r.Get("/", a.handleGetLedger)
				r.Delete("/", a.handleRemoveLedger)
				r.Post("/reset", a.handleResetLedger)
				r.Post("/download", a.handleDownloadLookup)
				r.Head("/download/{select}.ndjson", a.handleDownloadHead)
				r.Get("/download/{select}.ndjson", a.handleDownloadGet)
			})
		})

		r.Route("/registry", func(r chi.Router) {
			r.Use(a.requireRole(auth.RoleRegistrar))
			r.Get("/", a.handleRegistryIndex)
			r.Get("/register-event", a.handleRegisterEventForm)
			r.Post("/register-event", a.handleRegisterEvent)
			r.Get("/events", a.handleRegistryEvents)
			r.Get("/events/{event}", a.handleRegistryEvent)
			r.Delete("/events/{event}", a.handleDeleteEvent)
			r.Get("/entities", a.handleRegistryEntities)
			r.Get("/entities/{entity}", a.handleRegistryEntity)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireRole(auth.RoleReader))
			r.Post("/selectors", a.handleSelectorLookup)
			r.Head("/selectors/{select}.ndjson", a.handleSelectorHead)
			r.Get("/selectors/{select}.ndjson", a.handleSelectorGet)
		})

		r.With(a.requireRole(auth.RoleAppender)).Post("/append", a.handleAppend)

		r.Route("/notify", func(r chi.Router) {
			r.Use(a.requireRole(auth.RoleClient))
			r.Get("/", a.handleNotifyIndex)
			r.Post("/open-channel", a.handleOpenChannel)
			r.Route("/{channel}", func(r chi.Router) {
				r.Get("/", a.handleGetChannel)
				r.Delete("/", a.handleCloseChannel)
				r.Get("/sse", a.handleSSE)
				r.Post("/subscribe", a.handleSubscribe)
				r.Get("/subscriptions/{subscription}", a.handleGetSubscription)
				r.Delete("/subscriptions/{subscription}", a.handleUnsubscribe)
			})
		})
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.Health != nil {
		if err := a.Health(r); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	links := halLinks{"self": halLink{Href: "/"}}
	if claims.Has(auth.RoleAdmin) {
		links["ledgers"] = halLink{Href: "/ledgers"}
	}
	if claims.Has(auth.RoleRegistrar) {
		links["registry"] = halLink{Href: "/registry"}
	}
	if claims.Has(auth.RoleReader) {
		links["selectors"] = halLink{Href: "/selectors"}
	}
	if claims.Has(auth.RoleAppender) {
		links["append"] = halLink{Href: "/append"}
	}
	if claims.Has(auth.RoleClient) {
		links["notifications"] = halLink{Href: "/notify"}
	}
	a.writeHAL(w, http.StatusOK, hal{"_links": links})
}
