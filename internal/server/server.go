// Package server wires the authorization components behind the HTTP surface.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"copyforge/backend/internal/audit"
	"copyforge/backend/internal/billing"
	"copyforge/backend/internal/docstore"
	"copyforge/backend/internal/envelope"
	"copyforge/backend/internal/gate"
	"copyforge/backend/internal/policy"
	"copyforge/backend/internal/ratelimit"
	"copyforge/backend/internal/session"
)

// maxBodyBytes bounds request bodies; nothing this service accepts is large.
const maxBodyBytes = 64 << 10

// Server holds the handlers' dependencies.
type Server struct {
	env      *envelope.Envelope
	gate     *gate.Gate
	sessions *session.Manager
	billing  *billing.Processor
	policies *policy.Evaluator
	store    docstore.Store
	auditLog *audit.Logger
}

// New returns a Server over the given components.
func New(env *envelope.Envelope, g *gate.Gate, sessions *session.Manager, billingProc *billing.Processor, policies *policy.Evaluator, store docstore.Store, auditLog *audit.Logger) *Server {
	return &Server{
		env:      env,
		gate:     g,
		sessions: sessions,
		billing:  billingProc,
		policies: policies,
		store:    store,
		auditLog: auditLog,
	}
}

// Router builds the route table. Every route except /healthz runs behind the
// gate; the gate also owns preflight and the method guard, so routes register
// without mux method matchers.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/auth", s.gate.Wrap(gate.Requirements{
		Methods:   []string{http.MethodPost},
		RateScope: ratelimit.ScopeAuthFailure,
	}, http.HandlerFunc(s.handleAuth)))

	r.Handle("/api/generate", s.gate.Wrap(gate.Requirements{
		Methods:             []string{http.MethodPost},
		RequireSession:      true,
		RequireCSRF:         true,
		RequireSubscription: true,
	}, http.HandlerFunc(s.handleGenerate)))

	r.Handle("/api/me", s.gate.Wrap(gate.Requirements{
		Methods:        []string{http.MethodGet},
		RequireSession: true,
	}, http.HandlerFunc(s.handleMe)))

	r.Handle("/webhooks/billing", s.gate.Wrap(gate.Requirements{
		Methods:   []string{http.MethodPost},
		RateScope: ratelimit.ScopeWebhook,
	}, http.HandlerFunc(s.handleBillingWebhook)))

	r.Handle("/admin/incidents", s.gate.Wrap(gate.Requirements{
		Methods:        []string{http.MethodGet},
		RequireSession: true,
		RequireAdmin:   true,
	}, http.HandlerFunc(s.handleIncidents)))

	r.HandleFunc("/healthz", s.handleHealthz)

	return otelhttp.NewHandler(limitBody(r), "copyforge")
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
