// Package server wires the four wire surfaces (A2A JSON-RPC, MCP, REST,
// OpenAI-compatible chat) plus discovery and operational endpoints onto one
// chi router, all dispatching into the shared skill layer.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/attestry/proofgate/go/events"
	"github.com/attestry/proofgate/go/fault"
	"github.com/attestry/proofgate/go/flow"
	"github.com/attestry/proofgate/go/kv"
	"github.com/attestry/proofgate/go/payment"
	"github.com/attestry/proofgate/go/router"
	"github.com/attestry/proofgate/go/skills"
	"github.com/attestry/proofgate/go/taskstore"
	"github.com/attestry/proofgate/go/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"
	"github.com/tmc/langchaingo/llms"
)

// Config carries the server's public identity and route options.
type Config struct {
	BaseURL     string
	SignPageURL string
	CORSOrigins []string

	AgentName        string
	AgentDescription string
	AgentVersion     string

	// ERC-8004 identity reference emitted in discovery documents.
	IdentityContract string
	IdentityChainID  int64
	IdentityTokenID  int64
}

// Server is the assembled gateway.
type Server struct {
	cfg    Config
	kv     kv.Store
	skills *skills.Skills
	tasks  *taskstore.Store
	bus    *events.Bus
	router *router.Router
	flows  *flow.Orchestrator
	worker *worker.Worker
	gate   *payment.Gate
	model  llms.Model
}

// New assembles a Server. |model| may be nil, disabling text routing and the
// chat surface's tool loop.
func New(cfg Config, store kv.Store, sk *skills.Skills, tasks *taskstore.Store,
	bus *events.Bus, rt *router.Router, flows *flow.Orchestrator,
	wk *worker.Worker, gate *payment.Gate, model llms.Model) *Server {
	if cfg.AgentName == "" {
		cfg.AgentName = "proofgate"
	}
	if cfg.AgentVersion == "" {
		cfg.AgentVersion = "1.0.0"
	}
	return &Server{
		cfg:    cfg,
		kv:     store,
		skills: sk,
		tasks:  tasks,
		bus:    bus,
		router: rt,
		flows:  flows,
		worker: wk,
		gate:   gate,
		model:  model,
	}
}

// Routes builds the full route tree.
func (s *Server) Routes() chi.Router {
	var r = chi.NewRouter()
	r.Use(requestLogger)
	r.Use(metricsMiddleware)

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metricsHandler())

	// Discovery.
	r.Get("/.well-known/agent.json", s.handleAgentCard)
	r.Get("/.well-known/agent-card.json", s.handleAgentCard)
	r.Get("/.well-known/oasf.json", s.handleOASF)
	r.Get("/.well-known/mcp.json", s.handleMCPDiscovery)

	// A2A JSON-RPC.
	r.With(s.gate.A2A).Post("/a2a", s.handleA2A)

	// MCP StreamableHTTP.
	r.With(s.gate.MCP).Post("/mcp", s.handleMCP)
	r.Get("/mcp", methodNotAllowed)
	r.Delete("/mcp", methodNotAllowed)

	// OpenAI-compatible chat.
	r.With(s.gate.Chat).Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/v1/models", s.handleModels)

	// REST.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/circuits", s.handleCircuits)
		r.Post("/signing", s.handleRequestSigning)
		r.Get("/signing/{id}/status", s.handleSigningStatus)
		r.Post("/signing/{id}/payment", s.handleRequestPayment)
		r.Post("/signing/{id}/complete", s.handleCompleteSigning)
		r.With(s.gate.REST).Post("/proofs", s.handleGenerateProof)
		r.Post("/proofs/verify", s.handleVerifyProof)
		r.Get("/verify/{proofId}", s.handleVerifyStored)
		r.Post("/flow", s.handleCreateFlow)
		r.Get("/flow/{id}", s.handleGetFlow)
		r.Get("/flow/{id}/events", s.handleFlowEvents)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.kv.Ping(r.Context()); err != nil {
		log.WithField("err", err).Warn("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "degraded", "kv": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// writeJSON serializes |body| with |status|.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Warn("writing response failed")
	}
}

// writeFault maps a fault kind onto an HTTP status and writes the error
// body. Messages are already concise and non-leaky by construction.
func writeFault(w http.ResponseWriter, err error) {
	var status = http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.InvalidArgument, fault.InvalidTransition, fault.NotRoutable:
		status = http.StatusBadRequest
	case fault.Unauthenticated:
		status = http.StatusUnauthorized
	case fault.PaymentRequired:
		status = http.StatusPaymentRequired
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.RateLimited:
		status = http.StatusTooManyRequests
		if retryAfter := fault.RetryAfterOf(err); retryAfter > 0 {
			w.Header().Set("Retry-After",
				strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)+1))
		}
	case fault.UpstreamTimeout:
		status = http.StatusGatewayTimeout
	case fault.UpstreamFailure:
		status = http.StatusBadGateway
	}

	var message = "internal error"
	var f *fault.Error
	if errors.As(err, &f) {
		message = f.Message
	}
	writeJSON(w, status, map[string]interface{}{"error": message})
}
