// Package api exposes the management and ingress HTTP surface: flow and tag
// administration, client credentials, room variables, and the webhook and
// event ingress endpoints.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/convoflow/convoflow/internal/engine"
	"github.com/convoflow/convoflow/internal/flowgraph"
	"github.com/convoflow/convoflow/internal/secrets"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/webhookq"
)

const defaultWebhookTTL = 15 * time.Minute

// Config carries the server's collaborators.
type Config struct {
	Store      store.Store
	Graphs     *flowgraph.Registry
	Machine    *engine.Machine
	Queue      *webhookq.Queue
	Vault      secrets.Vault
	Logger     *slog.Logger
	WebhookTTL time.Duration
}

// Server is the HTTP API server.
type Server struct {
	store      store.Store
	graphs     *flowgraph.Registry
	machine    *engine.Machine
	queue      *webhookq.Queue
	vault      secrets.Vault
	validate   *validator.Validate
	logger     *slog.Logger
	webhookTTL time.Duration

	app *fiber.App
}

// New creates a Server from its collaborators.
func New(cfg Config) *Server {
	ttl := cfg.WebhookTTL
	if ttl <= 0 {
		ttl = defaultWebhookTTL
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		store:      cfg.Store,
		graphs:     cfg.Graphs,
		machine:    cfg.Machine,
		queue:      cfg.Queue,
		vault:      cfg.Vault,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     log,
		webhookTTL: ttl,
	}
}

// App assembles the fiber application with all routes registered.
func (s *Server) App() *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("convoflow")
	})

	v1 := app.Group("/v1")

	v1.Get("/flows", s.handleListFlows)

	flow := v1.Group("/flow/:id")
	flow.Put("/", s.handleUpsertFlow)
	flow.Get("/", s.handleGetFlow)
	flow.Delete("/", s.handleDeleteFlow)
	flow.Get("/nodes", s.handleListNodes)
	flow.Get("/node/:nodeId", s.handleGetNode)
	flow.Get("/diagram", s.handleFlowDiagram)
	flow.Post("/tag", s.handlePublishTag)
	flow.Get("/tags", s.handleListTags)
	flow.Post("/tag/:tagId/activate", s.handleActivateTag)
	flow.Get("/modules", s.handleListModules)
	flow.Delete("/module/:moduleId", s.handleDeleteModule)

	v1.Post("/client", s.handleUpsertClient)
	v1.Get("/clients", s.handleListClients)
	v1.Get("/client/:id", s.handleGetClient)
	v1.Patch("/client/:id/enabled", s.handleSetClientEnabled)

	room := v1.Group("/room/:roomId")
	room.Get("/get_variables", s.handleGetRoomVariables)
	room.Post("/set_variables", s.handleSetRoomVariables)
	room.Post("/client/:clientId/clean_up", s.handleCleanUpRoute)

	v1.Post("/event", s.handleInboundEvent)
	app.Post("/webhook", s.handleWebhookIngress)

	s.app = app

	return app
}

// Start builds the app and listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.App().Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app == nil {
		return nil
	}
	return s.app.ShutdownWithContext(ctx)
}
