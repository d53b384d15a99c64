package httpapi

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"coinchat/backend/internal/auth"
	"coinchat/backend/internal/catalog"
	"coinchat/backend/internal/chatstore"
	"coinchat/backend/internal/config"
	"coinchat/backend/internal/entitlement"
	"coinchat/backend/internal/logging"
	"coinchat/backend/internal/openrouter"
	"coinchat/backend/internal/provider"
	"coinchat/backend/internal/session"
	"coinchat/backend/internal/stream"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter wires every component from cfg. The catalog and provider table
// are built once here and never change afterwards.
func NewRouter(ctx context.Context, cfg config.Config, db *sql.DB, logger *zap.Logger) (http.Handler, error) {
	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	var models catalog.Catalog
	if cfg.ModelCatalogPath != "" {
		models, err = catalog.Load(cfg.ModelCatalogPath, provider.Keys(providers))
	} else {
		models, err = catalog.Default(provider.Keys(providers))
	}
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}
	if _, err := models.Lookup(cfg.DefaultModelID); err != nil {
		return nil, fmt.Errorf("default model: %w", err)
	}

	dispatcher, err := provider.NewDispatcher(models, providers, cfg.StreamBufferSize)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	files, err := newFileStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	accounts := session.NewStore(db)
	resolver := session.NewResolver(accounts, auth.NewGuestTokens(cfg.GuestTokenSecret, cfg.GuestTTL), session.ResolverConfig{
		SessionCookieName:   cfg.SessionCookieName,
		GuestCookieName:     cfg.GuestCookieName,
		CookieSecure:        cfg.CookieSecure,
		GuestInitialBalance: cfg.GuestInitialBalance,
	}, logger)

	var streams *stream.Registry
	if cfg.ResumableStreams {
		streams = stream.NewRegistry(cfg.StreamRetention, logger)
	}

	h := NewHandler(cfg, Deps{
		DB:         db,
		Logger:     logger,
		Accounts:   accounts,
		Resolver:   resolver,
		Verifier:   auth.NewVerifier(cfg.GoogleClientID, cfg.InsecureSkipGoogleVerify),
		Catalog:    models,
		Gate:       entitlement.NewGate(models, accounts),
		Chats:      chatstore.NewStore(db),
		Dispatcher: dispatcher,
		Streams:    streams,
		Files:      files,
	})
	return h.Routes(), nil
}

func buildProviders(cfg config.Config) (map[string]provider.Provider, error) {
	openRouter := provider.NewOpenRouter(openrouter.NewClient(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, nil), logger)
	providers := map[string]provider.Provider{
		"openrouter": provider.Paced(openRouter, cfg.OpenRouterMinInterval),
	}

	if cfg.OpenAIAPIKey == "" {
		providers["openai"] = provider.Unavailable{Reason: "openai api key is not configured"}
		return providers, nil
	}
	openAI, err := provider.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	providers["openai"] = openAI
	return providers, nil
}

func newFileStore(ctx context.Context, cfg config.Config) (fileObjectStore, error) {
	switch cfg.UploadBackend {
	case "gcs":
		store, err := newGCSObjectStore(ctx, cfg.GCSBucket, cfg.PublicUploadBaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := newLocalObjectStore(cfg.LocalUploadDir, cfg.PublicUploadBaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func (h Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logging.RequestLogger(h.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "X-CSRF-Token", "X-Test-Email", "X-Test-Google-Sub", "X-Test-Name"},
		ExposedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)

	if local, ok := h.files.(*localObjectStore); ok && strings.HasPrefix(local.baseURL, "/") {
		r.Handle(local.baseURL+"/*", http.StripPrefix(local.baseURL, http.FileServer(http.Dir(local.root))))
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/auth", func(authR chi.Router) {
			authR.Post("/guest", h.AuthGuest)
			authR.Post("/register", h.AuthRegister)
			authR.Post("/login", h.AuthLogin)
			authR.Post("/google", h.AuthGoogle)
			authR.Get("/me", h.AuthMe)
			authR.Post("/logout", h.AuthLogout)
		})

		v1.Get("/feed", h.PublicFeed)

		v1.Group(func(p chi.Router) {
			p.Use(h.RequireIdentity)
			p.Get("/models", h.ListModels)
			p.Get("/account", h.GetAccount)
			p.Post("/chat", h.Chat)
			p.Get("/chat/{conversationId}/stream", h.ResumeChat)
			p.Post("/files", h.UploadFile)

			p.Route("/conversations", func(c chi.Router) {
				c.Get("/", h.ListConversations)
				c.Get("/{id}", h.GetConversation)
				c.Delete("/{id}", h.DeleteConversation)
				c.Get("/{id}/messages", h.ListConversationMessages)
				c.Post("/{id}/messages", h.AppendConversationMessage)
				c.Patch("/{id}/visibility", h.UpdateVisibility)
				c.Get("/{id}/votes", h.ListVotes)
				c.Put("/{id}/votes", h.Vote)
			})
		})
	})

	return r
}
