package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Vovarama1992/convo-guard/internal/ai"
	"github.com/Vovarama1992/convo-guard/internal/classify"
	"github.com/Vovarama1992/convo-guard/internal/config"
	"github.com/Vovarama1992/convo-guard/internal/conversation"
	"github.com/Vovarama1992/convo-guard/internal/db"
	"github.com/Vovarama1992/convo-guard/internal/flow"
	"github.com/Vovarama1992/convo-guard/internal/gating"
	"github.com/Vovarama1992/convo-guard/internal/guard"
	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/metrics"
	"github.com/Vovarama1992/convo-guard/internal/respond"
	"github.com/Vovarama1992/convo-guard/internal/state"
	"github.com/Vovarama1992/convo-guard/internal/toolloop"
	"github.com/Vovarama1992/convo-guard/internal/tools"
	"github.com/Vovarama1992/convo-guard/internal/verify"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply migrations before serving")
	return cmd
}

// stores groups what differs between dev mode and Postgres.
type stores struct {
	customers  tools.CustomerStore
	callbacks  tools.CallbackStore
	bookings   tools.AppointmentStore
	products   tools.ProductStore
	directory  identity.Directory
	history    conversation.Repo
	businesses conversation.Businesses
}

func devStores(cfg config.Config) stores {
	mem := tools.NewMemoryStore()
	tools.SeedDemo(mem, cfg.DevBusinessID)
	slog.Warn("[main] DATABASE_URL not set, serving seeded in-memory data", "business_id", cfg.DevBusinessID)
	return stores{
		customers: mem,
		callbacks: mem,
		bookings:  mem,
		products:  mem,
		directory: mem,
		history:   conversation.NewMemoryRepo(),
		businesses: conversation.NewMemoryBusinesses(tools.Business{
			ID:           cfg.DevBusinessID,
			Name:         "Demo Mağaza",
			Language:     messages.TR,
			SupportPhone: "0212 555 01 02",
			SupportEmail: "destek@demo.com",
		}),
	}
}

func pgStores(sqlDB *sql.DB) stores {
	repo := tools.NewRepo(sqlDB)
	return stores{
		customers:  repo,
		callbacks:  repo,
		bookings:   repo,
		products:   repo,
		directory:  identity.NewRepo(sqlDB),
		history:    conversation.NewRepo(sqlDB),
		businesses: conversation.NewBusinessRepo(sqlDB),
	}
}

func serve(ctx context.Context, cfg config.Config, migrate bool) error {
	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- Stores ---
	var st stores
	if cfg.DevMode() {
		st = devStores(cfg)
	} else {
		if migrate {
			if err := db.Up(cfg.DatabaseURL); err != nil {
				return err
			}
		}
		sqlDB, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		st = pgStores(sqlDB)
	}

	states, err := state.OpenBadger(cfg.StateDir, cfg.StateTTL)
	if err != nil {
		return err
	}
	defer states.Close()

	// --- Catalogs ---
	msgs, err := messages.Load()
	if err != nil {
		return err
	}
	flows, err := flow.LoadCatalog()
	if err != nil {
		return err
	}
	lex, err := guard.LoadLexicon()
	if err != nil {
		return err
	}
	responder, err := respond.New(msgs)
	if err != nil {
		return err
	}

	// --- LLM ---
	aiClient, err := ai.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel)
	if err != nil {
		return err
	}

	// --- Tools ---
	registry, err := tools.NewRegistry(
		tools.NewCustomerLookup(st.customers, msgs),
		tools.NewCallbackHandler(st.callbacks, msgs, cfg.CallbackDedupWindow),
		tools.NewAppointmentHandler(st.bookings, msgs, cfg.Location()),
		tools.NewProductHandler(st.products, msgs),
	)
	if err != nil {
		return err
	}
	loop := toolloop.NewLoop(
		registry,
		toolloop.NewGuard(msgs, m),
		verify.NewEngine(identity.NewEngine(st.directory, 0), m),
		msgs, m,
		toolloop.Config{ToolTimeout: cfg.ToolTimeout},
	)

	svc := conversation.NewService(conversation.Deps{
		Repo:       st.history,
		Businesses: st.businesses,
		States:     states,
		Locks:      state.NewSessionLocks(),
		Classifier: classify.NewPolicy(classify.NewLLMClassifier(aiClient), classify.Config{
			ChatTimeout:  cfg.ClassifierTimeoutChat,
			OtherTimeout: cfg.ClassifierTimeoutDefault,
		}, m),
		Router: flow.NewRouter(flows, msgs, flow.Config{MinConfidence: cfg.GatingMinConfidence}),
		Gating: gating.NewPolicy(gating.Config{
			MinConfidence:         cfg.GatingMinConfidence,
			MinConfidenceMutating: cfg.GatingMinConfidenceMutating,
		}, registry, m),
		Registry:  registry,
		Loop:      loop,
		Generator: aiClient,
		Guard:     guard.New(lex, msgs, m),
		Responder: responder,
		Messages:  msgs,
		Metrics:   m,
	}, conversation.Config{})

	var outbound conversation.Outbound = conversation.LogOutbound{}
	if cfg.OutboundWebhookURL != "" {
		outbound = conversation.NewWebhookOutbound(cfg.OutboundWebhookURL, cfg.OutboundWebhookSecret, 10*time.Second)
	}
	handler := conversation.NewHandler(svc, outbound, msgs, cfg.WebhookSecret)

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Webhook-Secret"},
	}))
	conversation.RegisterRoutes(r, handler, reg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[main] listening", "port", cfg.Port, "dev_mode", cfg.DevMode())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("[main] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("[main] shutdown", "error", err)
	}
	// pending webhook turns still write state and history
	handler.Wait()
	return nil
}
