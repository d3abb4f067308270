package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wattlefield/invoice-cli/internal/catalog"
	"github.com/wattlefield/invoice-cli/internal/parser"
	"github.com/wattlefield/invoice-cli/internal/possync"
	"github.com/wattlefield/invoice-cli/internal/reconcile"
)

var servePort int

// serveEnv bundles the services the webhook handlers need.
type serveEnv struct {
	gw       catalog.Gateway
	orch     *parser.Orchestrator
	engine   *reconcile.Engine
	workflow *possync.Workflow
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long:  "Serves parse and sync triggers over HTTP. Document parsing and POS sync run asynchronously; the endpoints accept and return immediately.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		gw, err := initGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close() //nolint:errcheck

		orch, err := initParser()
		if err != nil {
			return err
		}

		workflow, err := initSync(gw)
		if err != nil {
			// Sync stays optional: parsing works without Square credentials.
			zap.L().Warn("sync unavailable", zap.Error(err))
		}

		env := &serveEnv{
			gw:       gw,
			orch:     orch,
			engine:   reconcile.NewEngine(gw, cfg.Reconcile),
			workflow: workflow,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(ctx, env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(context.Background())
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter builds the webhook routes. bgCtx outlives individual requests and
// bounds the async work the handlers kick off.
func newRouter(bgCtx context.Context, env *serveEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhook/parse", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Pages     []string `json:"pages"` // base64-encoded page images
			Reconcile bool     `json:"reconcile"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if len(body.Pages) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pages is required"})
			return
		}

		pages := make([][]byte, 0, len(body.Pages))
		for i, p := range body.Pages {
			data, err := base64.StdEncoding.DecodeString(p)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{
					"error": fmt.Sprintf("page %d is not valid base64", i+1),
				})
				return
			}
			pages = append(pages, data)
		}

		go func() {
			inv, err := env.orch.ParseDocument(bgCtx, pages)
			if err != nil {
				zap.L().Error("webhook parse failed", zap.Error(err))
				return
			}
			if err := env.gw.SaveInvoice(bgCtx, inv); err != nil {
				zap.L().Error("webhook parse save failed", zap.Error(err))
				return
			}
			if body.Reconcile {
				for _, li := range inv.LineItems {
					if _, err := env.engine.Resolve(bgCtx, li.Description); err != nil {
						zap.L().Warn("webhook reconcile failed",
							zap.String("name", li.Description), zap.Error(err))
					}
				}
			}
			zap.L().Info("webhook parse complete",
				zap.String("invoice_id", inv.ID),
				zap.Int("items", len(inv.LineItems)),
				zap.Bool("requires_review", inv.RequiresReview),
			)
		}()

		writeJSON(w, http.StatusAccepted, map[string]any{
			"status": "accepted",
			"pages":  len(pages),
		})
	})

	r.Post("/webhook/sync", func(w http.ResponseWriter, _ *http.Request) {
		if env.workflow == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sync is not configured"})
			return
		}

		go func() {
			if err := runSyncOnce(bgCtx, env.workflow); err != nil {
				zap.L().Error("webhook sync failed", zap.Error(err))
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
