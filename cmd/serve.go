package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/internal/review"
	"github.com/sells-group/spec-harvester/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the review API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(review.NewService(st), st),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.WithoutCancel(ctx)) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// reviewAPI is the slice of the review service the handlers call.
type reviewAPI interface {
	PrimaryAccept(ctx context.Context, productID, fieldKey, candidateID string, link review.LinkKind) (*model.KeyReview, error)
	PrimaryConfirm(ctx context.Context, productID, fieldKey string) (*model.KeyReview, error)
	PrimaryOverride(ctx context.Context, productID, fieldKey, value string) (*model.KeyReview, error)
	SharedAccept(ctx context.Context, fieldKey, candidateID string, items []review.ItemRef) (*model.KeyReview, error)
	SharedConfirm(ctx context.Context, fieldKey, valueNorm string) (*model.KeyReview, error)
	SharedOverride(ctx context.Context, listValueID, display, valueNorm string) (*model.KeyReview, error)
	ComponentAccept(ctx context.Context, componentID, candidateID string, items []review.ItemRef) (*model.KeyReview, error)
	ComponentConfirm(ctx context.Context, componentID, property string) (*model.KeyReview, error)
	ComponentOverride(ctx context.Context, componentID, name, nameNorm string) (*model.KeyReview, error)
}

// runReader is the slice of the store the read endpoints use.
type runReader interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
}

func newRouter(reviews reviewAPI, runs runReader) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeResp(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/runs", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		filter := store.RunFilter{
			Status:    model.RunStatus(q.Get("status")),
			ProductID: q.Get("product_id"),
			Category:  q.Get("category"),
			Limit:     50,
		}
		list, err := runs.ListRuns(req.Context(), filter)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeResp(w, http.StatusOK, list)
	})

	r.Get("/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		run, err := runs.GetRun(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeResp(w, http.StatusOK, run)
	})

	r.Route("/review/{category}", func(r chi.Router) {
		r.Post("/key-review-accept", reviewHandler(reviews, applyAccept))
		r.Post("/key-review-confirm", reviewHandler(reviews, applyConfirm))
		r.Post("/key-review-override", reviewHandler(reviews, applyOverride))
	})

	return r
}

// reviewRequest is the mutation body shared by the review endpoints.
// Targets are addressed by id only: the item lane uses the grid key
// (product_id/field_key), the shared lane the enum key
// (field_key/value_norm) or the component key (component_id/property);
// shared overrides address the canonical row id directly.
type reviewRequest struct {
	Lane        model.Lane       `json:"lane"`
	TargetKind  model.TargetKind `json:"target_kind"`
	TargetID    string           `json:"target_id"`
	CandidateID string           `json:"candidate_id,omitempty"`
	Link        review.LinkKind  `json:"link,omitempty"`
	Value       string           `json:"value,omitempty"`
	ValueNorm   string           `json:"value_norm,omitempty"`
	Items       []review.ItemRef `json:"items,omitempty"`
}

func reviewHandler(reviews reviewAPI, apply func(ctx context.Context, reviews reviewAPI, req *reviewRequest) (*model.KeyReview, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, eris.New("invalid request body"))
			return
		}
		if req.Lane != model.LanePrimary && req.Lane != model.LaneShared {
			writeErr(w, http.StatusBadRequest, eris.New("lane must be primary or shared"))
			return
		}
		if req.TargetID == "" {
			writeErr(w, http.StatusBadRequest, eris.New("target_id is required"))
			return
		}

		kr, err := apply(r.Context(), reviews, &req)
		if err != nil {
			writeErr(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeResp(w, http.StatusOK, kr)
	}
}

func applyAccept(ctx context.Context, reviews reviewAPI, req *reviewRequest) (*model.KeyReview, error) {
	if req.CandidateID == "" {
		return nil, eris.New("candidate_id is required")
	}
	if req.Lane == model.LanePrimary {
		productID, fieldKey, err := splitTarget(req.TargetID)
		if err != nil {
			return nil, err
		}
		return reviews.PrimaryAccept(ctx, productID, fieldKey, req.CandidateID, req.Link)
	}
	first, _, err := splitTarget(req.TargetID)
	if err != nil {
		return nil, err
	}
	if req.TargetKind == model.TargetComponent {
		return reviews.ComponentAccept(ctx, first, req.CandidateID, req.Items)
	}
	return reviews.SharedAccept(ctx, first, req.CandidateID, req.Items)
}

func applyConfirm(ctx context.Context, reviews reviewAPI, req *reviewRequest) (*model.KeyReview, error) {
	first, rest, err := splitTarget(req.TargetID)
	if err != nil {
		return nil, err
	}
	if req.Lane == model.LanePrimary {
		return reviews.PrimaryConfirm(ctx, first, rest)
	}
	if req.TargetKind == model.TargetComponent {
		return reviews.ComponentConfirm(ctx, first, rest)
	}
	return reviews.SharedConfirm(ctx, first, rest)
}

func applyOverride(ctx context.Context, reviews reviewAPI, req *reviewRequest) (*model.KeyReview, error) {
	if req.Value == "" {
		return nil, eris.New("value is required")
	}
	if req.Lane == model.LanePrimary {
		productID, fieldKey, err := splitTarget(req.TargetID)
		if err != nil {
			return nil, err
		}
		return reviews.PrimaryOverride(ctx, productID, fieldKey, req.Value)
	}
	// Shared overrides address the canonical row directly.
	if req.TargetKind == model.TargetComponent {
		return reviews.ComponentOverride(ctx, req.TargetID, req.Value, req.ValueNorm)
	}
	return reviews.SharedOverride(ctx, req.TargetID, req.Value, req.ValueNorm)
}

// splitTarget cuts a composite target id at its first separator.
func splitTarget(targetID string) (string, string, error) {
	first, rest, ok := strings.Cut(targetID, "/")
	if !ok || first == "" || rest == "" {
		return "", "", eris.Errorf("malformed target_id %q", targetID)
	}
	return first, rest, nil
}

func writeResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeResp(w, code, map[string]string{"error": err.Error()})
}
