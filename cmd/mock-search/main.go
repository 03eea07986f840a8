package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shpitdev/reviewer-profile-enricher/internal/logging"
	"github.com/shpitdev/reviewer-profile-enricher/internal/mocksearch"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var (
		addr       string
		rulesPath  string
		formMethod string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "mock-search",
		Short: "Serve a fake search engine for offline enricher runs",
		Long: `mock-search serves a DuckDuckGo-like home page and HTML results endpoint.
Queries containing a rule's "match" text (case-insensitive) return that rule's
result URLs; everything else returns no profile links.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logLevel, false)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			srv := mocksearch.New()
			srv.FormMethod = strings.ToLower(strings.TrimSpace(formMethod))
			if rulesPath != "" {
				if err := srv.LoadRulesFile(rulesPath); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), logger, addr, srv)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultString("MOCK_SEARCH_ADDR", ":8089"), "Listen address (env: MOCK_SEARCH_ADDR)")
	cmd.Flags().StringVar(&rulesPath, "rules", defaultString("MOCK_SEARCH_RULES", ""), "YAML file of {match, results} rules (env: MOCK_SEARCH_RULES)")
	cmd.Flags().StringVar(&formMethod, "form-method", "get", "Method of the home page search form: get or post")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	return cmd
}

func serve(ctx context.Context, logger *zap.Logger, addr string, srv *mocksearch.Server) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, srv.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()
	logger.Info("mock-search listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func logRequests(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
