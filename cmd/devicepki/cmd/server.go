package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/onkoto/devicepki/api"
	"github.com/onkoto/devicepki/pki"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the device PKI service",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		trustedProxies, err := app.cfg.TrustedProxyPrefixes()
		if err != nil {
			return err
		}

		a := api.New(app.store, app.authority, app.issuer, app.bootstrap, app.registrar, app.publisher,
			api.WithLogger(app.log),
			api.WithAdminToken(app.cfg.Admin.TokenBcrypt),
			api.WithRegisterLimit(app.cfg.Register.MaxRequests, app.cfg.Register.WindowSeconds),
			api.WithTrustedProxies(trustedProxies),
		)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if app.cfg.Listen.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(app.cfg.Listen.TLSCert, app.cfg.Listen.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		server := &http.Server{
			Addr:              app.cfg.Listen.Addr,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Background workers stop with the server.
		bgCtx, bgCancel := context.WithCancel(context.Background())
		defer bgCancel()

		scheduler := pki.NewRenewalScheduler(app.store, app.log)
		go scheduler.Run(bgCtx, app.cfg.Renewal.Interval)
		go republishCRL(bgCtx, app.publisher, app.cfg.CRL.RepublishInterval, app.log)

		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on %s (store: %s)...\n", app.cfg.Listen.Addr, app.cfg.Store.Backend)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// republishCRL rebuilds the CRL file on an interval so the broker never
// serves one past its nextUpdate, even with no revocation activity.
func republishCRL(ctx context.Context, publisher *pki.Publisher, interval time.Duration, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := publisher.Publish(ctx); err != nil {
				log.Error("periodic CRL republish failed", "error", err)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
