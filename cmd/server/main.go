package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jrsteele09/go-smart-fhir-app/auth"
	"github.com/jrsteele09/go-smart-fhir-app/internal/config"
	"github.com/jrsteele09/go-smart-fhir-app/internal/storage"
	"github.com/jrsteele09/go-smart-fhir-app/server"
	"github.com/jrsteele09/go-smart-fhir-app/sessions"
	"github.com/jrsteele09/go-smart-fhir-app/smart"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-app",
		Short: "SMART on FHIR launch and patient data service",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(checkStoreCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired sessions once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store := storage.Open(ctx, c)
			defer closeStore(store)

			removed, err := store.PurgeExpired(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Printf("Removed %d expired session(s) from %s.\n", removed, store.Kind())
			return nil
		},
	}
}

func checkStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-store",
		Short: "Verify the configured session store is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			store := storage.Open(cmd.Context(), c)
			defer closeStore(store)

			if store.Kind() != c.GetSessionStore() {
				return fmt.Errorf("session store %q unavailable, would fall back to %s", c.GetSessionStore(), store.Kind())
			}
			active, err := store.ListActive(cmd.Context())
			if err != nil {
				return fmt.Errorf("session store %q: %w", store.Kind(), err)
			}
			fmt.Printf("Session store %s reachable, %d active session(s).\n", store.Kind(), len(active))
			return nil
		},
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := loadConfig()
	if err != nil {
		return err
	}
	displayAppname(c.GetAppName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := storage.Open(ctx, c)
	defer closeStore(store)

	factory, err := newSmartFactory(ctx, c)
	if err != nil {
		return err
	}
	manager := sessions.NewManager[*smart.Client](store, factory, sessions.Options{
		SessionTTL:  c.GetSessionTTL(),
		MaxSessions: c.GetMaxSessions(),
	})
	authService, err := auth.NewAuthorizationService(manager, c.GetClientRedirectURL())
	if err != nil {
		return err
	}
	handler, err := server.New(c, authService)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         c.GetPort(),
		Handler:      handler,
		ReadTimeout:  c.GetHTTPReadTimeout(),
		WriteTimeout: c.GetHTTPWriteTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		manager.RunJanitor(gctx, c.GetSweepInterval())
		return nil
	})
	g.Go(func() error {
		return listenAndServe(httpServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(httpServer)
	})
	return g.Wait()
}

func loadConfig() (config.Config, error) {
	c := config.New()
	setupLogging(c)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	log.Debug().Str("config", fmt.Sprint(c)).Msg("Configuration loaded")
	return c, nil
}

func setupLogging(c config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.GetLogLevel()))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.GetEnv() == "DEV" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
}

func newSmartFactory(ctx context.Context, c config.Config) (*smart.Factory, error) {
	settings := smart.Settings{
		ClientID:     c.GetAppID(),
		ClientSecret: c.GetClientSecret(),
		APIBase:      c.GetAPIBase(),
		RedirectURL:  c.GetRedirectURI(),
		Scopes:       c.GetScopes(),
		AuthorizeURL: c.GetAuthorizeURL(),
		TokenURL:     c.GetTokenURL(),
	}
	if settings.ClientID == "" {
		log.Warn().Msg("FHIR_APP_ID is not set, authorization requests will fail")
	}

	var opts []smart.FactoryOption
	if issuer := c.GetOIDCIssuer(); issuer != "" {
		provider, err := oidc.NewProvider(ctx, issuer)
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
		}
		opts = append(opts, smart.WithIDTokenVerifier(provider.Verifier(&oidc.Config{ClientID: settings.ClientID})))
	}
	return smart.NewFactory(settings, opts...), nil
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}

func closeStore(store sessions.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		log.Err(err).Str("store", store.Kind()).Msg("Failed to close session store")
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
