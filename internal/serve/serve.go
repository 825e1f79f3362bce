package serve

import (
	"context"
	"fmt"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/internal/crashtracker"
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/dispatch"
	"github.com/tensorgrid/tensorgrid-backend/internal/engine"
	"github.com/tensorgrid/tensorgrid-backend/internal/monitor"
	"github.com/tensorgrid/tensorgrid-backend/internal/objectstore"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/httperror"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/httphandler"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve/middleware"
	"github.com/tensorgrid/tensorgrid-backend/pkg/auth"
	"github.com/tensorgrid/tensorgrid-backend/pkg/httpserver"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

const ServiceID = "serve"

// Unauthenticated endpoints get a per-IP budget; everything else rides on
// token auth.
const (
	publicRateLimit  = 10
	publicRateWindow = time.Minute
)

type HTTPServerInterface interface {
	Run(conf httpserver.Config)
}

type HTTPServer struct{}

func (h *HTTPServer) Run(conf httpserver.Config) {
	httpserver.Run(conf)
}

type ServeOptions struct {
	Environment          string
	GitCommit            string
	Port                 int
	Version              string
	MonitorService       monitor.MonitorServiceInterface
	DatabaseDSN          string
	dbConnectionPool     db.DBConnectionPool
	Models               *data.Models
	CorsAllowedOrigins   []string
	CrashTrackerClient   crashtracker.CrashTrackerClient
	JWTSecret            string
	JWTIssuer            string
	JWTAudience          string
	TokenExpirationMin   int
	S3Bucket             string
	S3Region             string
	UploadURLExpiry      time.Duration
	HeartbeatInterval    time.Duration
	RequestorMarginRatio decimal.Decimal
	AllowSelfAssignment  bool

	authManager      auth.AuthManager
	assignmentEngine *engine.AssignmentEngine
	lifecycleEngine  *engine.LifecycleEngine
	presigner        *objectstore.Presigner
	dispatchHub      *dispatch.Hub
}

// SetupDependencies uses the serve options to setup the dependencies for the server.
func (opts *ServeOptions) SetupDependencies() error {
	// Setup crash tracker:
	// Call crash tracker FlushEvents to flush buffered events before the server terminates
	defer opts.CrashTrackerClient.FlushEvents(2 * time.Second)
	// Call crash tracker Recover for recover from unhandled panics
	defer opts.CrashTrackerClient.Recover()
	// Set crash tracker LogAndReportErrors as DefaultReportErrorFunc
	httperror.SetDefaultReportErrorFunc(opts.CrashTrackerClient.LogAndReportErrors)

	// Setup Database:
	dbConnectionPool, err := db.OpenDBConnectionPoolWithMetrics(context.Background(), opts.DatabaseDSN, opts.MonitorService)
	if err != nil {
		return fmt.Errorf("error connecting to the database: %w", err)
	}
	opts.Models, err = data.NewModels(dbConnectionPool)
	if err != nil {
		return fmt.Errorf("error creating models for Serve: %w", err)
	}
	opts.dbConnectionPool = dbConnectionPool

	// Setup auth manager
	opts.authManager, err = createAuthManager(opts.dbConnectionPool, opts.JWTSecret, opts.JWTIssuer, opts.JWTAudience, opts.TokenExpirationMin)
	if err != nil {
		return fmt.Errorf("error creating auth manager: %w", err)
	}

	// Setup object store presigner (optional; without a bucket the upload
	// endpoint is disabled and model URIs are dispatched as stored).
	if opts.S3Bucket != "" {
		opts.presigner, err = objectstore.NewPresigner(context.Background(), objectstore.PresignerOptions{
			Bucket: opts.S3Bucket,
			Region: opts.S3Region,
			Expiry: opts.UploadURLExpiry,
		})
		if err != nil {
			return fmt.Errorf("error creating object store presigner: %w", err)
		}
	}

	// Setup assignment and lifecycle engines
	marginRatio := opts.RequestorMarginRatio
	if marginRatio.IsZero() {
		marginRatio = engine.DefaultRequestorMarginRatio
	}
	ledger, err := engine.NewLedger(opts.Models, marginRatio)
	if err != nil {
		return fmt.Errorf("error creating ledger: %w", err)
	}
	opts.assignmentEngine, err = engine.NewAssignmentEngine(engine.AssignmentEngineOptions{
		Models:              opts.Models,
		MonitorService:      opts.MonitorService,
		HeartbeatInterval:   opts.HeartbeatInterval,
		AllowSelfAssignment: opts.AllowSelfAssignment,
	})
	if err != nil {
		return fmt.Errorf("error creating assignment engine: %w", err)
	}
	opts.lifecycleEngine, err = engine.NewLifecycleEngine(engine.LifecycleEngineOptions{
		Models:            opts.Models,
		Ledger:            ledger,
		MonitorService:    opts.MonitorService,
		HeartbeatInterval: opts.HeartbeatInterval,
	})
	if err != nil {
		return fmt.Errorf("error creating lifecycle engine: %w", err)
	}

	// Setup dispatch hub
	registry, err := dispatch.NewRegistry(opts.Models, opts.MonitorService)
	if err != nil {
		return fmt.Errorf("error creating device registry: %w", err)
	}
	hubOpts := dispatch.HubOptions{
		Registry:         registry,
		AssignmentEngine: opts.assignmentEngine,
		LifecycleEngine:  opts.lifecycleEngine,
		TokenVerifier:    authTokenVerifier{authManager: opts.authManager},
	}
	if opts.presigner != nil {
		hubOpts.ReadURLSigner = opts.presigner
	}
	opts.dispatchHub, err = dispatch.NewHub(hubOpts)
	if err != nil {
		return fmt.Errorf("error creating dispatch hub: %w", err)
	}

	return nil
}

// LifecycleEngine exposes the lifecycle engine so the caller can hand it to
// the heartbeat sweep scheduler. Only valid after SetupDependencies.
func (opts *ServeOptions) LifecycleEngine() *engine.LifecycleEngine {
	return opts.lifecycleEngine
}

func Serve(opts ServeOptions, httpServer HTTPServerInterface) error {
	err := opts.SetupDependencies()
	if err != nil {
		return fmt.Errorf("error starting dependencies: %w", err)
	}

	// Start the server
	listenAddr := fmt.Sprintf(":%d", opts.Port)
	serverConfig := httpserver.Config{
		ListenAddr:          listenAddr,
		Handler:             handleHTTP(opts),
		TCPKeepAlive:        time.Minute * 3,
		ShutdownGracePeriod: time.Second * 50,
		ReadTimeout:         time.Second * 5,
		WriteTimeout:        time.Second * 35,
		IdleTimeout:         time.Minute * 2,
		OnStarting: func() {
			log.Info("Starting TensorGrid Server")
			log.Infof("Listening on %s", listenAddr)
		},
		OnStopping: func() {
			log.Info("Closing the database connection...")
			err := opts.dbConnectionPool.Close()
			if err != nil {
				log.Errorf("error closing database connection: %s", err.Error())
			}

			log.Info("Stopping TensorGrid Server")
		},
	}
	httpServer.Run(serverConfig)
	return nil
}

func handleHTTP(o ServeOptions) *chi.Mux {
	mux := chi.NewMux()

	// Middleware
	mux.Use(middleware.CorsMiddleware(o.CorsAllowedOrigins))
	mux.Use(chimiddleware.RequestID)
	mux.Use(chimiddleware.RealIP)
	mux.Use(middleware.LoggingMiddleware)
	mux.Use(middleware.RecoverHandler)
	mux.Use(middleware.MetricsRequestHandler(o.MonitorService))

	mux.Get("/health", httphandler.HealthHandler{
		ReleaseID:        o.GitCommit,
		ServiceID:        ServiceID,
		Version:          o.Version,
		DBConnectionPool: o.dbConnectionPool,
	}.ServeHTTP)

	// Public routes
	mux.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitMiddleware(publicRateLimit, publicRateWindow))
		r.Post("/api/auth/login", httphandler.LoginHandler{AuthManager: o.authManager}.ServeHTTP)
	})

	// The dispatch channel authenticates inside the handshake; the bearer
	// token may arrive as a query parameter for clients that cannot set
	// headers on websocket upgrades.
	mux.Get("/api/dispatch/connect", o.dispatchHub.ServeHTTP)

	// Authenticated routes. Server-to-server callers present a TG_ API key,
	// interactive clients a JWT.
	jwtAuth := middleware.AuthenticateMiddleware(o.authManager)
	mux.Group(func(r chi.Router) {
		r.Use(middleware.APIKeyOrJWTAuthenticate(o.Models.APIKeys, jwtAuth))

		r.Route("/api/tasks", func(r chi.Router) {
			taskHandler := httphandler.TaskHandler{
				Models:           o.Models,
				DBConnectionPool: o.dbConnectionPool,
			}
			r.Post("/create", taskHandler.CreateTask)
			r.Get("/my-tasks", taskHandler.GetMyTasks)
			r.Get("/{id}/subtasks", taskHandler.GetTaskSubtasks)

			if o.presigner != nil {
				r.Post("/upload-url", httphandler.UploadURLHandler{Presigner: o.presigner}.ServeHTTP)
			}
		})

		r.Route("/api/exports", func(r chi.Router) {
			exportHandler := httphandler.ExportHandler{Models: o.Models}
			r.Get("/earnings", exportHandler.ExportEarnings)
			r.Get("/withdrawals", exportHandler.ExportWithdrawals)
		})

		r.Route("/api/api-keys", func(r chi.Router) {
			apiKeyHandler := httphandler.APIKeyHandler{Models: o.Models}
			r.Post("/", apiKeyHandler.CreateAPIKey)
			r.Get("/", apiKeyHandler.GetAPIKeys)
			r.Delete("/{id}", apiKeyHandler.DeleteAPIKey)
		})
	})

	// Token refresh stays JWT-only; refreshing an API key makes no sense.
	mux.With(jwtAuth).Post("/api/auth/refresh-token", httphandler.RefreshTokenHandler{AuthManager: o.authManager}.PostRefreshToken)

	return mux
}

// authTokenVerifier adapts the auth manager to the dispatch hub's handshake
// check.
type authTokenVerifier struct {
	authManager auth.AuthManager
}

func (v authTokenVerifier) VerifyUserID(ctx context.Context, token string) (string, error) {
	return v.authManager.GetUserID(ctx, token)
}

// createAuthManager builds the default AuthManager struct to be injected
// in all the authentication related routes.
func createAuthManager(dbConnectionPool db.DBConnectionPool, jwtSecret, jwtIssuer, jwtAudience string, tokenExpirationMin int) (auth.AuthManager, error) {
	if dbConnectionPool == nil {
		return nil, fmt.Errorf("db connection pool cannot be nil")
	}
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT secret cannot be empty")
	}

	passwordEncrypter := auth.NewDefaultPasswordEncrypter()

	authManagerOptions := []auth.AuthManagerOption{
		auth.WithDefaultAuthenticatorOption(dbConnectionPool, passwordEncrypter),
		auth.WithDefaultJWTManagerOption(jwtSecret, jwtIssuer, jwtAudience),
	}
	if tokenExpirationMin > 0 {
		authManagerOptions = append(authManagerOptions, auth.WithExpirationTimeInMinutesOption(tokenExpirationMin))
	}

	return auth.NewAuthManager(authManagerOptions...), nil
}
