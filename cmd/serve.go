package cmd

import (
	"context"
	"go/types"
	"time"

	"github.com/spf13/cobra"

	cmdUtils "github.com/tensorgrid/tensorgrid-backend/cmd/utils"
	"github.com/tensorgrid/tensorgrid-backend/db"
	"github.com/tensorgrid/tensorgrid-backend/internal/crashtracker"
	"github.com/tensorgrid/tensorgrid-backend/internal/data"
	"github.com/tensorgrid/tensorgrid-backend/internal/engine"
	"github.com/tensorgrid/tensorgrid-backend/internal/monitor"
	"github.com/tensorgrid/tensorgrid-backend/internal/scheduler"
	"github.com/tensorgrid/tensorgrid-backend/internal/serve"
	"github.com/tensorgrid/tensorgrid-backend/pkg/config"
	"github.com/tensorgrid/tensorgrid-backend/pkg/log"
)

type ServeCommand struct{}

type ServerServiceInterface interface {
	StartServe(opts serve.ServeOptions, httpServer serve.HTTPServerInterface)
	StartMetricsServe(opts serve.MetricsServeOptions, httpServer serve.HTTPServerInterface)
	GetSchedulerJobRegistrars(ctx context.Context, serveOpts serve.ServeOptions, heartbeatSweepIntervalSeconds int) ([]scheduler.SchedulerJobRegisterOption, error)
}

type ServerService struct{}

// Making sure that ServerService implements ServerServiceInterface
var _ ServerServiceInterface = (*ServerService)(nil)

func (s *ServerService) StartServe(opts serve.ServeOptions, httpServer serve.HTTPServerInterface) {
	err := serve.Serve(opts, httpServer)
	if err != nil {
		log.Fatalf("Error starting server: %s", err.Error())
	}
}

func (s *ServerService) StartMetricsServe(opts serve.MetricsServeOptions, httpServer serve.HTTPServerInterface) {
	err := serve.MetricsServe(opts, httpServer)
	if err != nil {
		log.Fatalf("Error starting metrics server: %s", err.Error())
	}
}

func (s *ServerService) GetSchedulerJobRegistrars(ctx context.Context, serveOpts serve.ServeOptions, heartbeatSweepIntervalSeconds int) ([]scheduler.SchedulerJobRegisterOption, error) {
	// TODO: inject these in the server options, to do the Dependency Injection properly.
	dbConnectionPool, err := db.OpenDBConnectionPool(globalOptions.DatabaseURL)
	if err != nil {
		log.Ctx(ctx).Fatalf("error getting DB connection in Job Scheduler: %s", err.Error())
	}
	models, err := data.NewModels(dbConnectionPool)
	if err != nil {
		log.Ctx(ctx).Fatalf("error creating models in Job Scheduler: %s", err.Error())
	}

	marginRatio := serveOpts.RequestorMarginRatio
	if marginRatio.IsZero() {
		marginRatio = engine.DefaultRequestorMarginRatio
	}
	ledger, err := engine.NewLedger(models, marginRatio)
	if err != nil {
		log.Ctx(ctx).Fatalf("error creating ledger in Job Scheduler: %s", err.Error())
	}
	lifecycleEngine, err := engine.NewLifecycleEngine(engine.LifecycleEngineOptions{
		Models:            models,
		Ledger:            ledger,
		MonitorService:    serveOpts.MonitorService,
		HeartbeatInterval: serveOpts.HeartbeatInterval,
	})
	if err != nil {
		log.Ctx(ctx).Fatalf("error creating lifecycle engine in Job Scheduler: %s", err.Error())
	}

	return []scheduler.SchedulerJobRegisterOption{
		scheduler.WithHeartbeatSweepJobOption(heartbeatSweepIntervalSeconds, lifecycleEngine),
	}, nil
}

func (c *ServeCommand) Command(serverService ServerServiceInterface, monitorService monitor.MonitorServiceInterface) *cobra.Command {
	serveOpts := serve.ServeOptions{}

	enableScheduler := true
	heartbeatIntervalSeconds := 300
	heartbeatSweepIntervalSeconds := 30
	uploadURLExpiryMinutes := 15

	configOpts := config.ConfigOptions{
		{
			Name:        "port",
			Usage:       "Port where the server will be listening on",
			OptType:     types.Int,
			ConfigKey:   &serveOpts.Port,
			FlagDefault: 8000,
			Required:    true,
		},
		{
			Name:           "cors-allowed-origins",
			Usage:          `Cors URLs that are allowed to access the endpoints, separated by ","`,
			OptType:        types.String,
			CustomSetValue: cmdUtils.SetCorsAllowedOrigins,
			ConfigKey:      &serveOpts.CorsAllowedOrigins,
			Required:       true,
		},
		{
			Name:      "s3-bucket",
			Usage:     "The S3 bucket where task artifacts (models, inputs, outputs) are stored. When empty, presigned uploads are disabled.",
			OptType:   types.String,
			ConfigKey: &serveOpts.S3Bucket,
			Required:  false,
		},
		{
			Name:        "s3-region",
			Usage:       "The AWS region of the task artifact bucket",
			OptType:     types.String,
			ConfigKey:   &serveOpts.S3Region,
			FlagDefault: "us-east-1",
			Required:    false,
		},
		{
			Name:        "upload-url-expiry-minutes",
			Usage:       "The expiration time in minutes of the presigned upload URLs",
			OptType:     types.Int,
			ConfigKey:   &uploadURLExpiryMinutes,
			FlagDefault: 15,
			Required:    true,
		},
		{
			Name:        "heartbeat-interval-seconds",
			Usage:       "The interval in seconds a connected device has to send a heartbeat before its executing subtasks are considered stalled",
			OptType:     types.Int,
			ConfigKey:   &heartbeatIntervalSeconds,
			FlagDefault: 300,
			Required:    true,
		},
		{
			Name:           "requestor-margin-ratio",
			Usage:          "The ratio applied on top of the provider cost when debiting the requestor. Example: 1.20 debits 20% over cost.",
			OptType:        types.String,
			CustomSetValue: cmdUtils.SetConfigOptionDecimal,
			ConfigKey:      &serveOpts.RequestorMarginRatio,
			FlagDefault:    "1.20",
			Required:       true,
		},
		{
			Name:        "allow-self-assignment",
			Usage:       "Allow a provider device to claim subtasks created by its own user. Useful for local development.",
			OptType:     types.Bool,
			ConfigKey:   &serveOpts.AllowSelfAssignment,
			FlagDefault: false,
			Required:    false,
		},
		{
			Name:        "enable-scheduler",
			Usage:       "Enable the background job scheduler (heartbeat sweep)",
			OptType:     types.Bool,
			ConfigKey:   &enableScheduler,
			FlagDefault: true,
			Required:    false,
		},
		{
			Name:        "heartbeat-sweep-interval-seconds",
			Usage:       "The interval in seconds between heartbeat sweep job runs",
			OptType:     types.Int,
			ConfigKey:   &heartbeatSweepIntervalSeconds,
			FlagDefault: 30,
			Required:    true,
		},
	}
	configOpts = append(configOpts, cmdUtils.JWTConfigOptions(&serveOpts.JWTSecret, &serveOpts.JWTIssuer, &serveOpts.JWTAudience, &serveOpts.TokenExpirationMin)...)

	// crash tracker options
	crashTrackerOptions := crashtracker.CrashTrackerOptions{}
	configOpts = append(configOpts, cmdUtils.CrashTrackerTypeConfigOption(&crashTrackerOptions.CrashTrackerType))

	// metrics server options
	metricsServeOpts := serve.MetricsServeOptions{}
	configOpts = append(configOpts,
		&config.ConfigOption{
			Name:           "metrics-type",
			Usage:          `Metric monitor type. Options: "PROMETHEUS"`,
			OptType:        types.String,
			CustomSetValue: cmdUtils.SetConfigOptionMetricType,
			ConfigKey:      &metricsServeOpts.MetricType,
			FlagDefault:    "PROMETHEUS",
			Required:       true,
		},
		&config.ConfigOption{
			Name:        "metrics-port",
			Usage:       "Port where the metrics server will be listening on",
			OptType:     types.Int,
			ConfigKey:   &metricsServeOpts.Port,
			FlagDefault: 8002,
			Required:    true,
		})

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the TensorGrid API",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.Parent().PersistentPreRun(cmd.Parent(), args)

			// Validate & ingest input parameters
			configOpts.Require()
			err := configOpts.SetValues()
			if err != nil {
				log.Fatalf("Error setting values of config options: %s", err.Error())
			}

			// Initializing monitor service
			metricOptions := monitor.MetricOptions{
				MetricType:  metricsServeOpts.MetricType,
				Environment: globalOptions.Environment,
			}

			err = monitorService.Start(metricOptions)
			if err != nil {
				log.Fatalf("Error creating monitor service: %s", err.Error())
			}

			// Inject crash tracker options dependencies
			globalOptions.PopulateCrashTrackerOptions(&crashTrackerOptions)

			// Inject server dependencies
			serveOpts.Environment = globalOptions.Environment
			serveOpts.GitCommit = globalOptions.GitCommit
			serveOpts.DatabaseDSN = globalOptions.DatabaseURL
			serveOpts.Version = globalOptions.Version
			serveOpts.MonitorService = monitorService
			serveOpts.HeartbeatInterval = time.Duration(heartbeatIntervalSeconds) * time.Second
			serveOpts.UploadURLExpiry = time.Duration(uploadURLExpiryMinutes) * time.Minute

			// Inject metrics server dependencies
			metricsServeOpts.MonitorService = monitorService
			metricsServeOpts.Environment = globalOptions.Environment
		},
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()

			// Setup the Crash Tracker client
			crashTrackerClient, err := crashtracker.GetClient(ctx, crashTrackerOptions)
			if err != nil {
				log.Ctx(ctx).Fatalf("error creating crash tracker client: %s", err.Error())
			}
			serveOpts.CrashTrackerClient = crashTrackerClient

			// Starting Scheduler Service (background job) if enabled
			if enableScheduler {
				log.Ctx(ctx).Info("Starting Scheduler Service...")
				schedulerJobRegistrars, innerErr := serverService.GetSchedulerJobRegistrars(ctx, serveOpts, heartbeatSweepIntervalSeconds)
				if innerErr != nil {
					log.Ctx(ctx).Fatalf("Error getting scheduler job registrars: %v", innerErr)
				}
				go scheduler.StartScheduler(crashTrackerClient.Clone(), schedulerJobRegistrars...)
			} else {
				log.Ctx(ctx).Warn("Scheduler Service is disabled.")
			}

			// Starting Metrics Server (background job)
			log.Ctx(ctx).Info("Starting Metrics Server...")
			go serverService.StartMetricsServe(metricsServeOpts, &serve.HTTPServer{})

			// Starting Application Server
			log.Ctx(ctx).Info("Starting Application Server...")
			serverService.StartServe(serveOpts, &serve.HTTPServer{})
		},
	}
	err := configOpts.Init(cmd)
	if err != nil {
		log.Fatalf("Error initializing a config option: %s", err.Error())
	}

	return cmd
}
