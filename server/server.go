package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	"github.com/inboxhq/mailcore/api"
	"github.com/inboxhq/mailcore/config"
	"github.com/inboxhq/mailcore/internal/cron"
	"github.com/inboxhq/mailcore/internal/enum"
	"github.com/inboxhq/mailcore/internal/logger"
	"github.com/inboxhq/mailcore/internal/repository"
	"github.com/inboxhq/mailcore/internal/tracing"
	"github.com/inboxhq/mailcore/services"
)

type Server struct {
	config       *config.Config
	log          logger.Logger
	httpServer   *http.Server
	router       *gin.Engine
	services     *services.Services
	repositories *repository.Repositories
	cronManager  *cron.CronManager
	tracerCloser io.Closer
}

func NewServer(cfg *config.Config, db *gorm.DB) (*Server, error) {
	// Initialize logger
	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	// Initialize tracing
	tracer, closer, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		log.Fatalf("Could not initialize jaeger tracer: %s", err.Error())
	}
	opentracing.SetGlobalTracer(tracer)

	// Initialize repositories
	repos := repository.InitRepositories(db, repository.StalenessWindows{
		HeartbeatStale: cfg.SyncConfig.HeartbeatStale,
		SyncStale:      cfg.SyncConfig.SyncStale,
	})

	// Initialize services
	svcs, err := services.InitServices(cfg, appLogger, repos)
	if err != nil {
		return nil, err
	}

	cronManager := cron.NewCronManager(cfg, appLogger, kubernetesClient(appLogger), repos, svcs)

	// Initialize Gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	return &Server{
		config:       cfg,
		log:          appLogger,
		router:       router,
		services:     svcs,
		repositories: repos,
		cronManager:  cronManager,
		tracerCloser: closer,
		httpServer: &http.Server{
			Addr:    ":" + cfg.AppConfig.APIPort,
			Handler: router,
		},
	}, nil
}

// kubernetesClient returns nil outside a cluster; the cron manager then
// runs without leader election.
func kubernetesClient(appLogger logger.Logger) kubernetes.Interface {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		appLogger.Infof("No in-cluster kubernetes config, cron runs in local mode: %v", err)
		return nil
	}
	k8s, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		appLogger.Warnf("Could not build kubernetes client: %v", err)
		return nil
	}
	return k8s
}

func (s *Server) Initialize(ctx context.Context) error {
	// Setup API routes
	if err := api.RegisterRoutes(s.router, s.config, s.services, s.repositories, s.log); err != nil {
		return err
	}

	// Resume IDLE watches for connectors that survived a restart
	s.wrapGoroutine("idle_bootstrap", func() {
		s.startIdleWatches(ctx)
	})

	return nil
}

// startIdleWatches brings up one IDLE loop per watched mailbox of every
// active IMAP connector. Gmail connectors are covered by push
// notifications and the cron renewal sweep.
func (s *Server) startIdleWatches(ctx context.Context) {
	connectors, err := s.repositories.ConnectorRepository.GetActive(ctx)
	if err != nil {
		s.log.Errorf("Could not list active connectors for idle bootstrap: %v", err)
		return
	}

	started := 0
	for _, connector := range connectors {
		if connector.Provider != enum.ProviderIMAP {
			continue
		}
		mailboxes := connector.WatchedMailboxes
		if len(mailboxes) == 0 {
			mailboxes = []string{"INBOX"}
		}
		for _, mailbox := range mailboxes {
			if err := s.services.IdleSupervisor.Start(ctx, connector, mailbox); err != nil {
				s.log.Errorf("Could not start idle watch for connector %s mailbox %s: %v", connector.ID, mailbox, err)
				continue
			}
			started++
		}
	}
	s.log.Infof("Started %d idle watches", started)
}

func (s *Server) recoverWithJaeger(name string) {
	if r := recover(); r != nil {
		span := opentracing.GlobalTracer().StartSpan(
			fmt.Sprintf("panic.%s", name),
		)
		defer span.Finish()

		ext.Error.Set(span, true)

		span.LogKV(
			"event", "panic",
			"process", name,
			"error", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()),
		)

		log.Printf("❌ Panic in %s: %v\n%s", name, r, debug.Stack())
	}
}

func (s *Server) wrapGoroutine(name string, fn func()) {
	defer s.recoverWithJaeger(name)
	fn()
}

func (s *Server) Run() error {
	// Create root context for the application
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize server components
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	// Start the durable job workers
	log.Println("Starting sync workers...")
	s.services.WorkerPool.Start(ctx)
	log.Println("✅ Sync workers started successfully")

	// Start scheduled jobs
	if err := s.cronManager.Start(os.Getenv("POD_NAME"), os.Getenv("POD_NAMESPACE")); err != nil {
		return err
	}

	// Start HTTP server in a goroutine with panic recovery
	go s.wrapGoroutine("http_server", func() {
		log.Println("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("❌ HTTP server error: %v", err)
		}
	})
	log.Println("✅ HTTP server started successfully")
	log.Println("MailCore is now running. Press Ctrl+C to exit.")

	return s.waitForShutdown()
}

func (s *Server) waitForShutdown() error {
	defer s.recoverWithJaeger("shutdown")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Shut down HTTP server
	log.Println("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ HTTP server shutdown error: %v", err)
	} else {
		log.Println("✅ HTTP server shut down successfully")
	}

	s.cronManager.Stop()

	// Stop workers and idle watches with timeout and panic recovery
	stopDone := make(chan struct{})
	go s.wrapGoroutine("sync_shutdown", func() {
		defer close(stopDone)
		s.services.WorkerPool.Stop(shutdownCtx)
		s.services.IdleSupervisor.StopAll(shutdownCtx)
	})

	select {
	case <-stopDone:
		log.Println("Sync services stopped gracefully")
	case <-time.After(10 * time.Second):
		log.Println("⚠️ Sync service stop timed out, forcing exit")
	}

	if s.tracerCloser != nil {
		s.tracerCloser.Close()
	}

	return nil
}
