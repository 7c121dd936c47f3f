package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cometa-rocks/sandboxd/internal/allocator"
	apihttp "github.com/cometa-rocks/sandboxd/internal/api/http"
	"github.com/cometa-rocks/sandboxd/internal/api/middleware"
	"github.com/cometa-rocks/sandboxd/internal/artifacts"
	"github.com/cometa-rocks/sandboxd/internal/catalog"
	"github.com/cometa-rocks/sandboxd/internal/events"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/config"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/logging"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/monitoring"
	"github.com/cometa-rocks/sandboxd/internal/infrastructure/tracing"
	"github.com/cometa-rocks/sandboxd/internal/runtime"
	"github.com/cometa-rocks/sandboxd/internal/runtime/docker"
	"github.com/cometa-rocks/sandboxd/internal/runtime/kubernetes"
	"github.com/cometa-rocks/sandboxd/internal/store"
)

const proxyTimeout = 60 * time.Second

// Server wires the allocation service, runtime backend, record store and
// HTTP surface together.
type Server struct {
	cfg     *config.Config
	log     *logging.Logger
	http    *http.Server
	store   *store.Store
	backend runtime.Backend
	service *allocator.Service

	sweeperCancel context.CancelFunc
	sweeperDone   chan struct{}
}

// New builds a fully wired server from configuration.
func New(cfg *config.Config, log *logging.Logger) (*Server, error) {
	metrics := monitoring.NewMetrics()

	st, err := store.Open(cfg.Runtime.StorePath)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(cfg, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	service := allocator.New(
		st,
		backend,
		runtime.NewSpecBuilder(cfg),
		catalog.New(cfg.Catalog, log),
		artifacts.New(cfg.Artifacts.Root),
		events.New(cfg.Events, log),
		metrics,
		log,
		cfg,
	)

	router := newRouter(cfg, log, metrics, service)

	srv := &Server{
		cfg:     cfg,
		log:     log,
		store:   st,
		backend: backend,
		service: service,
		http: &http.Server{
			Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler: router,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.sweeperCancel = cancel
	srv.sweeperDone = make(chan struct{})
	sweeper := allocator.NewSweeper(service, cfg.Pool.SweepInterval, log)
	go func() {
		defer close(srv.sweeperDone)
		sweeper.Run(ctx)
	}()

	return srv, nil
}

// newBackend selects the runtime backend from configuration.
func newBackend(cfg *config.Config, log *logging.Logger) (runtime.Backend, error) {
	switch cfg.Runtime.Backend {
	case config.BackendDocker:
		return docker.New(log)
	case config.BackendKubernetes:
		return kubernetes.New(cfg, log)
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", cfg.Runtime.Backend)
	}
}

func newRouter(cfg *config.Config, log *logging.Logger, metrics *monitoring.Metrics, service *allocator.Service) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	router.Use(middleware.Identity())
	router.Use(tracing.HTTPMiddleware(tracing.New("sandboxd", log)))
	router.Use(monitoring.Middleware(metrics))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(service, log)
	proxy := apihttp.NewProxy(service, metrics, log, cfg.Runtime.ControlPort, proxyTimeout)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": cfg.Runtime.Backend})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/sandboxes", handlers.CreateSandbox)
	router.POST("/sandboxes:claim", handlers.ClaimSandbox)
	router.GET("/sandboxes", handlers.ListSandboxes)
	router.GET("/sandboxes/:id", handlers.GetSandbox)
	router.PATCH("/sandboxes/:id", handlers.PatchSandbox)
	router.POST("/sandboxes/:id/release", handlers.ReleaseSandbox)
	router.DELETE("/sandboxes/:id", handlers.DeleteSandbox)
	router.Any("/sandboxes/:id/proxy/*path", proxy.Handle)

	return router
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	s.log.Info("sandboxd listening",
		zap.String("addr", s.http.Addr),
		zap.String("backend", string(s.cfg.Runtime.Backend)))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, the sweeper, and drains in-flight
// background work before releasing resources.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.sweeperCancel()
	select {
	case <-s.sweeperDone:
	case <-ctx.Done():
	}

	s.service.Wait()

	if cerr := s.backend.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
