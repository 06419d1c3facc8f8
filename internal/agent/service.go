package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/edgeflow/internal/controller"
	"github.com/danmuck/edgeflow/internal/flow/content"
	"github.com/danmuck/edgeflow/internal/logging"
	"github.com/danmuck/edgeflow/internal/observability"
	"github.com/danmuck/edgeflow/internal/protocol/engine"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const Version = "0.1.0"

// Service runs one agent: the flow, the control protocol loop and the admin
// HTTP surface.
type Service struct {
	cfg      ServiceConfig
	registry *controller.Registry
	flow     *controller.Controller
	engine   *engine.Engine
	repo     content.Repository
	router   *gin.Engine
	appeared time.Time
	logger   zerolog.Logger
	serving  atomic.Bool
}

// NewService loads cfg.FlowPath and builds the agent.
func NewService(cfg ServiceConfig, registry *controller.Registry) (*Service, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def, err := controller.LoadFlow(cfg.FlowPath)
	if err != nil {
		return nil, err
	}
	return NewServiceWithFlow(cfg, def, registry)
}

// NewServiceWithFlow builds the agent around an already parsed flow.
func NewServiceWithFlow(cfg ServiceConfig, def controller.FlowDefinition, registry *controller.Registry) (*Service, error) {
	cfg = cfg.WithDefaults()
	if strings.TrimSpace(cfg.Engine.Address) == "" {
		return nil, engine.ErrControllerAddressRequired
	}
	repo, err := openRepository(cfg.ContentDir)
	if err != nil {
		return nil, err
	}
	ctl, err := controller.New(def, registry, repo)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	eng, err := engine.New(cfg.Engine, ctl)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	s := &Service{
		cfg:      cfg,
		registry: registry,
		flow:     ctl,
		engine:   eng,
		repo:     repo,
		appeared: time.Now(),
		logger:   logging.Component("agent").With().Str("agent", def.Name).Logger(),
	}
	s.router = s.newRouter()
	return s, nil
}

func openRepository(dir string) (content.Repository, error) {
	if strings.TrimSpace(dir) == "" {
		return content.NewMemoryRepository(), nil
	}
	repo, err := content.OpenBadgerRepository(dir)
	if err != nil {
		return nil, fmt.Errorf("agent: open content repository %s: %w", dir, err)
	}
	return repo, nil
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs the agent until ctx is cancelled or a supervised task fails,
// then stops the flow and closes the content repository.
func (s *Service) Serve(ctx context.Context) error {
	observability.RegisterMetrics()
	if s.cfg.StartFlowOnBoot {
		if err := s.flow.Start(); err != nil {
			return err
		}
	}
	defer s.shutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.Run(gctx)
	})
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		g.Go(func() error {
			return s.serveAdmin(gctx, addr)
		})
	}
	s.serving.Store(true)
	s.logger.Info().
		Str("controller", s.cfg.Engine.Address).
		Str("admin", s.cfg.AdminListenAddr).
		Bool("flow_running", s.flow.Running()).
		Msg("agent ready")

	err := g.Wait()
	s.serving.Store(false)
	return err
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info().Str("addr", addr).Msg("admin listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("agent: admin server: %w", err)
	}
	return nil
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.flow.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("flow shutdown incomplete")
	}
	if err := s.repo.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close content repository failed")
	}
	s.logger.Info().Msg("agent stopped")
}

// Handler exposes the admin routes.
func (s *Service) Handler() http.Handler { return s.router }

func (s *Service) Flow() *controller.Controller { return s.flow }

func (s *Service) Engine() *engine.Engine { return s.engine }
