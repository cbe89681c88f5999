package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-appsec/pktreplay/pktreplay/config"
	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
	"github.com/go-appsec/pktreplay/pktreplay/service/events"
	"github.com/go-appsec/pktreplay/pktreplay/service/packetsource"
	"github.com/go-appsec/pktreplay/pktreplay/service/proxy"
	"github.com/go-appsec/pktreplay/pktreplay/service/replay"
	"github.com/go-appsec/pktreplay/pktreplay/service/scheduler"
	"github.com/go-appsec/pktreplay/pktreplay/service/store"
)

const (
	shutdownTimeout = 10 * time.Second
	logFileName     = "service.log"
	dataSubdir      = "data"
)

// StorageDir returns where records and tasks are persisted under dataDir.
// The offline CLI commands open the same location.
func StorageDir(dataDir string) string {
	return filepath.Join(dataDir, dataSubdir)
}

// OpenRepository opens the persisted records and tasks under dataDir.
func OpenRepository(dataDir string) (*store.Repository, error) {
	storage, err := store.NewFileStorage(StorageDir(dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store.NewRepository(storage), nil
}

// Server is the pktreplay service: proxy, capture store, scheduler and event stream.
type Server struct {
	flags ServeFlags
	cfg   *config.Config

	// Runtime state
	started   chan struct{}
	startedAt time.Time
	logFile   *os.File

	repo      *store.Repository
	captures  *capture.Store
	engine    *replay.Engine
	scheduler *scheduler.Scheduler
	proxy     *proxy.ProxyServer
	hub       *events.Hub
	eventsSrv *http.Server
	eventsLn  net.Listener

	// Background workers (proxy accept loop, event server, ingestor)
	workersCtx    context.Context
	workersCancel context.CancelFunc

	// Shutdown coordination
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewServer creates a service instance. Nothing is opened until Run.
func NewServer(flags ServeFlags) (*Server, error) {
	if flags.DataDir == "" {
		return nil, errors.New("data dir is required")
	}
	return &Server{
		flags:      flags,
		started:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}, nil
}

// WaitTillStarted blocks until the server has started (or failed to).
func (s *Server) WaitTillStarted() {
	<-s.started
}

// ProxyAddr returns the bound proxy address, or "" before start.
func (s *Server) ProxyAddr() string {
	if s.proxy == nil {
		return ""
	}
	return s.proxy.Addr()
}

// EventsAddr returns the bound event stream address, or "" when disabled.
func (s *Server) EventsAddr() string {
	if s.eventsLn == nil {
		return ""
	}
	return s.eventsLn.Addr().String()
}

// Captures returns the capture store. Valid after WaitTillStarted.
func (s *Server) Captures() *capture.Store {
	return s.captures
}

// Scheduler returns the task scheduler. Valid after WaitTillStarted.
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Run starts every service and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	markStarted := sync.OnceFunc(func() {
		s.startedAt = time.Now()
		close(s.started)
	})
	defer markStarted()

	if err := os.MkdirAll(s.flags.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if s.flags.LogFile {
		if err := s.setupLogFile(); err != nil {
			return err
		}
		defer s.closeLogFile()
	}

	log.Printf("pktreplay service starting (version=%s-%s)", config.Version, config.RevNum)

	if err := s.loadOrCreateConfig(); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	s.workersCtx, s.workersCancel = context.WithCancel(context.Background())
	if err := s.setup(); err != nil {
		_ = s.shutdown()
		return err
	}

	markStarted()
	log.Printf("proxy listening on %s", s.proxy.Addr())
	if addr := s.EventsAddr(); addr != "" {
		log.Printf("event stream on ws://%s%s", addr, events.Path)
	}

	select {
	case <-ctx.Done():
		log.Printf("context cancelled, initiating shutdown")
	case sig := <-sigCh:
		log.Printf("received signal %v, initiating shutdown", sig)
	case <-s.shutdownCh:
		log.Printf("shutdown requested")
	}

	return s.shutdown()
}

// setup constructs services bottom-up: storage, capture store, replay,
// scheduler, proxy, then the optional event stream and ingestor.
func (s *Server) setup() error {
	var err error
	if s.repo, err = OpenRepository(s.flags.DataDir); err != nil {
		return err
	}
	s.captures = capture.NewStore(s.cfg.MaxRecords, s.repo)

	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout.Std()}
	s.engine = replay.NewEngine(dialer, &http.Client{}, s.cfg.ReplayTimeout.Std())
	s.scheduler = scheduler.New(s.engine, s.repo, scheduler.RealClock{})
	s.scheduler.OnTaskExecuted(func(task scheduler.ReplayTask, success bool, message string) {
		log.Printf("scheduler: task %s (%s) success=%v: %s", task.ID, task.Record.DisplayName(), success, message)
	})

	s.proxy, err = proxy.NewProxyServer(proxy.Options{
		ListenHost:      s.cfg.ListenHost,
		Port:            s.cfg.ProxyPort,
		DialTimeout:     s.cfg.DialTimeout.Std(),
		HeadReadTimeout: s.cfg.HeadReadTimeout.Std(),
		ErrorMode:       proxy.ErrorMode(s.cfg.PlainHTTPErrorMode),
		Dialer:          dialer,
	}, s.captures)
	if err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}

	if s.cfg.EventsAddr != "" {
		if err := s.startEvents(s.cfg.EventsAddr); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.proxy.Serve(); err != nil {
			log.Printf("proxy: server error: %v", err)
		}
	}()
	if err := s.proxy.WaitReady(s.workersCtx); err != nil {
		return err
	}

	if s.cfg.IngestDir != "" {
		ingestor := packetsource.NewIngestor(s.cfg.IngestDir, s.cfg.IngestInterval.Std(), s.captures)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ingestor.Run(s.workersCtx)
		}()
		log.Printf("packetsource: watching %s and *%s dumps", filepath.Join(s.cfg.IngestDir, packetsource.SharedFileName), packetsource.DumpExt)
	}

	s.scheduler.StartAllScheduledTasks()
	return nil
}

// startEvents binds the event stream and wires every service callback into the hub.
func (s *Server) startEvents(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for events on %s: %w", addr, err)
	}
	s.eventsLn = ln

	s.hub = events.NewHub()
	s.captures.Subscribe(s.hub.OnPacketCaptured)
	s.proxy.OnStatusChanged(s.hub.OnStatusChanged)
	s.scheduler.OnTaskExecuted(s.hub.OnTaskExecuted)
	s.scheduler.OnTasksUpdated(s.hub.OnTasksUpdated)

	s.eventsSrv = &http.Server{
		Handler:           s.hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.eventsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("events: server error: %v", err)
		}
	}()
	return nil
}

// shutdown performs graceful shutdown in reverse start order.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.workersCancel != nil {
		s.workersCancel()
	}
	if s.proxy != nil {
		if err := s.proxy.Shutdown(ctx); err != nil {
			log.Printf("proxy shutdown error: %v", err)
		}
	}
	if s.eventsSrv != nil {
		if err := s.eventsSrv.Shutdown(ctx); err != nil {
			log.Printf("events server shutdown error: %v", err)
		}
	} else if s.eventsLn != nil {
		_ = s.eventsLn.Close()
	}
	if s.hub != nil {
		s.hub.Stop()
	}

	// Wait for background workers
	s.wg.Wait()

	if s.scheduler != nil {
		s.scheduler.Close()
	}
	if s.captures != nil {
		if err := s.captures.Close(); err != nil {
			log.Printf("warning: failed to save captures: %v", err)
		}
	}
	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			log.Printf("warning: failed to close storage: %v", err)
		}
	}

	log.Printf("pktreplay service stopped")
	return nil
}

// RequestShutdown initiates server shutdown.
func (s *Server) RequestShutdown() {
	select {
	case <-s.shutdownCh:
		// Already shutting down
	default:
		close(s.shutdownCh)
	}
}

// loadOrCreateConfig loads config and applies CLI flag overrides.
// Precedence: CLI flags > config file > defaults
func (s *Server) loadOrCreateConfig() error {
	cfg, err := config.LoadOrCreate(s.flags.ResolvedConfigPath())
	if err != nil {
		return err
	}

	if s.flags.Port != 0 {
		cfg.ProxyPort = s.flags.Port
	}
	if s.flags.ListenHost != "" {
		cfg.ListenHost = s.flags.ListenHost
	}
	if s.flags.EventsAddrSet {
		cfg.EventsAddr = s.flags.EventsAddr
	}

	s.cfg = cfg
	return cfg.Validate()
}

func (s *Server) setupLogFile() error {
	f, err := os.OpenFile(filepath.Join(s.flags.DataDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	s.logFile = f
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

func (s *Server) closeLogFile() {
	log.SetOutput(os.Stderr)
	_ = s.logFile.Close()
}
