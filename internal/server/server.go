// Package server is the Lifecycle Controller: it wires the Transport,
// Discovery Agent, Inbound Dispatcher, and RPC Router together, drives
// the start-up order, and unwinds them in the ordered shutdown sequence
// of spec.md ยง4.6.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pitaya-cluster/pitaya/internal/config"
	"github.com/pitaya-cluster/pitaya/pkg/clusterevents"
	"github.com/pitaya-cluster/pitaya/pkg/descriptor"
	"github.com/pitaya-cluster/pitaya/pkg/discovery"
	"github.com/pitaya-cluster/pitaya/pkg/dispatcher"
	"github.com/pitaya-cluster/pitaya/pkg/registry"
	"github.com/pitaya-cluster/pitaya/pkg/router"
	"github.com/pitaya-cluster/pitaya/pkg/transport"
)

const logPrefix = "server:server"

// Drain deadline allocation: most of the shutdown budget goes to waiting
// for in-flight handlers, since that is the step with the least bounded
// duration; the rest covers lease revocation.
const (
	drainBudgetFraction    = 0.7
	revokeBudgetFraction   = 0.25
)

// Server is the pitaya-node Lifecycle Controller.
type Server struct {
	cfg *config.Config

	tr    *transport.Transport
	agent *discovery.Agent
	disp  *dispatcher.Dispatcher
	rt    *router.Router
	sub   *transport.Subscription
}

// Run loads configuration, performs the Transport.connect -> Discovery.start
// -> Dispatcher.subscribe start-up order, blocks until a shutdown signal
// arrives, and then unwinds everything in reverse. disp must already have
// its handler/remote tables populated; Run only subscribes it.
func Run(disp *dispatcher.Dispatcher) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	configureLogging(cfg)

	slog.Info(fmt.Sprintf("%s - starting %s (kind=%s id=%s)", logPrefix, cfg.ServiceName, cfg.ServerKind, cfg.ServerID))

	s := &Server{cfg: cfg, disp: disp}
	if err := s.start(); err != nil {
		return err
	}

	s.waitShutdownSignal()
	s.shutdown()
	return nil
}

func configureLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.LogLevel {
	case "trace", "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error", "critical":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogKind == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// start performs the ordered Transport.connect -> Discovery.start ->
// Dispatcher.subscribe sequence. Any failure aborts and unwinds what was
// already brought up, in reverse order.
func (s *Server) start() error {
	cfg := s.cfg

	nc, err := transport.Connect(cfg.Addr, cfg.ServiceName, cfg.ConnectionTimeout, cfg.MaxReconnectionAttempts, func(sc transport.StateChange) {
		slog.Info(fmt.Sprintf("%s - transport state changed: %v", logPrefix, sc.State))
	})
	if err != nil {
		return fmt.Errorf("%s - start-up aborted at Transport.connect: %w", logPrefix, err)
	}
	s.tr = transport.New(nc, cfg.MaxPendingMsgs)

	reg := registry.New(cfg.ServerTypeFilters)
	s.rt = router.New(s.tr, reg)

	pub := clusterevents.NewNatsPublisher(nc, nil)

	local := descriptor.LocalServer{Descriptor: descriptor.ServerDescriptor{
		ID:       cfg.ServerID,
		Kind:     cfg.ServerKind,
		Hostname: cfg.ServerHostname,
		Frontend: cfg.ServerFrontend,
		Metadata: cfg.ServerMetadata,
	}}

	discCfg := discovery.Config{
		Endpoints:              cfg.Endpoints,
		EtcdPrefix:              cfg.EtcdPrefix,
		ServerTypeFilters:       cfg.ServerTypeFilters,
		HeartbeatTTLSec:         cfg.HeartbeatTTLSec,
		LogHeartbeat:            cfg.LogHeartbeat,
		LogServerSync:           cfg.LogServerSync,
		LogServerDetails:        cfg.LogServerDetails,
		SyncServersIntervalSec:  cfg.SyncServersIntervalSec,
		MaxNumberOfRetries:      cfg.MaxNumberOfRetries,
	}

	etcdClient, err := discovery.Dial(discCfg)
	if err != nil {
		s.tr.Close()
		return fmt.Errorf("%s - start-up aborted at Discovery.start (dial): %w", logPrefix, err)
	}

	s.agent = discovery.New(discCfg, etcdClient, true, local, reg, pub, &discovery.Options{
		OnLeaseLost: func(err error) {
			slog.Error(fmt.Sprintf("%s - discovery lease lost: %v", logPrefix, err))
		},
	})

	startCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout+5*time.Second)
	defer cancel()
	if err := s.agent.Start(startCtx); err != nil {
		s.tr.Close()
		return fmt.Errorf("%s - start-up aborted at Discovery.start: %w", logPrefix, err)
	}
	if s.agent.State() != discovery.StateActive {
		s.agent.Stop(context.Background())
		s.tr.Close()
		return fmt.Errorf("%s - start-up aborted: discovery did not reach Active", logPrefix)
	}

	subject := transport.ServerRPCSubject(cfg.ServerKind, cfg.ServerID)
	sub, err := s.disp.Subscribe(s.tr, subject, cfg.ServerMaxNumberOfRpcs)
	if err != nil {
		s.agent.Stop(context.Background())
		s.tr.Close()
		return fmt.Errorf("%s - start-up aborted at Dispatcher.subscribe: %w", logPrefix, err)
	}
	s.sub = sub

	slog.Info(fmt.Sprintf("%s - ready, subscribed to %s", logPrefix, subject))
	return nil
}

// waitShutdownSignal blocks until the platform's terminate signal set is
// received.
func (s *Server) waitShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - received signal %s, shutting down", logPrefix, sig))
}

// shutdown runs the ordered unwind of spec.md ยง4.6: stop accepting new
// deliveries, drain in-flight handlers, stop the Router, revoke the
// discovery lease, then close the transport. The drain and revoke steps are
// each bounded by a fraction of server_shutdown_deadline_ms; the other steps
// have no deadline of their own.
func (s *Server) shutdown() {
	total := s.cfg.ServerShutdownDeadline

	// Step 1: stop accepting new deliveries.
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - unsubscribe failed: %v", logPrefix, err))
		}
	}

	// Step 2: wait for in-flight handlers to complete, up to the drain budget.
	drainDeadline := time.Duration(float64(total) * drainBudgetFraction)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainDeadline)
	if !s.disp.Drain(drainCtx) {
		slog.Warn(fmt.Sprintf("%s - drain deadline exceeded, abandoning remaining in-flight handlers", logPrefix))
	}
	cancelDrain()

	// Step 3: Router stops accepting new outbound requests. Pending ones are
	// left to run to their own timeouts or the process's death, whichever is
	// sooner; the Router does not block shutdown on them.
	if s.rt != nil {
		s.rt.Close()
	}

	// Step 4: Discovery Agent revokes its lease.
	revokeDeadline := time.Duration(float64(total) * revokeBudgetFraction)
	revokeCtx, cancelRevoke := context.WithTimeout(context.Background(), revokeDeadline)
	if s.agent != nil {
		if err := s.agent.Stop(revokeCtx); err != nil {
			slog.Warn(fmt.Sprintf("%s - discovery stop failed: %v", logPrefix, err))
		}
	}
	cancelRevoke()

	// Step 5: Transport closes.
	if s.tr != nil {
		s.tr.Close()
	}

	slog.Info(fmt.Sprintf("%s - shutdown complete", logPrefix))
}
