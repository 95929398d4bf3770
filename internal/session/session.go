package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/hamzawahab/parley/internal/config"
	"github.com/hamzawahab/parley/internal/dispatch"
	"github.com/hamzawahab/parley/internal/history"
	"github.com/hamzawahab/parley/internal/logger"
	"github.com/hamzawahab/parley/internal/loop"
	"github.com/hamzawahab/parley/internal/network"
	"github.com/hamzawahab/parley/internal/transfer"
)

// Session wires together Parley runtime services.
type Session struct {
	Config     *config.Config
	Logger     *logger.Logger
	History    *history.Manager
	Loop       *loop.Loop
	Transfers  *transfer.Manager
	Dispatcher *dispatch.Dispatcher
	Discovery  *network.DiscoveryService
	Transfer   *network.TransferService

	mu      sync.RWMutex
	localIP string
	started bool
	status  func(string)
}

func New(cfg *config.Config, log *logger.Logger, ip string) *Session {
	hist := history.New(cfg.ChatLogDir)
	l := loop.New(log)
	return &Session{
		Config:  cfg,
		Logger:  log,
		History: hist,
		Loop:    l,
		Transfers: transfer.NewManager(transfer.Options{
			DownloadDir: cfg.DownloadDir,
			Recorder:    hist,
			Logger:      log,
			Offload:     offloadTo(l, log),
		}),
		localIP: ip,
	}
}

// offloadTo runs work on its own goroutine and hands the result back to l.
func offloadTo(l *loop.Loop, log *logger.Logger) func(func() error, func(error)) {
	return func(work func() error, done func(error)) {
		go func() {
			err := work()
			if postErr := l.Post(func() { done(err) }); postErr != nil {
				log.Warn("transfer result dropped: %v", postErr)
			}
		}()
	}
}

// Start connects the presentation side and brings up the network services.
// Events are only handled once the loop runs.
func (s *Session) Start(windows dispatch.Windows, buddies dispatch.BuddyList, reporter transfer.Reporter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("session already started")
	}
	s.Transfers.SetReporter(reporter)
	s.Dispatcher = dispatch.New(s.Loop, windows, buddies, s.Transfers, dispatch.Options{
		Timeout:    s.Config.DispatchTimeoutDuration(),
		OpenHidden: s.Config.OpenChatHidden,
		Logger:     s.Logger,
	})
	s.Discovery = network.NewDiscoveryService(s.Config, s.Logger, s.Dispatcher)
	s.Transfer = network.NewTransferService(s.Config, s.Logger, s.History, s.Dispatcher, s.Discovery)
	s.Discovery.OnOnline(func(peerID string) {
		if s.Transfer.Outbox().Len(peerID) == 0 {
			return
		}
		if err := s.Transfer.Flush(context.Background(), peerID); err != nil {
			s.Logger.Warn("flush outbox for %s: %v", peerID, err)
		}
	})
	if err := s.Transfer.Start(s.Config.Username, s.localIP); err != nil {
		return fmt.Errorf("start transfer service: %w", err)
	}
	if err := s.Discovery.Start(s.Config.Username, s.localIP, s.Config.ListenPort); err != nil {
		s.Transfer.Stop()
		return fmt.Errorf("start discovery service: %w", err)
	}
	s.started = true
	return nil
}

// OnStatus registers a sink for runtime notices such as network changes.
func (s *Session) OnStatus(fn func(string)) {
	s.mu.Lock()
	s.status = fn
	s.mu.Unlock()
}

// Close releases resources associated with the session.
func (s *Session) Close() {
	if s.Transfer != nil {
		s.Transfer.Stop()
	}
	if s.Discovery != nil {
		s.Discovery.Stop()
	}
	s.Loop.Stop()
	if s.Logger != nil {
		_ = s.Logger.Close()
	}
}
