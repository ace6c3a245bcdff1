// Package session assembles one authenticated chat session: the single
// shared transport handle, the reconciliation store, the presence tracker,
// the roster, and the local history cache. The session owns every
// subscription disposer and tears everything down exactly once.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatwire/internal/api"
	"chatwire/internal/chat"
	"chatwire/internal/config"
	"chatwire/internal/domain"
	"chatwire/internal/history"
	"chatwire/internal/presence"
	"chatwire/internal/roster"
	"chatwire/internal/transport"
)

// Session is one logged-in user's sync engine.
type Session struct {
	Self      string
	Transport domain.Transport
	API       *api.Client
	Store     *chat.Store
	Presence  *presence.Tracker
	Roster    *roster.Aggregator
	History   *history.SQLiteStore // nil when disabled

	logger    *slog.Logger
	cancel    context.CancelFunc
	disposers []domain.Disposer
	closeOnce sync.Once
}

// New builds a session from config. Nothing touches the network until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	self := cfg.Auth.Username

	apiClient := api.NewClient(api.Config{
		BaseURL: cfg.Server.BaseURL,
		Token:   cfg.Auth.Token,
		Timeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	tr := transport.New(transport.Config{
		WSURL:         cfg.Server.WSURL,
		TokenURL:      cfg.Server.BaseURL + "/api/csrf",
		UserID:        self,
		Token:         cfg.Auth.Token,
		Heartbeat:     time.Duration(cfg.Transport.HeartbeatSeconds) * time.Second,
		ReconnectBase: time.Duration(cfg.Transport.ReconnectBaseMS) * time.Millisecond,
		ReconnectMax:  time.Duration(cfg.Transport.ReconnectMaxMS) * time.Millisecond,
		MaxReconnects: cfg.Transport.MaxReconnects,
		TokenTimeout:  time.Duration(cfg.Transport.TokenTimeoutSeconds) * time.Second,
		Logger:        logger,
	})

	store := chat.NewStore(chat.Config{
		Self:      self,
		Transport: tr,
		Queries:   apiClient,
		Sender:    apiClient,
		Uploader:  apiClient,
		Dedup: chat.DedupPolicy{
			ExactResend: time.Duration(cfg.Chat.ExactResendWindowMS) * time.Millisecond,
			Text:        time.Duration(cfg.Chat.TextWindowMS) * time.Millisecond,
			Attachment:  time.Duration(cfg.Chat.AttachmentWindowMS) * time.Millisecond,
		},
		Logger: logger,
	})

	tracker := presence.NewTracker(presence.Config{
		Self:              self,
		Transport:         tr,
		TypingTimeout:     time.Duration(cfg.Presence.TypingTimeoutMS) * time.Millisecond,
		InactivityTimeout: time.Duration(cfg.Presence.InactivityTimeoutMS) * time.Millisecond,
		Logger:            logger,
	})

	agg := roster.New(roster.Config{
		Self:           self,
		Store:          store,
		Transport:      tr,
		Queries:        apiClient,
		RefreshOffline: time.Duration(cfg.Roster.RefreshOfflineSeconds) * time.Second,
		RefreshOnline:  time.Duration(cfg.Roster.RefreshOnlineSeconds) * time.Second,
		Logger:         logger,
	})

	s := &Session{
		Self:      self,
		Transport: tr,
		API:       apiClient,
		Store:     store,
		Presence:  tracker,
		Roster:    agg,
		logger:    logger,
	}

	if cfg.History.Enabled {
		cache, err := history.NewSQLiteStore(cfg.History.DBPath, logger)
		if err != nil {
			return nil, err
		}
		s.History = cache
	}

	return s, nil
}

// Start wires every component to the shared transport handle and connects.
func (s *Session) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.Store.Start()
	s.Presence.Start()
	s.Roster.Start(ctx)

	if s.History != nil {
		// Cold start: show cached summaries before the network is up.
		if rows, err := s.History.Summaries(ctx); err == nil {
			s.Roster.Seed(rows)
		} else {
			s.logger.Warn("cannot read cached summaries", "err", err)
		}
		s.disposers = append(s.disposers, s.Store.OnEvent(s.persistEvent))
	}

	return s.Transport.Connect(ctx)
}

// persistEvent mirrors confirmed traffic into the history cache.
func (s *Session) persistEvent(ev chat.Event) {
	switch ev.Kind {
	case chat.KindIncoming, chat.KindConfirmed:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.History.SaveMessage(ctx, ev.Peer, ev.Message); err != nil {
		s.logger.Warn("cannot cache message", "id", ev.Message.ID, "err", err)
	}
	err := s.History.SaveSummary(ctx, domain.ChatSummary{
		PeerID:      ev.Peer,
		LastMessage: ev.Message.Content,
		LastUpdated: ev.Message.Timestamp,
		LastSender:  ev.Message.Sender,
	})
	if err != nil {
		s.logger.Warn("cannot cache summary", "peer", ev.Peer, "err", err)
	}
}

// OpenConversation makes peer the active conversation: pins it in the
// roster, seeds it from the cache, and starts the historical fetch
// (cancelling the previous conversation's in-flight fetch).
func (s *Session) OpenConversation(ctx context.Context, peer string) {
	s.Roster.SetActivePeer(peer)
	if s.History != nil {
		if cached, err := s.History.Recent(ctx, peer, 100); err == nil && len(cached) > 0 {
			s.Store.MergeHistory(peer, cached)
		}
	}
	s.Store.OpenConversation(ctx, peer)
}

// Close tears the session down: subscriptions first, then the transport,
// so no callback fires into a closed component. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for _, d := range s.disposers {
			d()
		}
		s.disposers = nil
		s.Roster.Close()
		s.Presence.Close()
		s.Store.Close()
		s.Transport.Disconnect()
		if s.cancel != nil {
			s.cancel()
		}
		if s.History != nil {
			if err := s.History.Close(); err != nil {
				s.logger.Warn("history close failed", "err", err)
			}
		}
		s.logger.Info("session closed", "user", s.Self)
	})
}

// Logout announces INACTIVE, clears every per-session store including the
// local cache, and closes the session.
func (s *Session) Logout() {
	s.Presence.ForceInactive()
	s.Store.Clear()
	s.Roster.Clear()
	if s.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.History.Clear(ctx); err != nil {
			s.logger.Warn("history clear failed", "err", err)
		}
		cancel()
	}
	s.Close()
}
