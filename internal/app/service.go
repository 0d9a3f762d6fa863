package app

import (
	"context"
	"database/sql"
	"errors"

	"atelier/realtime/internal/auth"
	"atelier/realtime/internal/notify"
	"atelier/realtime/internal/presence"
	docsync "atelier/realtime/internal/sync"
	"atelier/realtime/internal/ws"
)

// Session is the authenticated caller extracted from a bearer token. Tokens
// are minted by the workspace API; this service only verifies them.
type Session struct {
	UserID   string
	UserName string
	Role     string
}

// Service wires the realtime subsystems together for the HTTP/websocket
// layer.
type Service struct {
	secret        []byte
	eventToken    string
	db            *sql.DB
	presence      *presence.Store
	notifications *notify.Service
	registry      *docsync.Registry
	hub           *ws.Hub
}

func NewService(secret []byte, eventToken string, db *sql.DB, pres *presence.Store, notifications *notify.Service, registry *docsync.Registry, hub *ws.Hub) *Service {
	return &Service{
		secret:        secret,
		eventToken:    eventToken,
		db:            db,
		presence:      pres,
		notifications: notifications,
		registry:      registry,
		hub:           hub,
	}
}

func (s *Service) EventToken() string { return s.eventToken }

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, UserName: claims.Name, Role: claims.Role}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database not configured")
	}
	return s.db.PingContext(ctx)
}

func (s *Service) PingPresence(ctx context.Context) error {
	if s.presence == nil {
		return nil
	}
	return s.presence.Ping(ctx)
}
