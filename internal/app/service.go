package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"retroboard/api/internal/auth"
	"retroboard/api/internal/authpw"
	"retroboard/api/internal/email"
	"retroboard/api/internal/retro"
	"retroboard/api/internal/store"
	"retroboard/api/internal/util"
)

// SessionRecordStore is the persistence surface for board state records.
// It is satisfied by both the plain Postgres store and the Redis-backed
// cache wrapper.
type SessionRecordStore interface {
	FindSession(ctx context.Context, sessionID string) (store.SessionRecord, error)
	CreateSession(ctx context.Context, sessionID, adminID string, data []byte) error
	UpsertSession(ctx context.Context, sessionID, adminID string, data []byte) error
	SetSessionStatus(ctx context.Context, sessionID, status string) error
}

// HistoryStore covers the queries that always go straight to Postgres.
type HistoryStore interface {
	ListClosedSessions(ctx context.Context, adminID string) ([]store.SessionRecord, error)
	LastClosedSession(ctx context.Context, adminID string) (store.SessionRecord, error)
	Ping(ctx context.Context) error
}

// Session is an authenticated caller derived from a bearer token.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type Service struct {
	sessions    SessionRecordStore
	history     HistoryStore
	accounts    *authpw.Service
	mailer      *email.Service
	tokenSecret []byte
	tokenTTL    time.Duration
	appBaseURL  string
}

func NewService(sessions SessionRecordStore, history HistoryStore, accounts *authpw.Service, mailer *email.Service, tokenSecret string, tokenTTL time.Duration, appBaseURL string) *Service {
	return &Service{
		sessions:    sessions,
		history:     history,
		accounts:    accounts,
		mailer:      mailer,
		tokenSecret: []byte(tokenSecret),
		tokenTTL:    tokenTTL,
		appBaseURL:  appBaseURL,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.history.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// ---- accounts ----

func (s *Service) Register(ctx context.Context, username, password, emailAddr string) (Session, error) {
	user, err := s.accounts.Register(ctx, authpw.RegisterRequest{
		Username: username,
		Password: password,
		Email:    emailAddr,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrUsernameTaken) {
			return Session{}, domainError(http.StatusConflict, "USERNAME_EXISTS", "Username already registered", nil)
		}
		return Session{}, domainError(http.StatusBadRequest, "REGISTER_FAILED", err.Error(), nil)
	}
	return s.issueSession(user.ID, user.Username)
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.accounts.Login(ctx, username, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password", nil)
	}
	return s.issueSession(user.ID, user.Username)
}

// RequestPasswordReset mails a reset link when the address belongs to an
// account. The returned token is only surfaced to callers when no mailer is
// configured, as a dev bypass.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (string, error) {
	token, user, err := s.accounts.RequestPasswordReset(ctx, emailAddr)
	if err != nil {
		return "", fmt.Errorf("request password reset: %w", err)
	}
	if token == "" {
		return "", nil
	}

	if s.SMTPConfigured() {
		resetURL := s.appBaseURL + "/reset-password?token=" + url.QueryEscape(token)
		if err := s.mailer.SendPasswordResetEmail(user.Email, user.Username, resetURL); err != nil {
			log.Printf(`{"msg":"password reset email failed","error":%q}`, err.Error())
		}
		return "", nil
	}
	return token, nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := s.accounts.ResetPassword(ctx, token, newPassword); err != nil {
		if errors.Is(err, authpw.ErrInvalidResetToken) {
			return domainError(http.StatusBadRequest, "RESET_FAILED", "Invalid or expired reset token", nil)
		}
		return domainError(http.StatusBadRequest, "RESET_FAILED", err.Error(), nil)
	}
	return nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken(s.tokenSecret, token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) issueSession(userID, userName string) (Session, error) {
	expiresAt := time.Now().Add(s.tokenTTL)
	token, err := auth.IssueToken(s.tokenSecret, auth.Claims{
		Sub:  userID,
		Name: userName,
		JTI:  util.NewID("jti"),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	return Session{
		Token:     token,
		UserID:    userID,
		UserName:  userName,
		ExpiresAt: expiresAt,
	}, nil
}

// ---- retro sessions ----

// CreateRetroSession provisions a fresh board owned by the caller. When
// sessionID is empty a random one is generated; a caller-picked ID that is
// already taken is a conflict.
func (s *Service) CreateRetroSession(ctx context.Context, session Session, sessionID string) (retro.SessionState, error) {
	if sessionID == "" {
		sessionID = util.NewID("retro")
	} else if _, err := s.sessions.FindSession(ctx, sessionID); err == nil {
		return retro.SessionState{}, domainError(http.StatusConflict, "SESSION_EXISTS", "Session already exists", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return retro.SessionState{}, fmt.Errorf("check session: %w", err)
	}

	state := retro.NewSessionState(sessionID, session.UserID)
	data, err := retro.EncodeState(state)
	if err != nil {
		return retro.SessionState{}, fmt.Errorf("encode session: %w", err)
	}
	if err := s.sessions.CreateSession(ctx, sessionID, session.UserID, data); err != nil {
		return retro.SessionState{}, fmt.Errorf("create session: %w", err)
	}
	return state, nil
}

// SessionSummary is one closed session in the admin's history.
type SessionSummary struct {
	SessionID   string             `json:"sessionId"`
	ClosedAt    time.Time          `json:"closedAt"`
	Phase       retro.Phase        `json:"phase"`
	TicketCount int                `json:"ticketCount"`
	ThemeCount  int                `json:"themeCount"`
	Actions     []retro.ActionItem `json:"actions"`
}

func (s *Service) SessionHistory(ctx context.Context, session Session) ([]SessionSummary, error) {
	records, err := s.history.ListClosedSessions(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(records))
	for _, record := range records {
		state, err := retro.DecodeState(record.Data)
		if err != nil {
			// Skip records whose blob no longer decodes rather than
			// failing the whole history listing.
			log.Printf(`{"msg":"undecodable session record","sessionId":%q}`, record.SessionID)
			continue
		}
		summaries = append(summaries, SessionSummary{
			SessionID:   record.SessionID,
			ClosedAt:    record.UpdatedAt,
			Phase:       state.Phase,
			TicketCount: len(state.Tickets),
			ThemeCount:  len(state.Themes),
			Actions:     state.Actions,
		})
	}
	return summaries, nil
}

// LastActions returns the action items recorded in the caller's most
// recently closed session, so a new retro can start from last time's
// follow-ups.
func (s *Service) LastActions(ctx context.Context, session Session) ([]retro.ActionItem, error) {
	record, err := s.history.LastClosedSession(ctx, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return []retro.ActionItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last closed session: %w", err)
	}

	state, err := retro.DecodeState(record.Data)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", record.SessionID, err)
	}
	if state.Actions == nil {
		return []retro.ActionItem{}, nil
	}
	return state.Actions, nil
}
