package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"retroboard/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users         map[string]store.User
	usernameIndex map[string]string
	emailIndex    map[string]string
	resets        map[string]struct {
		userID    string
		expiresAt time.Time
		used      bool
	}
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:         make(map[string]store.User),
		usernameIndex: make(map[string]string),
		emailIndex:    make(map[string]string),
		resets: make(map[string]struct {
			userID    string
			expiresAt time.Time
			used      bool
		}),
	}
}

func (m *mockUserStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	if userID, ok := m.usernameIndex[username]; ok {
		return m.users[userID], nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.ID] = user
	m.usernameIndex[user.Username] = user.ID
	if user.Email != "" {
		m.emailIndex[user.Email] = user.ID
	}
	return nil
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := m.users[userID]; ok {
		user.PasswordHash = passwordHash
		m.users[userID] = user
		return nil
	}
	return store.ErrNotFound
}

func (m *mockUserStore) CreatePasswordReset(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	m.resets[tokenHash] = struct {
		userID    string
		expiresAt time.Time
		used      bool
	}{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *mockUserStore) GetPasswordReset(ctx context.Context, tokenHash string) (string, error) {
	if reset, ok := m.resets[tokenHash]; ok && !reset.used && time.Now().Before(reset.expiresAt) {
		return reset.userID, nil
	}
	return "", store.ErrNotFound
}

func (m *mockUserStore) MarkPasswordResetUsed(ctx context.Context, tokenHash string) error {
	if reset, ok := m.resets[tokenHash]; ok {
		reset.used = true
		m.resets[tokenHash] = reset
	}
	return nil
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMockUserStore())

	t.Run("successful registration", func(t *testing.T) {
		user, err := svc.Register(ctx, RegisterRequest{
			Username: "alice",
			Password: "password123",
			Email:    "alice@example.com",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.ID == "" {
			t.Error("expected user ID to be set")
		}
		if user.PasswordHash == "password123" {
			t.Error("expected password to be hashed")
		}
	})

	t.Run("duplicate username", func(t *testing.T) {
		_, err := svc.Register(ctx, RegisterRequest{Username: "alice", Password: "password123"})
		if !errors.Is(err, ErrUsernameTaken) {
			t.Errorf("err = %v, want ErrUsernameTaken", err)
		}
	})

	t.Run("short password", func(t *testing.T) {
		if _, err := svc.Register(ctx, RegisterRequest{Username: "bob", Password: "short"}); err == nil {
			t.Error("expected error for short password")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		if _, err := svc.Register(ctx, RegisterRequest{}); err == nil {
			t.Error("expected error for missing fields")
		}
	})

	t.Run("username is trimmed", func(t *testing.T) {
		user, err := svc.Register(ctx, RegisterRequest{Username: "  carol  ", Password: "password123"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Username != "carol" {
			t.Errorf("username = %q, want carol", user.Username)
		}
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMockUserStore())

	if _, err := svc.Register(ctx, RegisterRequest{Username: "alice", Password: "password123"}); err != nil {
		t.Fatal(err)
	}

	t.Run("successful login", func(t *testing.T) {
		user, err := svc.Login(ctx, "alice", "password123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Username != "alice" {
			t.Errorf("username = %q, want alice", user.Username)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		if _, err := svc.Login(ctx, "alice", "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("err = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("unknown user", func(t *testing.T) {
		if _, err := svc.Login(ctx, "nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("err = %v, want ErrInvalidCredentials", err)
		}
	})
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	if _, err := svc.Register(ctx, RegisterRequest{
		Username: "alice",
		Password: "password123",
		Email:    "alice@example.com",
	}); err != nil {
		t.Fatal(err)
	}

	t.Run("request reset for existing account", func(t *testing.T) {
		token, user, err := svc.RequestPasswordReset(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token == "" {
			t.Error("expected a token")
		}
		if user.Username != "alice" {
			t.Errorf("user = %+v", user)
		}
	})

	t.Run("unknown email yields no token and no error", func(t *testing.T) {
		token, _, err := svc.RequestPasswordReset(ctx, "nobody@example.com")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token != "" {
			t.Error("expected empty token for unknown email")
		}
	})

	t.Run("reset with valid token", func(t *testing.T) {
		token, _, _ := svc.RequestPasswordReset(ctx, "alice@example.com")

		if err := svc.ResetPassword(ctx, token, "newpassword123"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := svc.Login(ctx, "alice", "password123"); err == nil {
			t.Error("expected old password to stop working")
		}
		if _, err := svc.Login(ctx, "alice", "newpassword123"); err != nil {
			t.Errorf("expected new password to work: %v", err)
		}
	})

	t.Run("token is single use", func(t *testing.T) {
		token, _, _ := svc.RequestPasswordReset(ctx, "alice@example.com")

		if err := svc.ResetPassword(ctx, token, "anotherpassword1"); err != nil {
			t.Fatal(err)
		}
		if err := svc.ResetPassword(ctx, token, "yetanotherpass1"); !errors.Is(err, ErrInvalidResetToken) {
			t.Errorf("err = %v, want ErrInvalidResetToken", err)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		if err := svc.ResetPassword(ctx, "bogus", "newpassword123"); !errors.Is(err, ErrInvalidResetToken) {
			t.Errorf("err = %v, want ErrInvalidResetToken", err)
		}
	})

	t.Run("short replacement password", func(t *testing.T) {
		if err := svc.ResetPassword(ctx, "whatever", "short"); err == nil {
			t.Error("expected error for short password")
		}
	})
}
