package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrUserNotFound is returned by a UserDirectory for unknown users.
var ErrUserNotFound = errors.New("user not found")

// UserDirectory resolves resource owners.
type UserDirectory interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
}

// StaticDirectory is an immutable in-memory UserDirectory built from configuration.
type StaticDirectory struct {
	byName map[string]*User
	byID   map[string]*User
}

// NewStaticDirectory builds the directory. Plaintext passwords are hashed
// with bcrypt here so they never live in memory past startup.
func NewStaticDirectory(users []UserConfig) (*StaticDirectory, error) {
	d := &StaticDirectory{
		byName: make(map[string]*User, len(users)),
		byID:   make(map[string]*User, len(users)),
	}
	for i, u := range users {
		hash := []byte(u.PasswordHash)
		if len(hash) == 0 {
			var err error
			hash, err = bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("users[%d]: hash password: %w", i, err)
			}
		} else if _, err := bcrypt.Cost(hash); err != nil {
			return nil, fmt.Errorf("users[%d]: invalid password_hash: %w", i, err)
		}
		user := &User{
			ID:                u.ID,
			Username:          u.Username,
			PasswordHash:      hash,
			Name:              u.Name,
			Email:             u.Email,
			PreferredUsername: u.PreferredUsername,
		}
		if user.PreferredUsername == "" {
			user.PreferredUsername = u.Username
		}
		if _, dup := d.byName[user.Username]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate username %q", i, user.Username)
		}
		if _, dup := d.byID[user.ID]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate id %q", i, user.ID)
		}
		d.byName[user.Username] = user
		d.byID[user.ID] = user
	}
	return d, nil
}

// FindByUsername returns the user with the given username.
func (d *StaticDirectory) FindByUsername(_ context.Context, username string) (*User, error) {
	if u, ok := d.byName[username]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

// FindByID returns the user with the given id.
func (d *StaticDirectory) FindByID(_ context.Context, id string) (*User, error) {
	if u, ok := d.byID[id]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

// CredentialVerifier checks username/password pairs against a UserDirectory.
type CredentialVerifier struct {
	users   UserDirectory
	timeout time.Duration
	dummy   []byte
}

// NewCredentialVerifier wraps users with a bounded lookup timeout.
func NewCredentialVerifier(users UserDirectory, timeout time.Duration) (*CredentialVerifier, error) {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("not-a-real-password"), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("init dummy hash: %w", err)
	}
	return &CredentialVerifier{users: users, timeout: timeout, dummy: dummy}, nil
}

// Verify returns the user for a correct username/password pair and
// ErrAuthFailed otherwise. Unknown users still pay for a bcrypt comparison.
func (v *CredentialVerifier) Verify(ctx context.Context, username, password string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	user, err := v.users.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrUserNotFound):
		_ = bcrypt.CompareHashAndPassword(v.dummy, []byte(password))
		return nil, ErrAuthFailed
	case err != nil:
		return nil, lookupError(ctx, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, ErrAuthFailed
	}
	return user, nil
}

// Lookup resolves a user by id under the same timeout as Verify.
func (v *CredentialVerifier) Lookup(ctx context.Context, id string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	user, err := v.users.FindByID(ctx, id)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, lookupError(ctx, err)
	}
	return user, err
}

func lookupError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: user lookup: %w", ErrUnavailable, err)
	}
	return fmt.Errorf("user lookup: %w", err)
}

// HashPassword returns a bcrypt hash suitable for users.static[].password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
