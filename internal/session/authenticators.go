package session

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"

	"sqlgate/internal/core"

	"golang.org/x/crypto/bcrypt"
)

// UserStoreAuthenticator verifies credentials against the internal account
// store (bcrypt hashes).
type UserStoreAuthenticator struct {
	users core.UserRepository
}

func NewUserStoreAuthenticator(users core.UserRepository) *UserStoreAuthenticator {
	return &UserStoreAuthenticator{users: users}
}

func (a *UserStoreAuthenticator) Authenticate(ctx context.Context, username, secret, database, clientAddr string) (bool, error) {
	user, err := a.users.GetUserByUsername(username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Same answer as a wrong password: don't leak which usernames exist.
			return false, nil
		}
		return false, err
	}
	if !user.IsActive {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(secret)) == nil, nil
}

// StaticAuthenticator verifies against a fixed credential map. Intended for
// development and tests; configured via SQLGATE_STATIC_CREDS as
// "user1:pass1,user2:pass2".
type StaticAuthenticator struct {
	Creds map[string]string
}

func NewStaticAuthenticator(creds map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{Creds: creds}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, username, secret, database, clientAddr string) (bool, error) {
	want, ok := a.Creds[username]
	return ok && want == secret, nil
}

// DenyAllAuthenticator refuses everyone. Useful as a safe default for a
// database that should accept no remote logins.
type DenyAllAuthenticator struct{}

func (DenyAllAuthenticator) Authenticate(ctx context.Context, username, secret, database, clientAddr string) (bool, error) {
	return false, nil
}

// Register adds the built-in authenticators to the registry.
func Register(reg *core.Registry) {
	reg.RegisterAuthenticator("userstore", func(deps core.PluginDeps) (core.Authenticator, error) {
		if deps.Users == nil {
			return nil, errors.New("userstore authenticator requires the user repository")
		}
		return NewUserStoreAuthenticator(deps.Users), nil
	})
	reg.RegisterAuthenticator("static", func(deps core.PluginDeps) (core.Authenticator, error) {
		return NewStaticAuthenticator(parseStaticCreds(os.Getenv("SQLGATE_STATIC_CREDS"))), nil
	})
	reg.RegisterAuthenticator("deny_all", func(deps core.PluginDeps) (core.Authenticator, error) {
		return DenyAllAuthenticator{}, nil
	})
}

func parseStaticCreds(raw string) map[string]string {
	creds := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		user, pass, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok && user != "" {
			creds[user] = pass
		}
	}
	return creds
}
