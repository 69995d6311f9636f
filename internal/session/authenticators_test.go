package session

import (
	"context"
	"database/sql"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"sqlgate/internal/core"
)

type mapUsers map[string]*core.User

func (m mapUsers) CreateUser(username, passwordHash string) (*core.User, error) {
	u := &core.User{Username: username, PasswordHash: passwordHash, IsActive: true}
	m[username] = u
	return u, nil
}

func (m mapUsers) GetUserByUsername(username string) (*core.User, error) {
	u, ok := m[username]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return u, nil
}

func (m mapUsers) UpdatePassword(username, passwordHash string) error {
	u, ok := m[username]
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash = passwordHash
	return nil
}

func (m mapUsers) CountUsers() (int, error) { return len(m), nil }

func TestUserStoreAuthenticator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	users := mapUsers{}
	users.CreateUser("demo", string(hash))
	users["inactive"] = &core.User{Username: "inactive", PasswordHash: string(hash), IsActive: false}

	a := NewUserStoreAuthenticator(users)
	ctx := context.Background()

	ok, err := a.Authenticate(ctx, "demo", "secret", "sampledb", "127.0.0.1")
	if err != nil || !ok {
		t.Fatalf("valid credentials rejected: %v, %v", ok, err)
	}

	ok, err = a.Authenticate(ctx, "demo", "wrong", "sampledb", "127.0.0.1")
	if err != nil || ok {
		t.Fatalf("wrong password accepted: %v, %v", ok, err)
	}

	// An unknown user gets the same answer as a wrong password, not an error.
	ok, err = a.Authenticate(ctx, "ghost", "secret", "sampledb", "127.0.0.1")
	if err != nil || ok {
		t.Fatalf("unknown user leaked: %v, %v", ok, err)
	}

	ok, err = a.Authenticate(ctx, "inactive", "secret", "sampledb", "127.0.0.1")
	if err != nil || ok {
		t.Fatalf("inactive account accepted: %v, %v", ok, err)
	}
}

func TestParseStaticCreds(t *testing.T) {
	creds := parseStaticCreds("demo:secret, ops:hunter2,broken,:nouser")
	if len(creds) != 2 {
		t.Fatalf("parsed %d entries, want 2: %+v", len(creds), creds)
	}
	if creds["demo"] != "secret" || creds["ops"] != "hunter2" {
		t.Fatalf("unexpected creds: %+v", creds)
	}

	if len(parseStaticCreds("")) != 0 {
		t.Fatal("empty input should yield no credentials")
	}
}

func TestStaticAndDenyAllAuthenticators(t *testing.T) {
	ctx := context.Background()

	s := NewStaticAuthenticator(map[string]string{"demo": "secret"})
	if ok, _ := s.Authenticate(ctx, "demo", "secret", "sampledb", ""); !ok {
		t.Fatal("static authenticator rejected valid credentials")
	}
	if ok, _ := s.Authenticate(ctx, "demo", "wrong", "sampledb", ""); ok {
		t.Fatal("static authenticator accepted a wrong password")
	}

	if ok, _ := (DenyAllAuthenticator{}).Authenticate(ctx, "demo", "secret", "sampledb", ""); ok {
		t.Fatal("deny_all authenticator let someone in")
	}
}
