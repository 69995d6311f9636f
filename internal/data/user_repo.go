package data

import (
	"database/sql"
	"time"

	"sqlgate/internal/core"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

// CreateUser creates a new account with an already-hashed password.
func (r *UserRepo) CreateUser(username, passwordHash string) (*core.User, error) {
	res, err := r.db.Exec(`INSERT INTO users (username, password_hash, created_at, is_active) VALUES (?, ?, CURRENT_TIMESTAMP, 1)`, username, passwordHash)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &core.User{ID: id, Username: username, IsActive: true, CreatedAt: time.Now()}, nil
}

func (r *UserRepo) GetUserByUsername(username string) (*core.User, error) {
	var u core.User
	var isActive int
	err := r.db.QueryRow(`SELECT id, username, password_hash, is_active, created_at FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &isActive, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.IsActive = isActive == 1
	return &u, nil
}

func (r *UserRepo) UpdatePassword(username, passwordHash string) error {
	res, err := r.db.Exec(`UPDATE users SET password_hash=? WHERE username=?`, passwordHash, username)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountUsers returns the total number of accounts (used by setup checks).
func (r *UserRepo) CountUsers() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
