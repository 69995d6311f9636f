package data

import (
	"database/sql"

	"sqlgate/internal/core"
)

type BanRepo struct {
	db *sql.DB
}

func NewBanRepo(db *sql.DB) *BanRepo {
	return &BanRepo{db: db}
}

// Ban records a ban; banning an already-banned user is a no-op.
func (r *BanRepo) Ban(entry *core.BanEntry) error {
	res, err := r.db.Exec(`INSERT OR IGNORE INTO bans (username, database_name, reason) VALUES (?, ?, ?)`,
		entry.Username, entry.Database, entry.Reason)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	entry.ID = id
	return nil
}

func (r *BanRepo) IsBanned(username, database string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM bans WHERE username = ? AND database_name = ?`, username, database).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *BanRepo) GetAll() ([]core.BanEntry, error) {
	rows, err := r.db.Query(`SELECT id, username, database_name, reason, created_at FROM bans ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bans []core.BanEntry
	for rows.Next() {
		var b core.BanEntry
		var reason sql.NullString
		if err := rows.Scan(&b.ID, &b.Username, &b.Database, &reason, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Reason = reason.String
		bans = append(bans, b)
	}
	return bans, rows.Err()
}
