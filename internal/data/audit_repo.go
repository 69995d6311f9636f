package data

import (
	"database/sql"

	"sqlgate/internal/core"
)

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

func (r *AuditRepo) Create(rec *core.AuditRecord) error {
	res, err := r.db.Exec(`INSERT INTO audit_trail (timestamp, username, database_name, client_addr, sql_text, outcome, duration_ms, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.Username, rec.Database, rec.ClientAddr, rec.SQL, rec.Outcome, rec.DurationMs, rec.Detail)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	rec.ID = id
	return nil
}

func (r *AuditRepo) GetRecent(limit int) ([]core.AuditRecord, error) {
	rows, err := r.db.Query(`SELECT id, timestamp, username, database_name, client_addr, sql_text, outcome, duration_ms, detail
		FROM audit_trail ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []core.AuditRecord
	for rows.Next() {
		var rec core.AuditRecord
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Username, &rec.Database, &rec.ClientAddr, &rec.SQL, &rec.Outcome, &rec.DurationMs, &detail); err != nil {
			return nil, err
		}
		rec.Detail = detail.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
