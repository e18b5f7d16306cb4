package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "modguard/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./modguard.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLITE_BUSY out of the hot path.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadSanctions(ctx context.Context) ([]SanctionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, user_id, kind, expires_at, reason, issuer_id, created_at, mute_role_id FROM sanctions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SanctionRecord
	for rows.Next() {
		var (
			r      SanctionRecord
			reason sql.NullString
			issuer sql.NullInt64
			role   sql.NullInt64
		)
		if err := rows.Scan(&r.GuildID, &r.UserID, &r.Kind, &r.ExpiresAt, &reason, &issuer, &r.CreatedAt, &role); err != nil {
			return nil, err
		}
		r.Reason = reason.String
		r.MuteRoleID = role.Int64
		if issuer.Valid {
			v := issuer.Int64
			r.IssuerID = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ApplySanctions(ctx context.Context, changes SanctionChanges) error {
	if changes.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range changes.Delete {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sanctions WHERE guild_id = ? AND user_id = ? AND kind = ?`,
			k.GuildID, k.UserID, k.Kind); err != nil {
			return err
		}
	}
	for _, r := range changes.Put {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sanctions(guild_id, user_id, kind, expires_at, reason, issuer_id, created_at, mute_role_id)
			 VALUES(?,?,?,?,?,?,?,?)
			 ON CONFLICT(guild_id, user_id, kind) DO UPDATE SET
			   expires_at=excluded.expires_at, reason=excluded.reason,
			   issuer_id=excluded.issuer_id, created_at=excluded.created_at,
			   mute_role_id=excluded.mute_role_id`,
			r.GuildID, r.UserID, r.Kind, r.ExpiresAt, nullStr(r.Reason), nullInt(r.IssuerID), r.CreatedAt,
			nullID(r.MuteRoleID)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendInfractions(ctx context.Context, recs []InfractionRecord) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		var id int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO infractions(nonce, guild_id, user_id, moderator_id, action, category, reason, created_at)
			 VALUES(?,?,?,?,?,?,?,?) ON CONFLICT(nonce) DO NOTHING RETURNING id`,
			nullStr(r.Nonce), r.GuildID, r.UserID, nullInt(r.ModeratorID), r.Action,
			nullStr(r.Category), nullStr(r.Reason), r.CreatedAt.UnixMilli()).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			// Retried batches may contain rows that already landed.
			err = tx.QueryRowContext(ctx, `SELECT id FROM infractions WHERE nonce = ?`, r.Nonce).Scan(&id)
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *sqliteStore) RecentInfractions(ctx context.Context, guildID, userID int64, limit int) ([]InfractionRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, nonce, guild_id, user_id, moderator_id, action, category, reason, created_at
		 FROM infractions WHERE guild_id = ? AND user_id = ? ORDER BY id DESC LIMIT ?`,
		guildID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]InfractionRecord, 0, min(limit, 32))
	for rows.Next() {
		var (
			r             InfractionRecord
			mod           sql.NullInt64
			nonce         sql.NullString
			cat, reason   sql.NullString
			createdMillis int64
		)
		if err := rows.Scan(&r.ID, &nonce, &r.GuildID, &r.UserID, &mod, &r.Action, &cat, &reason, &createdMillis); err != nil {
			return nil, err
		}
		if mod.Valid {
			v := mod.Int64
			r.ModeratorID = &v
		}
		r.Nonce = nonce.String
		r.Category = cat.String
		r.Reason = reason.String
		r.CreatedAt = time.UnixMilli(createdMillis)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetPolicy(ctx context.Context, guildID int64) ([]byte, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM guild_policies WHERE guild_id = ?`, guildID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(doc), true, nil
}

func (s *sqliteStore) PutPolicy(ctx context.Context, guildID int64, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_policies(guild_id, doc, updated_at) VALUES(?,?,?)
		 ON CONFLICT(guild_id) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`,
		guildID, string(doc), time.Now().UnixMilli())
	return err
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
