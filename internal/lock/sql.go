package lock

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

type sqlDialect struct {
	try     string
	release string
}

var sqlDialects = map[string]sqlDialect{
	"mysql": {
		try:     "SELECT GET_LOCK(?, 0)",
		release: "SELECT RELEASE_LOCK(?)",
	},
	"postgres": {
		try:     "SELECT pg_try_advisory_lock(hashtext($1))",
		release: "SELECT pg_advisory_unlock(hashtext($1))",
	},
}

// SQL – blokady sesyjne serwera; trzymamy dedykowane połączenie do czasu Release,
// bo GET_LOCK i pg_advisory_lock są przypięte do sesji.
type SQL struct {
	db *sql.DB
	d  sqlDialect
}

func NewSQL(gdb *gorm.DB, dialect string) (*SQL, error) {
	d, ok := sqlDialects[dialect]
	if !ok {
		return nil, fmt.Errorf("sql lock not supported for dialect %q", dialect)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	return &SQL{db: sqlDB, d: d}, nil
}

func (s *SQL) Acquire(ctx context.Context, key string) (Release, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock conn: %w", err)
	}
	var got sql.NullBool
	if err := conn.QueryRowContext(ctx, s.d.try, "stockimport:"+key).Scan(&got); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !got.Valid || !got.Bool {
		conn.Close()
		return nil, ErrBusy
	}
	return once(func() {
		var ok sql.NullBool
		_ = conn.QueryRowContext(context.Background(), s.d.release, "stockimport:"+key).Scan(&ok)
		conn.Close()
	}), nil
}
