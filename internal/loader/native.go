package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/gorm"

	"github.com/bartek5186/stockimport/internal/normalize"
)

type nativeFunc func(ctx context.Context, gdb *gorm.DB, path, table string) (int64, error)

// natives – ścieżka natywna per dialekt; sqlite nie ma żadnej.
var natives = map[string]nativeFunc{
	"mysql":    loadDataMySQL,
	"postgres": copyPostgres,
}

// numery błędów MySQL oznaczające wyłączone LOCAL INFILE
var mysqlFeatureDisabled = map[uint16]bool{
	1148: true, // ER_NOT_ALLOWED_COMMAND
	3948: true, // ER_CLIENT_LOCAL_FILES_DISABLED
	3950: true, // ER_LOAD_INFILE_CAPABILITY_DISABLED
}

// featureDisabled rozpoznaje błędy "funkcja wyłączona" po stronie serwera/sterownika.
func featureDisabled(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return mysqlFeatureDisabled[me.Number]
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "local infile") && strings.Contains(msg, "disabled")
}

func quoteMySQL(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// mysqlLoadStmt buduje LOAD DATA dla pliku pośredniego (CSV, nagłówek, puste eta = NULL).
func mysqlLoadStmt(handler, table string, cols []string) string {
	var target []string
	set := ""
	for _, c := range cols {
		if c == normalize.ColETA {
			target = append(target, "@eta")
			set = " SET `eta` = NULLIF(@eta, '')"
			continue
		}
		target = append(target, quoteMySQL(c))
	}
	return fmt.Sprintf(
		"LOAD DATA LOCAL INFILE 'Reader::%s' INTO TABLE %s CHARACTER SET utf8mb4 "+
			"FIELDS TERMINATED BY ',' OPTIONALLY ENCLOSED BY '\"' ESCAPED BY '' "+
			"LINES TERMINATED BY '\\n' IGNORE 1 LINES (%s)%s",
		handler, quoteMySQL(table), strings.Join(target, ", "), set)
}

func loadDataMySQL(ctx context.Context, gdb *gorm.DB, path, table string) (int64, error) {
	in, err := normalize.OpenIntermediate(path)
	if err != nil {
		return 0, err
	}
	cols := in.Columns()
	in.Close()

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	name := "stockimport-" + uuid.NewString()
	mysql.RegisterReaderHandler(name, func() io.Reader { return f })
	defer mysql.DeregisterReaderHandler(name)

	res := gdb.WithContext(ctx).Exec(mysqlLoadStmt(name, table, cols))
	if res.Error != nil {
		if featureDisabled(res.Error) {
			return 0, fmt.Errorf("%w: %v", ErrBulkUnavailable, res.Error)
		}
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// copySource – pgx.CopyFromSource na pliku pośrednim.
type copySource struct {
	in   *normalize.Intermediate
	vals []any
	err  error
}

func (s *copySource) Next() bool {
	row, err := s.in.Next()
	if err != nil {
		if err != io.EOF {
			s.err = err
		}
		return false
	}
	s.vals = row.Values(s.in.HasETA())
	return true
}

func (s *copySource) Values() ([]any, error) { return s.vals, nil }
func (s *copySource) Err() error             { return s.err }

func copyPostgres(ctx context.Context, gdb *gorm.DB, path, table string) (int64, error) {
	in, err := normalize.OpenIntermediate(path)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	sqlDB, err := gdb.DB()
	if err != nil {
		return 0, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var n int64
	err = conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("%w: driver conn %T is not pgx", ErrBulkUnavailable, dc)
		}
		var cerr error
		n, cerr = sc.Conn().CopyFrom(ctx, pgx.Identifier{table}, in.Columns(), &copySource{in: in})
		return cerr
	})
	return n, err
}
