package db

import (
	"fmt"

	glebarez "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Handle struct {
	DB      *gorm.DB
	Dialect string
	DSN     string
}

// Open otwiera bazę wg dialektu z configa.
// sqlite = czysty Go (glebarez), sqlite-cgo = mattn przez gorm.io/driver/sqlite.
func Open(dialect, dsn string) (*Handle, error) {
	var d gorm.Dialector
	switch dialect {
	case "sqlite", "":
		d = glebarez.Open(dsn)
	case "sqlite-cgo":
		d = sqlite.Open(dsn)
	case "mysql":
		d = mysql.Open(dsn)
	case "postgres":
		d = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("nieznany dialekt bazy %q", dialect)
	}

	gdb, err := gorm.Open(d, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// Logger: logger.Default.LogMode(logger.Info), // włącz jeśli chcesz verbose SQL
	})
	if err != nil {
		return nil, err
	}

	if gdb.Dialector.Name() == "sqlite" {
		// sqlite: jeden writer naraz, inaczej "database is locked"
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &Handle{DB: gdb, Dialect: gdb.Dialector.Name(), DSN: dsn}, nil
}

func (h *Handle) Close() error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
