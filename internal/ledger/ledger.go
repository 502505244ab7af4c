// Package ledger trzyma stan importów: definicje jobów, runy z maszyną stanów,
// snapshoty uploadów, throttlowany progress, logi per run i sygnał stop_all.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	// run został zamknięty (terminalny) zanim worker zdążył go przestawić
	ErrRunClosed = errors.New("run already finished")
	// ktoś poprosił o zatrzymanie (status cancelling)
	ErrStopRequested = errors.New("stop requested")
)

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

func New(gdb *gorm.DB) *Ledger {
	return &Ledger{db: gdb, now: time.Now}
}

func (l *Ledger) DB() *gorm.DB { return l.db }

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}
