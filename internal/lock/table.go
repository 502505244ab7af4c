package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bartek5186/stockimport/internal/db"
)

const defaultLease = time.Minute

// Table – dzierżawa w import_locks. Właściciel odnawia ją co lease/3; po padnięciu
// procesu wiersz wygasa i następny chętny go przejmuje.
type Table struct {
	db    *gorm.DB
	lease time.Duration
	now   func() time.Time
}

func NewTable(gdb *gorm.DB, lease time.Duration) *Table {
	if lease <= 0 {
		lease = defaultLease
	}
	return &Table{db: gdb, lease: lease, now: func() time.Time { return time.Now().UTC() }}
}

func (t *Table) Acquire(ctx context.Context, key string) (Release, error) {
	now := t.now()
	gdb := t.db.WithContext(ctx)

	if err := gdb.Where("name = ? AND expires_at < ?", key, now).Delete(&db.TableLock{}).Error; err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	token := uuid.NewString()
	res := gdb.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&db.TableLock{Name: key, Token: token, ExpiresAt: now.Add(t.lease)})
	if res.Error != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrBusy
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go t.renew(key, token, stop, done)

	return once(func() {
		close(stop)
		<-done
		_ = t.db.Where("name = ? AND token = ?", key, token).Delete(&db.TableLock{}).Error
	}), nil
}

func (t *Table) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	tick := time.NewTicker(t.lease / 3)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			_ = t.extend(key, token)
		}
	}
}

func (t *Table) extend(key, token string) error {
	return t.db.Model(&db.TableLock{}).
		Where("name = ? AND token = ?", key, token).
		Update("expires_at", t.now().Add(t.lease)).Error
}
