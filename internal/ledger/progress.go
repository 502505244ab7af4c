package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/bartek5186/stockimport/internal/db"
)

// ProgressWriter – throttlowany zapis progressu jednego uploadu.
// Zapis idzie do bazy tylko gdy przyrost rows_done albo rows_total >= threshold,
// zmienił się status albo run jest terminalny. rows_done i percent nigdy nie maleją.
// W fazie czytania rośnie tylko rows_total (wiersze przeczytane), rows_done to
// wyłącznie wiersze załadowane.
type ProgressWriter struct {
	l         *Ledger
	uploadID  uint
	threshold int64

	mu        sync.Mutex
	lastDone  int64
	lastPct   float64
	lastState db.RunStatus
	lastTotal int64
	total     int64
	writes    int
}

func (l *Ledger) NewProgressWriter(uploadID uint, threshold int) *ProgressWriter {
	if threshold <= 0 {
		threshold = 1000
	}
	return &ProgressWriter{l: l, uploadID: uploadID, threshold: int64(threshold), lastState: db.StatusPending}
}

// Update zapisuje stan, jeśli przekroczono próg. Zwraca true przy faktycznym zapisie.
func (p *ProgressWriter) Update(ctx context.Context, status db.RunStatus, rowsDone, rowsTotal int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rowsDone < p.lastDone {
		rowsDone = p.lastDone
	}
	if rowsTotal > 0 {
		p.total = rowsTotal
	}
	if p.total > 0 && rowsDone > p.total {
		rowsDone = p.total
	}

	force := status != p.lastState || status.Terminal()
	if !force && rowsDone-p.lastDone < p.threshold && p.total-p.lastTotal < p.threshold {
		return false, nil
	}

	pct := Percent(rowsDone, p.total)
	if status == db.StatusImported {
		pct = 100
	}
	if pct < p.lastPct {
		pct = p.lastPct
	}

	// tylko UPDATE: stop-all mógł skasować wiersz i nie chcemy go wskrzeszać
	err := p.l.db.WithContext(ctx).Model(&db.Progress{}).
		Where("upload_id = ?", p.uploadID).
		Updates(map[string]any{
			"rows_total": p.total,
			"rows_done":  rowsDone,
			"percent":    pct,
			"status":     status,
			"updated_at": p.l.now(),
		}).Error
	if err != nil {
		return false, err
	}
	p.lastDone = rowsDone
	p.lastTotal = p.total
	p.lastPct = pct
	p.lastState = status
	p.writes++
	return true, nil
}

// Writes – liczba faktycznych zapisów (do testów i statystyk).
func (p *ProgressWriter) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// Percent z dokładnością do dwóch miejsc, 0..100.
func Percent(done, total int64) float64 {
	if total <= 0 || done <= 0 {
		return 0
	}
	v := float64(done) / float64(total) * 100
	v = math.Floor(v*100) / 100
	if v > 100 {
		v = 100
	}
	return v
}

// ETA liczona po stronie raportowania: elapsed * (100/percent - 1).
// nil gdy run nie jest w aktywnej fazie, percent poza (0,100) albo wynik
// przekracza sufit (szum przy ~0%).
func ETA(now, startedAt time.Time, percent float64, status db.RunStatus, ceiling time.Duration) *int64 {
	if !status.Active() || percent <= 0 || percent >= 100 || startedAt.IsZero() {
		return nil
	}
	elapsed := now.Sub(startedAt).Seconds()
	if elapsed <= 0 {
		return nil
	}
	eta := elapsed * (100/percent - 1)
	if ceiling > 0 && eta > ceiling.Seconds() {
		return nil
	}
	v := int64(math.Round(eta))
	return &v
}
