// Package normalize zamienia plik dostawcy (arkusz albo CSV) na kanoniczny
// plik pośredni: code, ean, name, stock[, eta].
package normalize

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bartek5186/stockimport/internal/db"
)

var ErrMissingHeader = errors.New("missing header")

// MissingHeaderError – zmapowany nagłówek nie występuje w pliku.
type MissingHeaderError struct {
	Field  string
	Header string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("missing header %q (mapped to %s)", e.Header, e.Field)
}

func (e *MissingHeaderError) Unwrap() error { return ErrMissingHeader }

// rowSource – wspólny interfejs czytników; koniec danych = io.EOF.
type rowSource interface {
	Next() ([]string, error)
	Close() error
	describe(*Result)
}

var readers = map[Format]func(string, Options) (rowSource, error){
	FormatSpreadsheet: openSpreadsheet,
	FormatDelimited:   openDelimited,
}

type Options struct {
	Path       string
	Format     Format // FormatUnknown = wykryj
	Mapping    db.ColumnMapping
	Transforms db.Transforms
	Charset    string
	OutPath    string

	HeartbeatEvery time.Duration
	OnHeartbeat    func(rowsWritten int64)
}

type Result struct {
	OutPath      string   `json:"-"`
	Format       Format   `json:"-"`
	Columns      []string `json:"columns"`
	Rows         int64    `json:"rows"`
	Skipped      int64    `json:"skipped"`
	ClampedStock int64    `json:"clamped_stock"`
	Delimiter    string   `json:"delimiter,omitempty"`
	Encoding     string   `json:"encoding,omitempty"`
	Sheet        string   `json:"sheet,omitempty"`
}

// Kolumny kanoniczne w kolejności zapisu.
const (
	ColCode  = "code"
	ColEAN   = "ean"
	ColName  = "name"
	ColStock = "stock"
	ColETA   = "eta"
)

// Columns – kolumny pliku pośredniego dla danego mapowania (eta tylko gdy zmapowane).
func Columns(m db.ColumnMapping) []string {
	cols := []string{ColCode, ColEAN, ColName, ColStock}
	if strings.TrimSpace(m.ETA) != "" {
		cols = append(cols, ColETA)
	}
	return cols
}

type fieldIdx struct {
	code, ean, name, stock, eta int
}

func cleanHeader(s string) string {
	return strings.TrimSpace(strings.TrimPrefix(s, "\ufeff"))
}

// resolveHeader: dokładne dopasowanie po TrimSpace; -1 = pole niezmapowane.
func resolveHeader(header []string, m db.ColumnMapping) (fieldIdx, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		h = cleanHeader(h)
		if _, dup := pos[h]; !dup {
			pos[h] = i
		}
	}
	find := func(field, want string) (int, error) {
		want = strings.TrimSpace(want)
		if want == "" {
			return -1, nil
		}
		i, ok := pos[want]
		if !ok {
			return -1, &MissingHeaderError{Field: field, Header: want}
		}
		return i, nil
	}

	var (
		idx fieldIdx
		err error
	)
	if idx.code, err = find(ColCode, m.Code); err != nil {
		return idx, err
	}
	if idx.ean, err = find(ColEAN, m.EAN); err != nil {
		return idx, err
	}
	if idx.name, err = find(ColName, m.Name); err != nil {
		return idx, err
	}
	if idx.stock, err = find(ColStock, m.Stock); err != nil {
		return idx, err
	}
	if idx.eta, err = find(ColETA, m.ETA); err != nil {
		return idx, err
	}
	return idx, nil
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return rec[i]
}

// ParseStock zostawia cyfry i minus; ujemne i nieczytelne dają 0.
// Drugi wynik mówi, czy wartość została przycięta.
func ParseStock(raw string) (int64, bool) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" || s == "-" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// "12-3", "--5" itp.: bierzemy same cyfry
		digits := strings.ReplaceAll(s, "-", "")
		if n, err = strconv.ParseInt(digits, 10, 64); err != nil {
			return 0, true
		}
		if strings.HasPrefix(s, "-") {
			return 0, true
		}
		return n, false
	}
	if n < 0 {
		return 0, true
	}
	return n, false
}

func applyCode(raw string, t db.Transforms) string {
	if t.CodeTrim {
		raw = strings.TrimSpace(raw)
	}
	return t.CodePrefix + raw
}

func applyName(raw string, t db.Transforms) string {
	return t.NamePrefix + raw
}

// Run czyta źródło i zapisuje plik pośredni. ctx sprawdzany co paczkę wierszy.
func Run(ctx context.Context, opt Options) (*Result, error) {
	format := opt.Format
	if format == FormatUnknown {
		var err error
		if format, err = Detect(opt.Path); err != nil {
			return nil, err
		}
	}
	open, ok := readers[format]
	if !ok {
		return nil, fmt.Errorf("unsupported format %s", format)
	}

	src, err := open(opt.Path, opt)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	res := &Result{OutPath: opt.OutPath, Format: format, Columns: Columns(opt.Mapping)}
	src.describe(res)

	// nagłówek = pierwszy niepusty wiersz
	var header []string
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: file has no header row", ErrMissingHeader)
		}
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if !blank(rec) {
			header = rec
			break
		}
	}
	idx, err := resolveHeader(header, opt.Mapping)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(opt.OutPath), 0o755); err != nil {
		return nil, err
	}
	out, err := os.Create(opt.OutPath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	if err := w.Write(res.Columns); err != nil {
		return nil, err
	}

	withETA := idx.eta >= 0
	mapped := []int{idx.code, idx.ean, idx.name, idx.stock, idx.eta}
	lastBeat := time.Now()
	row := make([]string, len(res.Columns))

	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", n+2, err)
		}

		if emptyMapped(rec, mapped) {
			res.Skipped++
			continue
		}

		stock, clamped := ParseStock(cell(rec, idx.stock))
		if clamped {
			res.ClampedStock++
		}
		row[0] = applyCode(cell(rec, idx.code), opt.Transforms)
		row[1] = strings.TrimSpace(cell(rec, idx.ean))
		row[2] = applyName(cell(rec, idx.name), opt.Transforms)
		row[3] = strconv.FormatInt(stock, 10)
		if withETA {
			row[4] = strings.TrimSpace(cell(rec, idx.eta))
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
		res.Rows++

		if opt.OnHeartbeat != nil && opt.HeartbeatEvery > 0 && time.Since(lastBeat) >= opt.HeartbeatEvery {
			lastBeat = time.Now()
			opt.OnHeartbeat(res.Rows)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	if err := out.Sync(); err != nil {
		return nil, err
	}
	return res, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func emptyMapped(rec []string, idx []int) bool {
	for _, i := range idx {
		if i >= 0 && strings.TrimSpace(cell(rec, i)) != "" {
			return false
		}
	}
	return true
}
