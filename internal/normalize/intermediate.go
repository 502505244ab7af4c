package normalize

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Row – jeden wiersz pliku pośredniego. ETA == nil => NULL.
type Row struct {
	Code  string
	EAN   string
	Name  string
	Stock int64
	ETA   *string
}

// Values w kolejności Columns.
func (r Row) Values(withETA bool) []any {
	v := []any{r.Code, r.EAN, r.Name, r.Stock}
	if withETA {
		if r.ETA == nil {
			v = append(v, nil)
		} else {
			v = append(v, *r.ETA)
		}
	}
	return v
}

// Intermediate – czytnik pliku zapisanego przez Run.
type Intermediate struct {
	f       *os.File
	r       *csv.Reader
	columns []string
}

func OpenIntermediate(path string) (*Intermediate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	head, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("intermediate header: %w", err)
	}
	cols := append([]string(nil), head...)
	if len(cols) < 4 {
		f.Close()
		return nil, fmt.Errorf("intermediate header: expected at least 4 columns, got %d", len(cols))
	}
	return &Intermediate{f: f, r: r, columns: cols}, nil
}

func (in *Intermediate) Columns() []string { return in.columns }
func (in *Intermediate) HasETA() bool      { return len(in.columns) > 4 }

// Next zwraca io.EOF po ostatnim wierszu.
func (in *Intermediate) Next() (Row, error) {
	rec, err := in.r.Read()
	if err != nil {
		return Row{}, err
	}
	if len(rec) < 4 {
		return Row{}, fmt.Errorf("intermediate row: %d fields", len(rec))
	}
	stock, err := strconv.ParseInt(rec[3], 10, 64)
	if err != nil {
		return Row{}, fmt.Errorf("intermediate stock %q: %w", rec[3], err)
	}
	row := Row{Code: rec[0], EAN: rec[1], Name: rec[2], Stock: stock}
	if in.HasETA() && len(rec) > 4 && rec[4] != "" {
		eta := rec[4]
		row.ETA = &eta
	}
	return row, nil
}

func (in *Intermediate) Close() error { return in.f.Close() }

// ReadAll – pomocniczo dla małych plików i testów.
func ReadAll(path string) ([]Row, error) {
	in, err := OpenIntermediate(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	var out []Row
	for {
		r, err := in.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
}
