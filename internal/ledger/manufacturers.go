package ledger

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/bartek5186/stockimport/internal/db"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	dataTablePrefix = "stock_"
	maxDataTable    = 48
)

// nazwa tabeli danych: zawsze z prefiksem stock_, więc tabele ledgera są poza zasięgiem
var dataTableRe = regexp.MustCompile(`^stock_[a-z0-9_]{1,42}$`)

// ValidDataTable mówi, czy nazwa może być celem importu.
func ValidDataTable(name string) bool { return dataTableRe.MatchString(name) }

// Slugify: małe litery, bez akcentów, tylko [a-z0-9_].
// Polskie "ł" nie rozkłada się w NFD, więc mapujemy je ręcznie.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "ł", "l")

	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !prevUnderscore && b.Len() > 0 {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// DataTableFor zwraca nazwę tabeli danych dla sluga producenta.
func DataTableFor(slug string) string {
	name := dataTablePrefix + Slugify(slug)
	if len(name) > maxDataTable {
		name = strings.TrimRight(name[:maxDataTable], "_")
	}
	return name
}

func (l *Ledger) SaveManufacturer(ctx context.Context, m *db.Manufacturer) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return &ValidationError{Field: "name", Msg: "is required"}
	}
	if m.Slug == "" {
		m.Slug = m.Name
	}
	m.Slug = Slugify(m.Slug)
	if m.Slug == "" {
		return &ValidationError{Field: "slug", Msg: "must contain letters or digits"}
	}
	m.DataTable = strings.TrimSpace(m.DataTable)
	if m.DataTable == "" {
		m.DataTable = DataTableFor(m.Slug)
	}
	if !ValidDataTable(m.DataTable) {
		return &ValidationError{Field: "data_table", Msg: "must match stock_[a-z0-9_], up to 48 chars"}
	}
	return l.db.WithContext(ctx).Save(m).Error
}

func (l *Ledger) GetManufacturer(ctx context.Context, id uint) (*db.Manufacturer, error) {
	var m db.Manufacturer
	if err := l.db.WithContext(ctx).Take(&m, id).Error; err != nil {
		return nil, notFound(err, "manufacturer")
	}
	return &m, nil
}

func (l *Ledger) ListManufacturers(ctx context.Context) ([]db.Manufacturer, error) {
	var out []db.Manufacturer
	err := l.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, err
}

// TableForJob – tabela danych, do której ładuje job.
func (l *Ledger) TableForJob(ctx context.Context, jobID uint) (string, error) {
	var tables []string
	err := l.db.WithContext(ctx).Table("manufacturers AS m").
		Joins("JOIN import_jobs j ON j.manufacturer_id = m.id").
		Where("j.id = ?", jobID).
		Pluck("m.data_table", &tables).Error
	if err != nil {
		return "", err
	}
	if len(tables) == 0 {
		return "", fmt.Errorf("job %d table: %w", jobID, ErrNotFound)
	}
	return tables[0], nil
}
