package normalize

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// spreadsheetSource czyta pierwszy arkusz strumieniowo (Rows), bez ładowania całości.
type spreadsheetSource struct {
	f     *excelize.File
	rows  *excelize.Rows
	sheet string
}

func openSpreadsheet(path string, _ Options) (rowSource, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return &spreadsheetSource{f: f, rows: rows, sheet: sheets[0]}, nil
}

func (s *spreadsheetSource) Next() ([]string, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return s.rows.Columns()
}

func (s *spreadsheetSource) Close() error {
	_ = s.rows.Close()
	return s.f.Close()
}

func (s *spreadsheetSource) describe(res *Result) {
	res.Sheet = s.sheet
	res.Encoding = "utf-8"
}
