package normalize

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format – zamknięty zbiór czytników wejścia.
type Format int

const (
	FormatUnknown Format = iota
	FormatSpreadsheet
	FormatDelimited
)

func (f Format) String() string {
	switch f {
	case FormatSpreadsheet:
		return "spreadsheet"
	case FormatDelimited:
		return "delimited"
	}
	return "unknown"
}

func ParseFormat(s string) Format {
	switch s {
	case "spreadsheet":
		return FormatSpreadsheet
	case "delimited":
		return FormatDelimited
	}
	return FormatUnknown
}

var zipMagic = []byte("PK\x03\x04")

// FormatByExt – szybka decyzja po rozszerzeniu, bez otwierania pliku.
func FormatByExt(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return FormatSpreadsheet
	case ".csv", ".txt", ".tsv", ".tab", ".dat":
		return FormatDelimited
	}
	return FormatUnknown
}

// Detect: rozszerzenie, a gdy nic nie mówi – zawartość (zip = arkusz).
func Detect(path string) (Format, error) {
	if f := FormatByExt(path); f != FormatUnknown {
		return f, nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return FormatUnknown, fmt.Errorf("open %s: %w", path, err)
	}
	defer fh.Close()

	head := make([]byte, len(zipMagic))
	n, err := io.ReadFull(fh, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FormatUnknown, err
	}
	if n == len(zipMagic) && bytes.Equal(head, zipMagic) {
		return FormatSpreadsheet, nil
	}
	return FormatDelimited, nil
}
