package normalize

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// kolejność = priorytet przy remisie
var delimiterCandidates = []rune{';', ',', '\t', '|'}

type delimitedSource struct {
	f        *os.File
	r        *csv.Reader
	comma    rune
	encoding string
}

func openDelimited(path string, opt Options) (rowSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	decoded, enc, err := decodeInput(f, opt.Charset)
	if err != nil {
		f.Close()
		return nil, err
	}

	br := bufio.NewReader(decoded)
	first, consumed, err := firstNonEmptyLine(br)
	if err != nil {
		f.Close()
		return nil, err
	}
	comma := SniffDelimiter(first)

	r := csv.NewReader(io.MultiReader(bytes.NewReader(consumed), br))
	r.Comma = comma
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	return &delimitedSource{f: f, r: r, comma: comma, encoding: enc}, nil
}

func (s *delimitedSource) Next() ([]string, error) { return s.r.Read() }

func (s *delimitedSource) Close() error { return s.f.Close() }

func (s *delimitedSource) describe(res *Result) {
	res.Delimiter = string(s.comma)
	res.Encoding = s.encoding
}

// decodeInput: BOM decyduje o kodowaniu; bez BOM – fallback z joba/configa albo UTF-8.
func decodeInput(r io.Reader, fallback string) (io.Reader, string, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(3)

	switch {
	case bytes.HasPrefix(head, []byte{0xEF, 0xBB, 0xBF}):
		_, _ = br.Discard(3)
		return br, "utf-8", nil
	case bytes.HasPrefix(head, []byte{0xFF, 0xFE}):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		return transform.NewReader(br, dec), "utf-16le", nil
	case bytes.HasPrefix(head, []byte{0xFE, 0xFF}):
		dec := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		return transform.NewReader(br, dec), "utf-16be", nil
	}

	label := normalizeCharset(fallback)
	if label == "" || label == "utf-8" || label == "utf8" {
		return br, "utf-8", nil
	}
	out, err := charset.NewReaderLabel(label, br)
	if err != nil {
		return nil, "", fmt.Errorf("charset %q: %w", fallback, err)
	}
	return out, label, nil
}

// normalizeCharset mapuje nietypowe etykiety na nazwy rozpoznawane przez charset.NewReaderLabel
func normalizeCharset(cs string) string {
	c := strings.TrimSpace(strings.ToLower(cs))
	switch c {
	case "latin ii", "latin-2", "latin2", "iso8859-2", "iso_8859-2":
		return "iso-8859-2"
	case "cp1250", "windows1250", "win-1250":
		return "windows-1250"
	default:
		return c
	}
}

// firstNonEmptyLine zwraca pierwszą niepustą linię i wszystkie przeczytane bajty
// (żeby csv.Reader dostał je z powrotem).
func firstNonEmptyLine(br *bufio.Reader) (string, []byte, error) {
	var consumed []byte
	for {
		line, err := br.ReadString('\n')
		consumed = append(consumed, line...)
		if strings.TrimSpace(line) != "" {
			return strings.TrimRight(line, "\r\n"), consumed, nil
		}
		if err == io.EOF {
			return "", consumed, nil
		}
		if err != nil {
			return "", nil, err
		}
	}
}

// SniffDelimiter wybiera separator dający najwięcej kolumn w linii.
func SniffDelimiter(line string) rune {
	best, bestCols := delimiterCandidates[0], 0
	for _, c := range delimiterCandidates {
		r := csv.NewReader(strings.NewReader(line))
		r.Comma = c
		r.LazyQuotes = true
		r.FieldsPerRecord = -1
		rec, err := r.Read()
		if err != nil {
			continue
		}
		if len(rec) > bestCols {
			best, bestCols = c, len(rec)
		}
	}
	return best
}
