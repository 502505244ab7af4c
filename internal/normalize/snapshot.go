package normalize

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	conf "github.com/bartek5186/stockimport/internal/config"
)

// Snapshot – niezmienna kopia pliku źródłowego dla runu.
type Snapshot struct {
	SourcePath string
	StoredPath string
	Format     Format
	SizeBytes  int64
	Checksum   string // xxh3-128, hex
}

// ResolveSource: ~, ścieżka względna do importRoot, glob -> najnowszy plik.
func ResolveSource(raw, importRoot string) (string, error) {
	p := conf.ExpandHome(strings.TrimSpace(raw))
	if p == "" {
		return "", fmt.Errorf("empty source path")
	}
	if !filepath.IsAbs(p) && importRoot != "" {
		p = filepath.Join(conf.ExpandHome(importRoot), p)
	}

	if !strings.ContainsAny(p, "*?[") {
		st, err := os.Stat(p)
		if err != nil {
			return "", fmt.Errorf("source %s: %w", p, err)
		}
		if st.IsDir() {
			return "", fmt.Errorf("source %s is a directory", p)
		}
		return p, nil
	}

	matches, err := filepath.Glob(p)
	if err != nil {
		return "", fmt.Errorf("source pattern %s: %w", p, err)
	}
	type cand struct {
		path string
		mod  int64
	}
	var cs []cand
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil || st.IsDir() {
			continue
		}
		cs = append(cs, cand{m, st.ModTime().UnixNano()})
	}
	if len(cs) == 0 {
		return "", fmt.Errorf("source pattern %s: %w", p, os.ErrNotExist)
	}
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].mod != cs[j].mod {
			return cs[i].mod > cs[j].mod
		}
		return cs[i].path > cs[j].path
	})
	return cs[0].path, nil
}

// TakeSnapshot kopiuje plik do storageDir pod nazwą uuid, licząc po drodze xxh3.
func TakeSnapshot(src, storageDir string) (*Snapshot, error) {
	format, err := Detect(src)
	if err != nil {
		return nil, err
	}
	in, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(src))
	dst := filepath.Join(storageDir, uuid.NewString()+ext)
	out, err := os.Create(dst)
	if err != nil {
		return nil, err
	}

	h := xxh3.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("snapshot %s: %w", src, err)
	}

	sum := h.Sum128().Bytes()
	return &Snapshot{
		SourcePath: src,
		StoredPath: dst,
		Format:     format,
		SizeBytes:  n,
		Checksum:   hex.EncodeToString(sum[:]),
	}, nil
}
