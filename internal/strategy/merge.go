package strategy

import (
	"context"
	"fmt"
)

// merge: staging (czyszczony na starcie), ładowanie, dedup, upsert po code.
// Nadpisywane są tylko zmapowane pola i updated_at.
func (m *Manager) merge(ctx context.Context, t Target, load LoadFunc) (*Outcome, error) {
	if err := m.EnsureDestination(ctx, t.Table, true); err != nil {
		return nil, err
	}
	if err := m.ensureDestIndex(ctx, t.Table); err != nil {
		return nil, err
	}

	staging := StagingTable(t.Table)
	if _, err := m.exec(ctx, m.d.createTable(staging)); err != nil {
		return nil, fmt.Errorf("create staging %s: %w", staging, err)
	}
	if _, err := m.exec(ctx, m.d.truncate(m.d.quote(staging))); err != nil {
		return nil, fmt.Errorf("truncate %s: %w", staging, err)
	}

	out := &Outcome{}
	res, err := load(ctx, staging)
	out.Load = res
	if err != nil {
		return out, err
	}

	if out.Deduped, err = m.exec(ctx, m.d.dedup(staging)); err != nil {
		return out, fmt.Errorf("dedup %s: %w", staging, err)
	}
	if t.cancelled(ctx) {
		return out, ErrCancelled
	}

	cols := t.Columns
	if len(cols) == 0 || cols[0] != colCode {
		return out, fmt.Errorf("merge columns must start with %s, got %v", colCode, cols)
	}
	if out.Upserted, err = m.exec(ctx, m.d.upsert(t.Table, staging, cols)); err != nil {
		return out, fmt.Errorf("upsert %s -> %s: %w", staging, t.Table, err)
	}
	return out, nil
}

// ensureDestIndex: upsert wymaga unikalnego code. Tabele bez indeksu (np. z
// poprzednich wersji) są najpierw deduplikowane.
func (m *Manager) ensureDestIndex(ctx context.Context, table string) error {
	if m.hasUniqueCode(ctx, table) {
		return nil
	}
	if _, err := m.exec(ctx, m.d.dedup(table)); err != nil {
		return fmt.Errorf("dedup %s: %w", table, err)
	}
	if _, err := m.exec(ctx, m.d.uniqueIndex(destIndex(table), table)); err != nil {
		return fmt.Errorf("unique index on %s: %w", table, err)
	}
	return nil
}

// hasUniqueCode – tabela po replace ma indeks z numerem runu w nazwie, więc
// sprawdzamy indeksy po kolumnie, nie po nazwie.
func (m *Manager) hasUniqueCode(ctx context.Context, table string) bool {
	idx, err := m.db.WithContext(ctx).Migrator().GetIndexes(table)
	if err != nil {
		return m.db.WithContext(ctx).Migrator().HasIndex(table, destIndex(table))
	}
	for _, ix := range idx {
		cols := ix.Columns()
		unique, _ := ix.Unique()
		if unique && len(cols) == 1 && cols[0] == colCode {
			return true
		}
	}
	return false
}
