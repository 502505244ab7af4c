package strategy

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// replace: tabela cień, ładowanie, dedup + unikalny indeks, atomowa podmiana.
// Przerwanie przed podmianą zostawia tabelę docelową bez zmian.
func (m *Manager) replace(ctx context.Context, t Target, load LoadFunc) (*Outcome, error) {
	shadow := ShadowTable(t.Table, t.RunID)
	if _, err := m.exec(ctx, m.d.dropTable(shadow)); err != nil {
		return nil, err
	}
	if _, err := m.exec(ctx, m.d.createTable(shadow)); err != nil {
		return nil, fmt.Errorf("create shadow %s: %w", shadow, err)
	}

	out := &Outcome{}
	res, err := load(ctx, shadow)
	out.Load = res
	if err != nil {
		m.dropQuiet(shadow)
		return out, err
	}

	if out.Deduped, err = m.exec(ctx, m.d.dedup(shadow)); err != nil {
		m.dropQuiet(shadow)
		return out, fmt.Errorf("dedup %s: %w", shadow, err)
	}
	if _, err := m.exec(ctx, m.d.uniqueIndex(shadowIndex(t.Table, t.RunID), shadow)); err != nil {
		m.dropQuiet(shadow)
		return out, fmt.Errorf("unique index on %s: %w", shadow, err)
	}

	if t.cancelled(ctx) {
		m.dropQuiet(shadow)
		return out, ErrCancelled
	}

	fallback, err := m.swap(ctx, t, shadow)
	out.Fallback = fallback
	if err != nil {
		return out, err
	}
	out.Swapped = true
	return out, m.markSchema(ctx, t.Table)
}

// swap podmienia shadow -> dest. Gdy dest nie istnieje wystarczy rename.
// fallback=true, gdy atomowa podmiana padła i poszły osobne rename'y.
func (m *Manager) swap(ctx context.Context, t Target, shadow string) (fallback bool, err error) {
	dest := t.Table
	if !m.hasTable(ctx, dest) {
		if _, err := m.exec(ctx, m.d.rename(shadow, dest)); err != nil {
			return false, fmt.Errorf("rename %s -> %s: %w", shadow, dest, err)
		}
		return false, nil
	}

	old := oldTable(dest, t.RunID)
	_, _ = m.exec(ctx, m.d.dropTable(old))

	if err := m.atomicSwap(ctx, dest, shadow, old); err != nil {
		fallback = true
		t.warn(ctx, "atomic swap failed, falling back to stepwise rename", err)
		if err := m.stepwiseSwap(ctx, dest, shadow, old); err != nil {
			return true, err
		}
	}
	if _, err := m.exec(ctx, m.d.dropTable(old)); err != nil {
		t.warn(ctx, "drop retired table failed", err)
	}
	return fallback, nil
}

func (m *Manager) atomicSwap(ctx context.Context, dest, shadow, old string) error {
	if m.d.swapStmt != nil {
		_, err := m.exec(ctx, m.d.swapStmt(dest, shadow, old))
		return err
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(m.d.rename(dest, old)).Error; err != nil {
			return err
		}
		return tx.Exec(m.d.rename(shadow, dest)).Error
	})
}

// stepwiseSwap – dwa osobne rename'y. Gdy drugi padnie, próbujemy przywrócić
// stary dest, żeby nigdy nie zostać bez tabeli docelowej.
func (m *Manager) stepwiseSwap(ctx context.Context, dest, shadow, old string) error {
	if m.hasTable(ctx, dest) {
		if _, err := m.exec(ctx, m.d.rename(dest, old)); err != nil {
			return fmt.Errorf("retire %s: %w", dest, err)
		}
	}
	if _, err := m.exec(ctx, m.d.rename(shadow, dest)); err != nil {
		if _, rerr := m.exec(ctx, m.d.rename(old, dest)); rerr != nil {
			m.log.Error().Err(rerr).Str("table", dest).Str("shadow", shadow).
				Msg("restore after failed rename failed; shadow table kept")
		} else {
			m.dropQuiet(shadow)
		}
		return fmt.Errorf("rename %s -> %s: %w", shadow, dest, err)
	}
	return nil
}
