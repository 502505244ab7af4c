// Package dbtest otwiera świeżą bazę sqlite (glebarez) w katalogu testu.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/bartek5186/stockimport/internal/db"
	"github.com/stretchr/testify/require"
)

func New(t testing.TB) *db.Handle {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
	h, err := db.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, h.Migrate())
	t.Cleanup(func() { _ = h.Close() })
	return h
}
