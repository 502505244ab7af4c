package strategy

import (
	"fmt"
	"strings"
)

// dialect – SQL różniący się między bazami; reszta kodu jest wspólna.
type dialect struct {
	name      string
	quote     func(string) string
	columns   string
	tableOpts string
	// kolumny dokładane legacy tabelom, które ich nie mają
	addETA       string
	addUpdatedAt string
	truncate     func(q string) string
	// atomowa zamiana dest <- shadow, dest -> old; nil = rename'y w transakcji
	swapStmt func(dest, shadow, old string) string
	rename   func(from, to string) string
	upsert   func(dest, staging string, cols []string) string
}

func backtick(s string) string { return "`" + strings.ReplaceAll(s, "`", "``") + "`" }
func dquote(s string) string   { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func alterRename(q func(string) string) func(string, string) string {
	return func(from, to string) string {
		return fmt.Sprintf("ALTER TABLE %s RENAME TO %s", q(from), q(to))
	}
}

// upsertOnConflict – sqlite i postgres; "WHERE true" rozstrzyga niejednoznaczność parsera sqlite.
func upsertOnConflict(q func(string) string) func(string, string, []string) string {
	return func(dest, staging string, cols []string) string {
		quoted := make([]string, len(cols))
		var sets []string
		for i, c := range cols {
			quoted[i] = q(c)
			if c != colCode {
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", q(c), q(c)))
			}
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", q(colUpdatedAt), q(colUpdatedAt)))
		list := strings.Join(quoted, ", ")
		return fmt.Sprintf(
			"INSERT INTO %s (%s, %s) SELECT %s, CURRENT_TIMESTAMP FROM %s WHERE true ON CONFLICT (%s) DO UPDATE SET %s",
			q(dest), list, q(colUpdatedAt), list, q(staging), q(colCode), strings.Join(sets, ", "))
	}
}

var dialects = map[string]*dialect{
	"sqlite": {
		name:  "sqlite",
		quote: dquote,
		columns: `id INTEGER PRIMARY KEY AUTOINCREMENT,
			code VARCHAR(191) NOT NULL,
			ean VARCHAR(64) NULL,
			name TEXT NULL,
			stock BIGINT NOT NULL DEFAULT 0,
			eta VARCHAR(64) NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP`,
		addETA:       "eta VARCHAR(64) NULL",
		addUpdatedAt: "updated_at DATETIME NULL",
		truncate:     func(q string) string { return "DELETE FROM " + q },
		rename:       alterRename(dquote),
		upsert:       upsertOnConflict(dquote),
	},
	"postgres": {
		name:  "postgres",
		quote: dquote,
		columns: `id BIGSERIAL PRIMARY KEY,
			code VARCHAR(191) NOT NULL,
			ean VARCHAR(64) NULL,
			name TEXT NULL,
			stock BIGINT NOT NULL DEFAULT 0,
			eta VARCHAR(64) NULL,
			updated_at TIMESTAMPTZ DEFAULT now()`,
		addETA:       "eta VARCHAR(64) NULL",
		addUpdatedAt: "updated_at TIMESTAMPTZ DEFAULT now()",
		truncate:     func(q string) string { return "TRUNCATE TABLE " + q },
		rename:       alterRename(dquote),
		upsert:       upsertOnConflict(dquote),
	},
	"mysql": {
		name:  "mysql",
		quote: backtick,
		columns: "id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,\n" +
			"code VARCHAR(191) NOT NULL,\n" +
			"ean VARCHAR(64) NULL,\n" +
			"name VARCHAR(512) NULL,\n" +
			"stock BIGINT NOT NULL DEFAULT 0,\n" +
			"eta VARCHAR(64) NULL,\n" +
			"updated_at TIMESTAMP NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP",
		tableOpts:    " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
		addETA:       "eta VARCHAR(64) NULL",
		addUpdatedAt: "updated_at TIMESTAMP NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP",
		truncate:     func(q string) string { return "TRUNCATE TABLE " + q },
		swapStmt: func(dest, shadow, old string) string {
			return fmt.Sprintf("RENAME TABLE %s TO %s, %s TO %s",
				backtick(dest), backtick(old), backtick(shadow), backtick(dest))
		},
		rename: func(from, to string) string {
			return fmt.Sprintf("RENAME TABLE %s TO %s", backtick(from), backtick(to))
		},
		upsert: func(dest, staging string, cols []string) string {
			quoted := make([]string, len(cols))
			sel := make([]string, len(cols))
			var sets []string
			for i, c := range cols {
				quoted[i] = backtick(c)
				sel[i] = "s." + backtick(c)
				if c != colCode {
					sets = append(sets, fmt.Sprintf("%s = s.%s", backtick(c), backtick(c)))
				}
			}
			sets = append(sets, backtick(colUpdatedAt)+" = CURRENT_TIMESTAMP")
			return fmt.Sprintf(
				"INSERT INTO %s (%s, %s) SELECT %s, CURRENT_TIMESTAMP FROM %s AS s ON DUPLICATE KEY UPDATE %s",
				backtick(dest), strings.Join(quoted, ", "), backtick(colUpdatedAt),
				strings.Join(sel, ", "), backtick(staging), strings.Join(sets, ", "))
		},
	},
}

func dialectFor(name string) (*dialect, error) {
	if name == "sqlite-cgo" {
		name = "sqlite"
	}
	d, ok := dialects[name]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect %q", name)
	}
	return d, nil
}

func (d *dialect) createTable(table string) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)%s", d.quote(table), d.columns, d.tableOpts)
}

func (d *dialect) dropTable(table string) string {
	return "DROP TABLE IF EXISTS " + d.quote(table)
}

func (d *dialect) uniqueIndex(index, table string) string {
	return fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (%s)", d.quote(index), d.quote(table), d.quote(colCode))
}

// dedup zostawia ostatnie (najwyższe id) wystąpienie każdego code.
// Dodatkowy poziom podzapytania jest wymagany przez MySQL.
func (d *dialect) dedup(table string) string {
	q := d.quote(table)
	return fmt.Sprintf(
		"DELETE FROM %s WHERE %s NOT IN (SELECT id FROM (SELECT MAX(%s) AS id FROM %s GROUP BY %s) k)",
		q, d.quote("id"), d.quote("id"), q, d.quote(colCode))
}
