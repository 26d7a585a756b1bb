package domainfilter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// List kinds returned by SQL sources.
const (
	KindBlacklist  = "blacklist"
	KindDisposable = "disposable"
	KindWildcard   = "wildcard"
)

// DefaultQuery is used when a SQL source has no explicit query. It must
// return (domain, kind) rows.
const DefaultQuery = "SELECT domain, kind FROM domain_filters"

// Source describes where to load extra list entries from, in addition to
// the built-in lists.
type Source struct {
	BlacklistFile  string
	DisposableFile string
	WildcardFile   string

	// DisposableURL is fetched at load time. A failed download is logged
	// and leaves the other lists in place.
	DisposableURL string
	HTTPClient    *http.Client

	// SQLDriver is one of "postgres", "mysql" or "sqlite3".
	SQLDriver string
	SQLDSN    string
	SQLQuery  string
}

// Load builds Filters from the built-in lists plus the configured files and
// database.
func Load(ctx context.Context, src Source) (*Filters, error) {
	logger := slog.Default().With("component", "domain-filter")
	f := Default()

	for _, file := range []struct {
		path string
		kind string
	}{
		{src.BlacklistFile, KindBlacklist},
		{src.DisposableFile, KindDisposable},
		{src.WildcardFile, KindWildcard},
	} {
		if file.path == "" {
			continue
		}
		domains, err := LoadList(file.path)
		if err != nil {
			return nil, err
		}
		f.addKind(file.kind, domains)
		logger.Info("loaded domain list", "kind", file.kind, "path", file.path, "entries", len(domains))
	}

	if src.DisposableURL != "" {
		domains, err := FetchList(ctx, src.HTTPClient, src.DisposableURL)
		if err != nil {
			logger.Warn("disposable list download failed, using local lists",
				"url", src.DisposableURL,
				"error", err)
		} else {
			f.addKind(KindDisposable, domains)
			logger.Info("loaded domain list", "kind", KindDisposable, "url", src.DisposableURL, "entries", len(domains))
		}
	}

	if src.SQLDriver != "" {
		db, err := sql.Open(src.SQLDriver, src.SQLDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", src.SQLDriver, err)
		}
		defer db.Close()

		if err := f.LoadSQL(ctx, db, src.SQLQuery); err != nil {
			return nil, err
		}
	}

	b, d, w := f.Len()
	logger.Info("domain filters ready", "blacklist", b, "disposable", d, "wildcards", w)
	return f, nil
}

// LoadSQL adds the rows returned by query to f. Rows with an unknown kind
// are skipped. Call it only while f is being built.
func (f *Filters) LoadSQL(ctx context.Context, db *sql.DB, query string) error {
	if query == "" {
		query = DefaultQuery
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query domain filters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var domain, kind string
		if err := rows.Scan(&domain, &kind); err != nil {
			return fmt.Errorf("failed to scan domain filter row: %w", err)
		}
		if !f.addKind(strings.ToLower(strings.TrimSpace(kind)), []string{domain}) {
			slog.Warn("skipping domain filter row with unknown kind",
				"component", "domain-filter",
				"domain", domain,
				"kind", kind)
		}
	}
	return rows.Err()
}

func (f *Filters) addKind(kind string, domains []string) bool {
	switch kind {
	case KindBlacklist:
		f.add(domains, nil, nil)
	case KindDisposable:
		f.add(nil, domains, nil)
	case KindWildcard:
		f.add(nil, nil, domains)
	default:
		return false
	}
	return true
}
