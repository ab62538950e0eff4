package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"scrape_runs/identity"
	"scrape_runs/models"
)

// SQLiteStore is the single-file Run Store used for local runs and tests.
// One open connection serializes writers, which also serializes same-page
// upserts.
type SQLiteStore struct {
	db       *sql.DB
	maxPages int
	now      func() time.Time
}

func NewSQLiteStore(dbPath string, maxPages int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:       db,
		maxPages: CapMaxPages(maxPages, maxPageNumber),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY,
		region TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		search_term TEXT NOT NULL DEFAULT '',
		query_hash TEXT NOT NULL,
		max_pages INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		started_at DATETIME,
		completed_at DATETIME,
		archived_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_pages (
		run_id INTEGER NOT NULL,
		page_number INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		fetched_at DATETIME,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (run_id, page_number),
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS listings (
		id INTEGER PRIMARY KEY,
		run_id INTEGER NOT NULL,
		page_number INTEGER NOT NULL,
		external_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		price_label TEXT,
		price_numeric INTEGER,
		location TEXT,
		seller TEXT,
		property_type TEXT,
		bedroom_count INTEGER,
		transaction_type TEXT NOT NULL DEFAULT 'unknown',
		link TEXT,
		image TEXT,
		source TEXT,
		raw JSON,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (run_id, external_id),
		FOREIGN KEY (run_id, page_number) REFERENCES run_pages(run_id, page_number)
	);

	CREATE TABLE IF NOT EXISTS listing_attributes (
		id INTEGER PRIMARY KEY,
		listing_id INTEGER NOT NULL,
		label TEXT NOT NULL,
		value TEXT NOT NULL,
		FOREIGN KEY (listing_id) REFERENCES listings(id)
	);

	CREATE TABLE IF NOT EXISTS run_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		level TEXT,
		message TEXT,
		source TEXT,
		created_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS scrape_results (
		job_id TEXT PRIMARY KEY,
		reference TEXT,
		target_url TEXT NOT NULL,
		data JSON,
		error TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_hash_status ON runs(query_hash, status, completed_at);
	CREATE INDEX IF NOT EXISTS idx_run_pages_status ON run_pages(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_listings_run_page ON listings(run_id, page_number);
	CREATE INDEX IF NOT EXISTS idx_listings_price ON listings(run_id, price_numeric);
	CREATE INDEX IF NOT EXISTS idx_attributes_listing ON listing_attributes(listing_id);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON run_logs(run_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Runs
// =============================================================================

const sqliteRunColumns = `id, region, category, search_term, query_hash, max_pages, status,
	started_at, completed_at, archived_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row rowScanner) (*models.Run, error) {
	var r models.Run
	var started, completed, archived sql.NullTime
	if err := row.Scan(&r.ID, &r.Region, &r.Category, &r.SearchTerm, &r.QueryHash, &r.MaxPages, &r.Status,
		&started, &completed, &archived, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.StartedAt = nullTimePtr(started)
	r.CompletedAt = nullTimePtr(completed)
	r.ArchivedAt = nullTimePtr(archived)
	return &r, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (s *SQLiteStore) queryRun(ctx context.Context, query string, args ...any) (*models.Run, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, params models.RunParams) (*models.Run, error) {
	run := &models.Run{
		Region:     params.Region,
		Category:   params.Category,
		SearchTerm: params.SearchTerm,
		QueryHash:  identity.QuerySignature(params.Region, params.Category, params.SearchTerm),
		MaxPages:   CapMaxPages(params.MaxPages, s.maxPages),
		Status:     models.RunStatusQueued,
		CreatedAt:  s.now(),
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (region, category, search_term, query_hash, max_pages, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.Region, run.Category, run.SearchTerm, run.QueryHash, run.MaxPages, run.Status, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if run.ID, err = result.LastInsertId(); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) GetRunByID(ctx context.Context, id int64) (*models.Run, error) {
	return s.queryRun(ctx, `SELECT `+sqliteRunColumns+` FROM runs WHERE id = ?`, id)
}

func (s *SQLiteStore) FindReusableRun(ctx context.Context, signature string, window time.Duration) (*models.Run, error) {
	if window <= 0 {
		window = DefaultFreshness
	}
	return s.queryRun(ctx, `
		SELECT `+sqliteRunColumns+` FROM runs
		WHERE query_hash = ? AND status = 'completed' AND completed_at >= ?
		ORDER BY completed_at DESC, id DESC LIMIT 1`,
		signature, s.now().Add(-window))
}

func (s *SQLiteStore) FindLastCompletedRun(ctx context.Context, signature string) (*models.Run, error) {
	return s.queryRun(ctx, `
		SELECT `+sqliteRunColumns+` FROM runs
		WHERE query_hash = ? AND status = 'completed'
		ORDER BY completed_at DESC, id DESC LIMIT 1`, signature)
}

func (s *SQLiteStore) FindActiveRun(ctx context.Context, signature string) (*models.Run, error) {
	return s.queryRun(ctx, `
		SELECT `+sqliteRunColumns+` FROM runs
		WHERE query_hash = ? AND status IN ('queued', 'running')
		ORDER BY created_at DESC, id DESC LIMIT 1`, signature)
}

func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]models.Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+sqliteRunColumns+` FROM runs
		WHERE status IN ('queued', 'running') ORDER BY id`)
}

func (s *SQLiteStore) MarkRunStarted(ctx context.Context, runID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'running', started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN ('queued', 'running')`,
		s.now(), runID)
	return err
}

func (s *SQLiteStore) ListUnarchivedRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRuns(ctx, `
		SELECT `+sqliteRunColumns+` FROM runs
		WHERE status = 'completed' AND archived_at IS NULL
		ORDER BY completed_at LIMIT ?`, limit)
}

func (s *SQLiteStore) MarkRunArchived(ctx context.Context, runID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET archived_at = ? WHERE id = ?`, s.now(), runID)
	return err
}

// =============================================================================
// Run Pages
// =============================================================================

func (s *SQLiteStore) AddPages(ctx context.Context, run *models.Run, pages []int) ([]int, error) {
	candidates := SanitizePages(pages, run.MaxPages)
	if len(candidates) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now()
	var inserted []int
	for _, p := range candidates {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO run_pages (run_id, page_number, status, attempts, updated_at)
			VALUES (?, ?, 'pending', 0, ?)
			ON CONFLICT (run_id, page_number) DO NOTHING`,
			run.ID, p, now)
		if err != nil {
			return nil, fmt.Errorf("insert page %d: %w", p, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			inserted = append(inserted, p)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *SQLiteStore) GetPage(ctx context.Context, runID int64, page int) (*models.RunPage, error) {
	var p models.RunPage
	var errMsg sql.NullString
	var fetched sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, page_number, status, attempts, error, fetched_at, updated_at
		FROM run_pages WHERE run_id = ? AND page_number = ?`, runID, page).Scan(
		&p.RunID, &p.PageNumber, &p.Status, &p.Attempts, &errMsg, &fetched, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Error = errMsg.String
	p.FetchedAt = nullTimePtr(fetched)
	return &p, nil
}

func (s *SQLiteStore) MarkPageRunning(ctx context.Context, runID int64, page int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_pages SET status = 'running', attempts = attempts + 1, updated_at = ?
		WHERE run_id = ? AND page_number = ?`,
		s.now(), runID, page)
	return err
}

func (s *SQLiteStore) MarkPageCompleted(ctx context.Context, runID int64, page int) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_pages SET status = 'completed', error = NULL, fetched_at = ?, updated_at = ?
		WHERE run_id = ? AND page_number = ?`,
		now, now, runID, page)
	return err
}

func (s *SQLiteStore) MarkPageFailed(ctx context.Context, runID int64, page int, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_pages SET status = 'failed', error = ?, updated_at = ?
		WHERE run_id = ? AND page_number = ?`,
		truncateError(message), s.now(), runID, page)
	return err
}

func (s *SQLiteStore) RequeuePage(ctx context.Context, runID int64, page int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_pages SET status = 'pending', updated_at = ?
		WHERE run_id = ? AND page_number = ? AND status = 'failed'`,
		s.now(), runID, page)
	return err
}

func (s *SQLiteStore) ShouldRetryPage(ctx context.Context, runID int64, page int, ceiling int) (bool, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		SELECT attempts FROM run_pages WHERE run_id = ? AND page_number = ?`,
		runID, page).Scan(&attempts)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return attempts < ceiling, nil
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) pageStats(ctx context.Context, q sqlQueryer, runID int64) (models.PageStats, error) {
	var stats models.PageStats
	rows, err := q.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM run_pages WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status models.PageStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		addStat(&stats, status, n)
	}
	return stats, rows.Err()
}

func addStat(stats *models.PageStats, status models.PageStatus, n int) {
	switch status {
	case models.PageStatusCompleted:
		stats.Completed += n
	case models.PageStatusPending:
		stats.Pending += n
	case models.PageStatusRunning:
		stats.Running += n
	case models.PageStatusFailed:
		stats.Failed += n
	}
}

func (s *SQLiteStore) RefreshRunCompletion(ctx context.Context, runID int64) (models.RunStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var current models.RunStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&current); err != nil {
		return "", fmt.Errorf("load run %d: %w", runID, err)
	}

	stats, err := s.pageStats(ctx, tx, runID)
	if err != nil {
		return "", err
	}

	next, changed := nextRunStatus(current, stats)
	if changed {
		var completedAt *time.Time
		if next.Terminal() {
			now := s.now()
			completedAt = &now
		}
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
			next, completedAt, runID); err != nil {
			return "", err
		}
	}

	return next, tx.Commit()
}

func (s *SQLiteStore) ListPendingPages(ctx context.Context, runID int64) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_number FROM run_pages
		WHERE run_id = ? AND status = 'pending' ORDER BY page_number`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// ResetStalledPages puts running pages untouched for longer than lease back
// to pending. A zero lease resets every running page.
func (s *SQLiteStore) ResetStalledPages(ctx context.Context, lease time.Duration) ([]models.PageRef, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now()
	cutoff := now.Add(-lease)
	rows, err := tx.QueryContext(ctx, `
		SELECT run_id, page_number FROM run_pages
		WHERE status = 'running' AND updated_at <= ?
		ORDER BY run_id, page_number`, cutoff)
	if err != nil {
		return nil, err
	}

	var refs []models.PageRef
	for rows.Next() {
		var ref models.PageRef
		if err := rows.Scan(&ref.RunID, &ref.PageNumber); err != nil {
			rows.Close()
			return nil, err
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE run_pages SET status = 'pending', updated_at = ?
			WHERE run_id = ? AND page_number = ? AND status = 'running'`,
			now, ref.RunID, ref.PageNumber); err != nil {
			return nil, err
		}
	}

	return refs, tx.Commit()
}

// =============================================================================
// Listings
// =============================================================================

func (s *SQLiteStore) UpsertListings(ctx context.Context, runID int64, page int, listings []models.Listing) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM listing_attributes WHERE listing_id IN (
			SELECT id FROM listings WHERE run_id = ? AND page_number = ?)`, runID, page); err != nil {
		return fmt.Errorf("delete attributes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM listings WHERE run_id = ? AND page_number = ?`, runID, page); err != nil {
		return fmt.Errorf("delete listings: %w", err)
	}

	now := s.now()
	for _, l := range listings {
		var raw any
		if len(l.Raw) > 0 {
			raw = string(l.Raw)
		}

		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO listings (
				run_id, page_number, external_id, title, description, price_label, price_numeric,
				location, seller, property_type, bedroom_count, transaction_type, link, image,
				source, raw, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, external_id) DO UPDATE SET
				page_number = excluded.page_number,
				title = excluded.title,
				description = excluded.description,
				price_label = excluded.price_label,
				price_numeric = excluded.price_numeric,
				location = excluded.location,
				seller = excluded.seller,
				property_type = excluded.property_type,
				bedroom_count = excluded.bedroom_count,
				transaction_type = excluded.transaction_type,
				link = excluded.link,
				image = excluded.image,
				source = excluded.source,
				raw = excluded.raw,
				updated_at = excluded.updated_at
			RETURNING id`,
			runID, page, l.ExternalID, l.Title, nullIfEmpty(l.Description), nullIfEmpty(l.PriceLabel), l.PriceNumeric,
			nullIfEmpty(l.Location), nullIfEmpty(l.Seller), nullIfEmpty(l.PropertyType), l.BedroomCount,
			transactionOrUnknown(l.TransactionType), nullIfEmpty(l.Link), nullIfEmpty(l.Image),
			nullIfEmpty(l.Source), raw, now, now,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("upsert listing %s: %w", l.ExternalID, err)
		}

		// The row may have moved here from another page with its own details.
		if _, err := tx.ExecContext(ctx, `DELETE FROM listing_attributes WHERE listing_id = ?`, id); err != nil {
			return err
		}
		for _, d := range storedDetails(l.Details) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO listing_attributes (listing_id, label, value) VALUES (?, 'detail', ?)`,
				id, d); err != nil {
				return fmt.Errorf("insert attribute: %w", err)
			}
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) FetchAllListings(ctx context.Context, runID int64) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, page_number, external_id, title, description, price_label, price_numeric,
			location, seller, property_type, bedroom_count, transaction_type, link, image, source, raw
		FROM listings WHERE run_id = ?
		ORDER BY price_numeric IS NULL, price_numeric ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	listings := []models.Listing{}
	index := make(map[int64]int)
	for rows.Next() {
		var l models.Listing
		var description, priceLabel, location, seller, propertyType, link, image, source, raw sql.NullString
		var price sql.NullInt64
		var beds sql.NullInt64
		if err := rows.Scan(&l.ID, &l.RunID, &l.PageNumber, &l.ExternalID, &l.Title, &description, &priceLabel,
			&price, &location, &seller, &propertyType, &beds, &l.TransactionType, &link, &image, &source, &raw); err != nil {
			return nil, err
		}
		l.Description = description.String
		l.PriceLabel = priceLabel.String
		l.Location = location.String
		l.Seller = seller.String
		l.PropertyType = propertyType.String
		l.Link = link.String
		l.Image = image.String
		l.Source = source.String
		if raw.Valid {
			l.Raw = json.RawMessage(raw.String)
		}
		if price.Valid {
			v := price.Int64
			l.PriceNumeric = &v
		}
		if beds.Valid {
			v := int(beds.Int64)
			l.BedroomCount = &v
		}
		l.Details = []string{}
		index[l.ID] = len(listings)
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	attrs, err := s.db.QueryContext(ctx, `
		SELECT a.listing_id, a.value FROM listing_attributes a
		JOIN listings l ON l.id = a.listing_id
		WHERE l.run_id = ? AND a.label = 'detail'
		ORDER BY a.id`, runID)
	if err != nil {
		return nil, err
	}
	defer attrs.Close()

	for attrs.Next() {
		var listingID int64
		var value string
		if err := attrs.Scan(&listingID, &value); err != nil {
			return nil, err
		}
		if i, ok := index[listingID]; ok {
			listings[i].Details = append(listings[i].Details, value)
		}
	}
	return listings, attrs.Err()
}

func (s *SQLiteStore) CountListings(ctx context.Context, runID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) GetRunProgress(ctx context.Context, runID int64) (*models.RunProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_number, status FROM run_pages WHERE run_id = ? ORDER BY page_number`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []models.RunPage
	for rows.Next() {
		p := models.RunPage{RunID: runID}
		if err := rows.Scan(&p.PageNumber, &p.Status); err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	count, err := s.CountListings(ctx, runID)
	if err != nil {
		return nil, err
	}
	return progressFromPages(pages, count), nil
}

// =============================================================================
// Logs, legacy results, commands
// =============================================================================

func (s *SQLiteStore) Log(ctx context.Context, runID *int64, level models.LogLevel, message, source string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (run_id, level, message, source, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, level, message, source, s.now())
	return err
}

func (s *SQLiteStore) RecentLogs(ctx context.Context, runID int64, limit int) ([]models.RunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, created_at, level, message, source FROM run_logs
		WHERE run_id = ? ORDER BY id DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.RunLog
	for rows.Next() {
		var l models.RunLog
		var source sql.NullString
		if err := rows.Scan(&l.ID, &l.RunID, &l.Timestamp, &l.Level, &l.Message, &source); err != nil {
			return nil, err
		}
		l.Source = source.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) SaveScrapeResult(ctx context.Context, r *models.ScrapeResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	var data any
	if len(r.Data) > 0 {
		data = string(r.Data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scrape_results (job_id, reference, target_url, data, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET data = excluded.data, error = excluded.error`,
		r.JobID, nullIfEmpty(r.Reference), r.TargetURL, data, nullIfEmpty(r.Error), r.CreatedAt)
	return err
}

func (s *SQLiteStore) GetScrapeResult(ctx context.Context, jobID string) (*models.ScrapeResult, error) {
	var r models.ScrapeResult
	var reference, data, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, reference, target_url, data, error, created_at
		FROM scrape_results WHERE job_id = ?`, jobID).Scan(
		&r.JobID, &reference, &r.TargetURL, &data, &errMsg, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Reference = reference.String
	r.Error = errMsg.String
	if data.Valid {
		r.Data = []byte(data.String)
	}
	return &r, nil
}

func (s *SQLiteStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		var processed sql.NullTime
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &processed); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmd.ProcessedAt = nullTimePtr(processed)
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE commands SET processed_at = ? WHERE id = ?`, s.now(), id)
	return err
}

// InsertCommand queues an operator command. The daemon itself only reads
// commands; this exists for tooling and tests.
func (s *SQLiteStore) InsertCommand(ctx context.Context, command models.CommandType, params *models.CommandParams) (int64, error) {
	var raw any
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return 0, err
		}
		raw = string(data)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		command, raw, s.now())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func transactionOrUnknown(t models.TransactionType) models.TransactionType {
	if t == "" {
		return models.TransactionUnknown
	}
	return t
}

func storedDetails(details []string) []string {
	var out []string
	for _, d := range details {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
		if len(out) == maxListingDetails {
			break
		}
	}
	return out
}

const maxListingErrorLen = 500

func truncateError(msg string) string {
	if len(msg) > maxListingErrorLen {
		return msg[:maxListingErrorLen]
	}
	return msg
}
