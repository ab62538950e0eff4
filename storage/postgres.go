package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"scrape_runs/identity"
	"scrape_runs/models"
)

// PostgresStore is the production Run Store. Same-page upserts take a
// transaction-scoped advisory lock on (run, page); different pages of one
// run proceed in parallel.
type PostgresStore struct {
	pool     *pgxpool.Pool
	maxPages int
}

func NewPostgresStore(ctx context.Context, connString string, maxPages int) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool, maxPages: CapMaxPages(maxPages, maxPageNumber)}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// Runs
// =============================================================================

const pgRunColumns = `id, region, category, search_term, query_hash, max_pages, status,
	started_at, completed_at, archived_at, created_at`

func scanPgRun(row pgx.Row) (*models.Run, error) {
	var r models.Run
	if err := row.Scan(&r.ID, &r.Region, &r.Category, &r.SearchTerm, &r.QueryHash, &r.MaxPages, &r.Status,
		&r.StartedAt, &r.CompletedAt, &r.ArchivedAt, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) queryRun(ctx context.Context, query string, args ...any) (*models.Run, error) {
	run, err := scanPgRun(s.pool.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) queryRuns(ctx context.Context, query string, args ...any) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *PostgresStore) CreateRun(ctx context.Context, params models.RunParams) (*models.Run, error) {
	query := `
		INSERT INTO runs (region, category, search_term, query_hash, max_pages, status)
		VALUES ($1, $2, $3, $4, $5, 'queued')
		RETURNING ` + pgRunColumns

	return scanPgRun(s.pool.QueryRow(ctx, query,
		params.Region, params.Category, params.SearchTerm,
		identity.QuerySignature(params.Region, params.Category, params.SearchTerm),
		CapMaxPages(params.MaxPages, s.maxPages),
	))
}

func (s *PostgresStore) GetRunByID(ctx context.Context, id int64) (*models.Run, error) {
	return s.queryRun(ctx, `SELECT `+pgRunColumns+` FROM runs WHERE id = $1`, id)
}

func (s *PostgresStore) FindReusableRun(ctx context.Context, signature string, window time.Duration) (*models.Run, error) {
	if window <= 0 {
		window = DefaultFreshness
	}
	return s.queryRun(ctx, `
		SELECT `+pgRunColumns+` FROM runs
		WHERE query_hash = $1 AND status = 'completed' AND completed_at >= $2
		ORDER BY completed_at DESC, id DESC LIMIT 1`,
		signature, time.Now().Add(-window))
}

func (s *PostgresStore) FindLastCompletedRun(ctx context.Context, signature string) (*models.Run, error) {
	return s.queryRun(ctx, `
		SELECT `+pgRunColumns+` FROM runs
		WHERE query_hash = $1 AND status = 'completed'
		ORDER BY completed_at DESC, id DESC LIMIT 1`, signature)
}

func (s *PostgresStore) FindActiveRun(ctx context.Context, signature string) (*models.Run, error) {
	return s.queryRun(ctx, `
		SELECT `+pgRunColumns+` FROM runs
		WHERE query_hash = $1 AND status IN ('queued', 'running')
		ORDER BY created_at DESC, id DESC LIMIT 1`, signature)
}

func (s *PostgresStore) ListActiveRuns(ctx context.Context) ([]models.Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+pgRunColumns+` FROM runs
		WHERE status IN ('queued', 'running') ORDER BY id`)
}

func (s *PostgresStore) MarkRunStarted(ctx context.Context, runID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = 'running', started_at = COALESCE(started_at, NOW())
		WHERE id = $1 AND status IN ('queued', 'running')`, runID)
	return err
}

func (s *PostgresStore) ListUnarchivedRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryRuns(ctx, `
		SELECT `+pgRunColumns+` FROM runs
		WHERE status = 'completed' AND archived_at IS NULL
		ORDER BY completed_at LIMIT $1`, limit)
}

func (s *PostgresStore) MarkRunArchived(ctx context.Context, runID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET archived_at = NOW() WHERE id = $1`, runID)
	return err
}

// =============================================================================
// Run Pages
// =============================================================================

func (s *PostgresStore) AddPages(ctx context.Context, run *models.Run, pages []int) ([]int, error) {
	candidates := SanitizePages(pages, run.MaxPages)
	if len(candidates) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		INSERT INTO run_pages (run_id, page_number)
		SELECT $1, p FROM unnest($2::int[]) AS p
		ON CONFLICT (run_id, page_number) DO NOTHING
		RETURNING page_number`, run.ID, candidates)
	if err != nil {
		return nil, fmt.Errorf("insert pages: %w", err)
	}
	defer rows.Close()

	var inserted []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		inserted = append(inserted, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return SanitizePages(inserted, run.MaxPages), nil
}

func (s *PostgresStore) GetPage(ctx context.Context, runID int64, page int) (*models.RunPage, error) {
	var p models.RunPage
	var errMsg *string
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, page_number, status, attempts, error, fetched_at, updated_at
		FROM run_pages WHERE run_id = $1 AND page_number = $2`, runID, page).Scan(
		&p.RunID, &p.PageNumber, &p.Status, &p.Attempts, &errMsg, &p.FetchedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Error = deref(errMsg)
	return &p, nil
}

func (s *PostgresStore) MarkPageRunning(ctx context.Context, runID int64, page int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_pages SET status = 'running', attempts = attempts + 1, updated_at = NOW()
		WHERE run_id = $1 AND page_number = $2`, runID, page)
	return err
}

func (s *PostgresStore) MarkPageCompleted(ctx context.Context, runID int64, page int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_pages SET status = 'completed', error = NULL, fetched_at = NOW(), updated_at = NOW()
		WHERE run_id = $1 AND page_number = $2`, runID, page)
	return err
}

func (s *PostgresStore) MarkPageFailed(ctx context.Context, runID int64, page int, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_pages SET status = 'failed', error = $3, updated_at = NOW()
		WHERE run_id = $1 AND page_number = $2`, runID, page, truncateError(message))
	return err
}

func (s *PostgresStore) RequeuePage(ctx context.Context, runID int64, page int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE run_pages SET status = 'pending', updated_at = NOW()
		WHERE run_id = $1 AND page_number = $2 AND status = 'failed'`, runID, page)
	return err
}

func (s *PostgresStore) ShouldRetryPage(ctx context.Context, runID int64, page int, ceiling int) (bool, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		SELECT attempts FROM run_pages WHERE run_id = $1 AND page_number = $2`,
		runID, page).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return attempts < ceiling, nil
}

func (s *PostgresStore) RefreshRunCompletion(ctx context.Context, runID int64) (models.RunStatus, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var current models.RunStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&current); err != nil {
		return "", fmt.Errorf("load run %d: %w", runID, err)
	}

	var stats models.PageStats
	err = tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'running'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM run_pages WHERE run_id = $1`, runID).Scan(
		&stats.Completed, &stats.Pending, &stats.Running, &stats.Failed)
	if err != nil {
		return "", fmt.Errorf("count pages: %w", err)
	}

	next, changed := nextRunStatus(current, stats)
	if changed {
		if _, err := tx.Exec(ctx, `
			UPDATE runs SET status = $2,
				completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE NULL END
			WHERE id = $1`, runID, string(next)); err != nil {
			return "", err
		}
	}

	return next, tx.Commit(ctx)
}

func (s *PostgresStore) ListPendingPages(ctx context.Context, runID int64) ([]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT page_number FROM run_pages
		WHERE run_id = $1 AND status = 'pending' ORDER BY page_number`, runID)
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

func (s *PostgresStore) ResetStalledPages(ctx context.Context, lease time.Duration) ([]models.PageRef, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE run_pages SET status = 'pending', updated_at = NOW()
		WHERE status = 'running' AND updated_at <= $1
		RETURNING run_id, page_number`, time.Now().Add(-lease))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []models.PageRef
	for rows.Next() {
		var ref models.PageRef
		if err := rows.Scan(&ref.RunID, &ref.PageNumber); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// =============================================================================
// Listings
// =============================================================================

func (s *PostgresStore) UpsertListings(ctx context.Context, runID int64, page int, listings []models.Listing) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1::int4, $2::int4)`, int32(runID), int32(page)); err != nil {
		return fmt.Errorf("lock page: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM listing_attributes WHERE listing_id IN (
			SELECT id FROM listings WHERE run_id = $1 AND page_number = $2)`, runID, page); err != nil {
		return fmt.Errorf("delete attributes: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM listings WHERE run_id = $1 AND page_number = $2`, runID, page); err != nil {
		return fmt.Errorf("delete listings: %w", err)
	}

	query := `
		INSERT INTO listings (
			run_id, page_number, external_id, title, description, price_label, price_numeric,
			location, seller, property_type, bedroom_count, transaction_type, link, image, source, raw
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (run_id, external_id) DO UPDATE SET
			page_number = EXCLUDED.page_number,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			price_label = EXCLUDED.price_label,
			price_numeric = EXCLUDED.price_numeric,
			location = EXCLUDED.location,
			seller = EXCLUDED.seller,
			property_type = EXCLUDED.property_type,
			bedroom_count = EXCLUDED.bedroom_count,
			transaction_type = EXCLUDED.transaction_type,
			link = EXCLUDED.link,
			image = EXCLUDED.image,
			source = EXCLUDED.source,
			raw = EXCLUDED.raw,
			updated_at = NOW()
		RETURNING id`

	for _, l := range listings {
		var raw []byte
		if len(l.Raw) > 0 {
			raw = l.Raw
		}

		var id int64
		if err := tx.QueryRow(ctx, query,
			runID, page, l.ExternalID, l.Title, nullIfEmpty(l.Description), nullIfEmpty(l.PriceLabel), l.PriceNumeric,
			nullIfEmpty(l.Location), nullIfEmpty(l.Seller), nullIfEmpty(l.PropertyType), l.BedroomCount,
			string(transactionOrUnknown(l.TransactionType)), nullIfEmpty(l.Link), nullIfEmpty(l.Image),
			nullIfEmpty(l.Source), raw,
		).Scan(&id); err != nil {
			return fmt.Errorf("upsert listing %s: %w", l.ExternalID, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM listing_attributes WHERE listing_id = $1`, id); err != nil {
			return err
		}
		for _, d := range storedDetails(l.Details) {
			if _, err := tx.Exec(ctx, `
				INSERT INTO listing_attributes (listing_id, label, value) VALUES ($1, 'detail', $2)`,
				id, d); err != nil {
				return fmt.Errorf("insert attribute: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) FetchAllListings(ctx context.Context, runID int64) ([]models.Listing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.id, l.run_id, l.page_number, l.external_id, l.title, l.description, l.price_label,
			l.price_numeric, l.location, l.seller, l.property_type, l.bedroom_count, l.transaction_type,
			l.link, l.image, l.source, l.raw,
			COALESCE(array_agg(a.value ORDER BY a.id) FILTER (WHERE a.id IS NOT NULL), '{}')
		FROM listings l
		LEFT JOIN listing_attributes a ON a.listing_id = l.id AND a.label = 'detail'
		WHERE l.run_id = $1
		GROUP BY l.id
		ORDER BY l.price_numeric IS NULL, l.price_numeric ASC, l.id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	listings := []models.Listing{}
	for rows.Next() {
		var l models.Listing
		var description, priceLabel, location, seller, propertyType, link, image, source *string
		var transaction string
		var raw []byte
		if err := rows.Scan(&l.ID, &l.RunID, &l.PageNumber, &l.ExternalID, &l.Title, &description, &priceLabel,
			&l.PriceNumeric, &location, &seller, &propertyType, &l.BedroomCount, &transaction,
			&link, &image, &source, &raw, &l.Details); err != nil {
			return nil, err
		}
		l.Description = deref(description)
		l.PriceLabel = deref(priceLabel)
		l.Location = deref(location)
		l.Seller = deref(seller)
		l.PropertyType = deref(propertyType)
		l.Link = deref(link)
		l.Image = deref(image)
		l.Source = deref(source)
		l.TransactionType = models.TransactionType(transaction)
		l.Raw = raw
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) CountListings(ctx context.Context, runID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM listings WHERE run_id = $1`, runID).Scan(&n)
	return n, err
}

func (s *PostgresStore) GetRunProgress(ctx context.Context, runID int64) (*models.RunProgress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT page_number, status FROM run_pages WHERE run_id = $1 ORDER BY page_number`, runID)
	if err != nil {
		return nil, err
	}

	var pages []models.RunPage
	for rows.Next() {
		p := models.RunPage{RunID: runID}
		var status string
		if err := rows.Scan(&p.PageNumber, &status); err != nil {
			rows.Close()
			return nil, err
		}
		p.Status = models.PageStatus(status)
		pages = append(pages, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	count, err := s.CountListings(ctx, runID)
	if err != nil {
		return nil, err
	}
	return progressFromPages(pages, count), nil
}

// =============================================================================
// Logs, legacy results, commands
// =============================================================================

func (s *PostgresStore) Log(ctx context.Context, runID *int64, level models.LogLevel, message, source string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_logs (run_id, level, message, source) VALUES ($1, $2, $3, $4)`,
		runID, string(level), message, source)
	return err
}

func (s *PostgresStore) SaveScrapeResult(ctx context.Context, r *models.ScrapeResult) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	var data []byte
	if len(r.Data) > 0 {
		data = r.Data
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_results (job_id, reference, target_url, data, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET data = EXCLUDED.data, error = EXCLUDED.error`,
		r.JobID, nullIfEmpty(r.Reference), r.TargetURL, data, nullIfEmpty(r.Error), r.CreatedAt)
	return err
}

func (s *PostgresStore) GetScrapeResult(ctx context.Context, jobID string) (*models.ScrapeResult, error) {
	var r models.ScrapeResult
	var reference, errMsg *string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id, reference, target_url, data, error, created_at
		FROM scrape_results WHERE job_id = $1`, jobID).Scan(
		&r.JobID, &reference, &r.TargetURL, &r.Data, &errMsg, &r.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Reference = deref(reference)
	r.Error = deref(errMsg)
	return &r, nil
}

func (s *PostgresStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var command string
		var params []byte
		if err := rows.Scan(&cmd.ID, &command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		cmd.Command = models.CommandType(command)
		cmd.Params = params
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) MarkCommandProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE commands SET processed_at = NOW() WHERE id = $1`, id)
	return err
}
