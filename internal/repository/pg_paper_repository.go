package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/domain"
)

// Compile-time interface verification.
var _ PaperRepository = (*PgPaperRepository)(nil)

const paperColumns = `id::text, title, status, level, attempts, source_uri, text_uri,
	score, reason, model_name, duration_ms, pdf_md5, parent_id::text, seed_number,
	metadata, created_at, updated_at`

// PgPaperRepository is a PostgreSQL implementation of PaperRepository.
type PgPaperRepository struct {
	db  DBTX
	now func() time.Time
}

// NewPgPaperRepository creates a new PostgreSQL paper repository.
func NewPgPaperRepository(db DBTX) *PgPaperRepository {
	return &PgPaperRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// GetByID retrieves a paper by its UUID.
func (r *PgPaperRepository) GetByID(ctx context.Context, id string) (*domain.PaperRecord, error) {
	if !validID(id) {
		return nil, domain.NewNotFoundError("paper", id)
	}
	query := `SELECT ` + paperColumns + ` FROM papers WHERE id = $1`

	var paper *domain.PaperRecord
	err := withRetry(ctx, "get paper", func() error {
		var err error
		paper, err = scanPaper(r.db.QueryRow(ctx, query, id))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", id)
		}
		return nil, fmt.Errorf("failed to get paper by ID: %w", err)
	}
	return paper, nil
}

// FetchByState returns records in state ordered by level then age.
func (r *PgPaperRepository) FetchByState(ctx context.Context, state domain.PaperState, limit int) ([]*domain.PaperRecord, error) {
	query := `SELECT ` + paperColumns + ` FROM papers
		WHERE status = $1
		ORDER BY level ASC, created_at ASC
		LIMIT $2`
	return r.list(ctx, "fetch papers by state", query, string(state), limit)
}

// FetchByStateAtLevel returns records in state at level ordered by age.
func (r *PgPaperRepository) FetchByStateAtLevel(ctx context.Context, state domain.PaperState, level, limit int, seed *int) ([]*domain.PaperRecord, error) {
	args := []interface{}{string(state), level}
	seedFilter := ""
	if seed != nil {
		args = append(args, *seed)
		seedFilter = " AND seed_number = $3"
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM papers
		WHERE status = $1 AND level = $2%s
		ORDER BY created_at ASC
		LIMIT $%d`, paperColumns, seedFilter, len(args))
	return r.list(ctx, "fetch papers by state at level", query, args...)
}

// FetchByPdfMD5 returns records whose PDF hash matches md5.
func (r *PgPaperRepository) FetchByPdfMD5(ctx context.Context, md5 string) ([]*domain.PaperRecord, error) {
	if md5 == "" {
		return nil, domain.NewValidationError("pdf_md5", "hash is required")
	}
	query := `SELECT ` + paperColumns + ` FROM papers
		WHERE pdf_md5 = $1
		ORDER BY updated_at ASC`
	return r.list(ctx, "fetch papers by pdf hash", query, strings.ToLower(md5))
}

// FetchPdfHashCandidates returns records that should carry a PDF hash.
func (r *PgPaperRepository) FetchPdfHashCandidates(ctx context.Context, limit int, seed *int, missingOnly bool) ([]*domain.PaperRecord, error) {
	conditions := []string{"status = ANY($1)"}
	args := []interface{}{stateStrings(HashableStates)}
	if seed != nil {
		args = append(args, *seed)
		conditions = append(conditions, fmt.Sprintf("seed_number = $%d", len(args)))
	}
	if missingOnly {
		conditions = append(conditions, "pdf_md5 IS NULL")
	} else {
		conditions = append(conditions, "pdf_md5 IS NOT NULL")
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM papers
		WHERE %s
		ORDER BY updated_at ASC
		LIMIT $%d`, paperColumns, strings.Join(conditions, " AND "), len(args))
	return r.list(ctx, "fetch pdf hash candidates", query, args...)
}

// LowestActiveLevel returns the smallest level with work left, or 0.
func (r *PgPaperRepository) LowestActiveLevel(ctx context.Context) (int, error) {
	query := `SELECT COALESCE(MIN(level), 0) FROM papers WHERE status = ANY($1)`

	var level int
	err := withRetry(ctx, "lowest active level", func() error {
		return r.db.QueryRow(ctx, query, stateStrings(LevelActiveStates)).Scan(&level)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find lowest active level: %w", err)
	}
	return level, nil
}

// LevelStatusCounts aggregates records by level and state.
func (r *PgPaperRepository) LevelStatusCounts(ctx context.Context, seed *int) ([]LevelStatusCount, error) {
	query := `SELECT level, status, COUNT(*) FROM papers
		WHERE ($1::int IS NULL OR seed_number = $1)
		GROUP BY level, status
		ORDER BY level, status`

	var counts []LevelStatusCount
	err := withRetry(ctx, "level status counts", func() error {
		counts = counts[:0]
		rows, err := r.db.Query(ctx, query, seed)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c LevelStatusCount
			var state string
			if err := rows.Scan(&c.Level, &state, &c.Count); err != nil {
				return err
			}
			c.State = domain.PaperState(state)
			counts = append(counts, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count papers by level: %w", err)
	}
	return counts, nil
}

// SeedStatusCounts aggregates records by seed number and state.
func (r *PgPaperRepository) SeedStatusCounts(ctx context.Context) ([]SeedStatusCount, error) {
	query := `SELECT seed_number, status, COUNT(*) FROM papers
		GROUP BY seed_number, status
		ORDER BY seed_number NULLS LAST, status`

	var counts []SeedStatusCount
	err := withRetry(ctx, "seed status counts", func() error {
		counts = counts[:0]
		rows, err := r.db.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c SeedStatusCount
			var state string
			if err := rows.Scan(&c.SeedNumber, &state, &c.Count); err != nil {
				return err
			}
			c.State = domain.PaperState(state)
			counts = append(counts, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count papers by seed: %w", err)
	}
	return counts, nil
}

// UpdateState moves the record to state, resets attempts and applies update.
func (r *PgPaperRepository) UpdateState(ctx context.Context, id string, state domain.PaperState, update *domain.PaperUpdate) (*domain.PaperRecord, error) {
	if !state.IsValid() {
		return nil, domain.NewValidationError("state", fmt.Sprintf("unknown state %q", state))
	}

	sets := []string{"status = $1", "attempts = 0", "updated_at = $2"}
	args := []interface{}{string(state), r.now()}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update != nil {
		if update.PdfRef != nil {
			add("source_uri", update.PdfRef.URI)
		}
		if update.TextRef != nil {
			add("text_uri", update.TextRef.URI)
		}
		if update.Reason != nil {
			add("reason", *update.Reason)
		} else if update.ClearReason {
			sets = append(sets, "reason = NULL")
		}
		if update.PdfMD5 != nil {
			add("pdf_md5", strings.ToLower(*update.PdfMD5))
		}
		if update.Score != nil {
			add("score", *update.Score)
		}
		if update.ModelName != nil {
			add("model_name", *update.ModelName)
		}
		if update.DurationMS != nil {
			add("duration_ms", *update.DurationMS)
		}
		if len(update.Metadata) > 0 {
			patch, err := json.Marshal(update.Metadata)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal metadata: %w", err)
			}
			args = append(args, patch)
			sets = append(sets, fmt.Sprintf("metadata = COALESCE(metadata, '{}'::jsonb) || $%d::jsonb", len(args)))
		}
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE papers SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), paperColumns)

	return r.mutate(ctx, "update paper state", id, query, args...)
}

// IncrementAttempts persists current+1 as the attempt counter.
func (r *PgPaperRepository) IncrementAttempts(ctx context.Context, id string, current int) (*domain.PaperRecord, error) {
	query := `UPDATE papers SET attempts = $1, updated_at = $2 WHERE id = $3 RETURNING ` + paperColumns
	return r.mutate(ctx, "increment attempts", id, query, current+1, r.now(), id)
}

// SaveTextReference moves the record to TextAvailable.
func (r *PgPaperRepository) SaveTextReference(ctx context.Context, id string, ref domain.StorageRef) (*domain.PaperRecord, error) {
	return r.UpdateState(ctx, id, domain.PaperStateTextAvailable, &domain.PaperUpdate{TextRef: &ref})
}

// RegisterScore stores the score, reason, model and duration.
func (r *PgPaperRepository) RegisterScore(ctx context.Context, id string, result domain.ScoreResult, state domain.PaperState) (*domain.PaperRecord, error) {
	return r.UpdateState(ctx, id, state, scoreUpdate(result))
}

// UpdatePdfMD5 stores the PDF hash.
func (r *PgPaperRepository) UpdatePdfMD5(ctx context.Context, id, md5 string) error {
	if !validID(id) {
		return domain.NewNotFoundError("paper", id)
	}
	query := `UPDATE papers SET pdf_md5 = $1, updated_at = $2 WHERE id = $3`

	var affected int64
	err := withRetry(ctx, "update pdf hash", func() error {
		tag, err := r.db.Exec(ctx, query, strings.ToLower(md5), r.now(), id)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update pdf hash: %w", err)
	}
	if affected == 0 {
		return domain.NewNotFoundError("paper", id)
	}
	return nil
}

// FailExhausted moves over-budget records to Failed or P1Failure.
func (r *PgPaperRepository) FailExhausted(ctx context.Context, states []domain.PaperState, maxAttempts int) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}
	query := `UPDATE papers SET
			status = CASE WHEN status LIKE 'P1%' THEN $1 ELSE $2 END,
			reason = $3,
			attempts = 0,
			updated_at = $4
		WHERE status = ANY($5) AND attempts > $6`

	var affected int64
	err := withRetry(ctx, "fail exhausted papers", func() error {
		tag, err := r.db.Exec(ctx, query,
			string(domain.PaperStateP1Failure),
			string(domain.PaperStateFailed),
			ExhaustedReason,
			r.now(),
			stateStrings(states),
			maxAttempts,
		)
		affected = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fail exhausted papers: %w", err)
	}
	return affected, nil
}

// CreatePdfAvailable inserts a record whose PDF is already stored.
func (r *PgPaperRepository) CreatePdfAvailable(ctx context.Context, params SeedParams) (*domain.PaperRecord, error) {
	if err := validateSeedParams(params); err != nil {
		return nil, err
	}
	id := params.ID
	if id == "" {
		id = uuid.NewString()
	} else if !validID(id) {
		return nil, domain.NewValidationError("id", "id must be a uuid")
	}
	var md5 interface{}
	if params.PdfMD5 != "" {
		md5 = strings.ToLower(params.PdfMD5)
	}
	return r.insert(ctx, params.Title, id, domain.PaperStatePdfAvailable, params.Level,
		params.PdfRef.URI, md5, params.ParentID, params.SeedNumber, params.Metadata)
}

// CreatePdfPlaceholder inserts a PdfNotAvailable child record.
func (r *PgPaperRepository) CreatePdfPlaceholder(ctx context.Context, params PlaceholderParams) (*domain.PaperRecord, error) {
	if err := validatePlaceholderParams(params); err != nil {
		return nil, err
	}
	return r.insert(ctx, params.Title, uuid.NewString(), domain.PaperStatePdfNotAvailable, params.Level,
		nil, nil, params.ParentID, params.SeedNumber, params.Metadata)
}

// InsertPgxExtractions appends extraction rows using a single batch.
func (r *PgPaperRepository) InsertPgxExtractions(ctx context.Context, paperID string, rows []domain.PgxExtractionRow, table string) (int, error) {
	if !config.ValidTableName(table) {
		return 0, domain.NewValidationError("table", fmt.Sprintf("invalid table name %q", table))
	}
	if len(rows) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (
			paper_id, sample_id, gene, allele, rs_id, medication,
			outcome, actionability, cpic_recommendation, source_context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pgx.Identifier{table}.Sanitize())

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(query,
			paperID,
			row.SampleID,
			row.Gene,
			row.Allele,
			row.RsID,
			row.Medication,
			row.Outcome,
			row.Actionability,
			row.CPICRecommendation,
			row.SourceContext,
		)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := range rows {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("failed to insert pgx extraction at index %d: %w", i, mapWriteError(err, paperID))
		}
	}
	return len(rows), nil
}

func (r *PgPaperRepository) insert(ctx context.Context, title, id string, state domain.PaperState, level int,
	sourceURI, md5 interface{}, parentID string, seed *int, metadata map[string]interface{}) (*domain.PaperRecord, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	var parent interface{}
	if parentID != "" {
		parent = parentID
	}

	query := `INSERT INTO papers (
			id, title, status, level, attempts, source_uri, pdf_md5,
			parent_id, seed_number, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $9, $10, $10)
		RETURNING ` + paperColumns

	now := r.now()
	var paper *domain.PaperRecord
	err = withRetry(ctx, "insert paper", func() error {
		var err error
		paper, err = scanPaper(r.db.QueryRow(ctx, query,
			id, title, string(state), level, sourceURI, md5, parent, seed, metadataJSON, now))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to insert paper: %w", mapWriteError(err, title))
	}
	return paper, nil
}

func (r *PgPaperRepository) mutate(ctx context.Context, op, id, query string, args ...interface{}) (*domain.PaperRecord, error) {
	if !validID(id) {
		return nil, domain.NewNotFoundError("paper", id)
	}
	var paper *domain.PaperRecord
	err := withRetry(ctx, op, func() error {
		var err error
		paper, err = scanPaper(r.db.QueryRow(ctx, query, args...))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("paper", id)
		}
		return nil, fmt.Errorf("failed to %s: %w", op, mapWriteError(err, id))
	}
	return paper, nil
}

func (r *PgPaperRepository) list(ctx context.Context, op, query string, args ...interface{}) ([]*domain.PaperRecord, error) {
	var papers []*domain.PaperRecord
	err := withRetry(ctx, op, func() error {
		papers = papers[:0]
		rows, err := r.db.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			paper, err := scanPaper(rows)
			if err != nil {
				return err
			}
			papers = append(papers, paper)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return papers, nil
}

func scoreUpdate(result domain.ScoreResult) *domain.PaperUpdate {
	score := result.Score
	reason := result.Reason
	model := result.ModelName
	duration := result.DurationMS
	return &domain.PaperUpdate{
		Score:      &score,
		Reason:     &reason,
		ModelName:  &model,
		DurationMS: &duration,
	}
}

// paperScanDest holds the destination pointers for scanning a paper row.
type paperScanDest struct {
	paper        domain.PaperRecord
	state        string
	sourceURI    *string
	textURI      *string
	reason       *string
	modelName    *string
	pdfMD5       *string
	parentID     *string
	metadataJSON []byte
}

// destinations returns the slice of pointers for Scan operations, in
// paperColumns order.
func (d *paperScanDest) destinations() []interface{} {
	return []interface{}{
		&d.paper.ID, &d.paper.Title, &d.state, &d.paper.Level, &d.paper.Attempts,
		&d.sourceURI, &d.textURI, &d.paper.Score, &d.reason, &d.modelName,
		&d.paper.DurationMS, &d.pdfMD5, &d.parentID, &d.paper.SeedNumber,
		&d.metadataJSON, &d.paper.CreatedAt, &d.paper.UpdatedAt,
	}
}

// finalize converts nullable columns and unmarshals metadata.
func (d *paperScanDest) finalize() (*domain.PaperRecord, error) {
	d.paper.State = domain.PaperState(d.state)
	if d.sourceURI != nil && *d.sourceURI != "" {
		d.paper.PdfRef = &domain.StorageRef{URI: *d.sourceURI}
	}
	if d.textURI != nil && *d.textURI != "" {
		d.paper.TextRef = &domain.StorageRef{URI: *d.textURI}
	}
	d.paper.Reason = deref(d.reason)
	d.paper.ModelName = deref(d.modelName)
	d.paper.PdfMD5 = deref(d.pdfMD5)
	d.paper.ParentID = deref(d.parentID)

	d.paper.Metadata = map[string]interface{}{}
	if len(d.metadataJSON) > 0 {
		if err := json.Unmarshal(d.metadataJSON, &d.paper.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &d.paper, nil
}

// scanPaper scans a single row into a PaperRecord. pgx.Rows satisfies pgx.Row.
func scanPaper(row pgx.Row) (*domain.PaperRecord, error) {
	var dest paperScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// validID reports whether id can match the uuid primary key.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
