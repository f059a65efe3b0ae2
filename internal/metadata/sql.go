package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/quarry-ai/ragcore/internal/config"
	"github.com/quarry-ai/ragcore/internal/domain"
	"github.com/quarry-ai/ragcore/internal/observability"
)

// SQLStore implements Store over database/sql. One implementation serves both
// the postgres (lib/pq) and sqlite3 drivers; every statement uses $1-style
// placeholders, which both accept.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *observability.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, driver string, logger *observability.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		driver: driver,
		logger: logger.WithComponent("metadata"),
	}
}

// Open connects to the configured database and verifies the connection.
func Open(cfg config.DatabaseConfig, logger *observability.Logger) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Driver {
	case "postgres":
		db, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err == nil {
			db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
			db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
			db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
		}
	case "sqlite":
		db, err = sql.Open("sqlite3", cfg.SQLite.Path)
		if err == nil {
			// SQLite allows one writer; serialize access through the pool.
			maxConns := cfg.SQLite.MaxOpenConns
			if maxConns < 1 {
				maxConns = 1
			}
			db.SetMaxOpenConns(maxConns)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewSQLStore(db, cfg.Driver, logger), nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// migrations are applied in order; each entry runs once and is recorded in
// schema_migrations.
var migrations = []struct {
	version int
	ddl     string
}{
	{
		version: 1,
		ddl: `
			CREATE TABLE IF NOT EXISTS knowledge_bases (
				owner_id         TEXT NOT NULL,
				kb_id            TEXT NOT NULL,
				name             TEXT NOT NULL,
				description      TEXT NOT NULL DEFAULT '',
				embedding_model  TEXT NOT NULL,
				generation_model TEXT NOT NULL DEFAULT '',
				document_count   INTEGER NOT NULL DEFAULT 0,
				total_size       BIGINT NOT NULL DEFAULT 0,
				index_status     TEXT NOT NULL,
				version          BIGINT NOT NULL DEFAULT 0,
				dimension        INTEGER NOT NULL DEFAULT 0,
				created_at       TIMESTAMP NOT NULL,
				updated_at       TIMESTAMP NOT NULL,
				PRIMARY KEY (owner_id, kb_id)
			)`,
	},
	{
		version: 2,
		ddl: `
			CREATE TABLE IF NOT EXISTS documents (
				kb_id             TEXT NOT NULL,
				document_id       TEXT NOT NULL,
				filename          TEXT NOT NULL,
				content_type      TEXT NOT NULL DEFAULT '',
				size              BIGINT NOT NULL DEFAULT 0,
				object_key        TEXT NOT NULL,
				status            TEXT NOT NULL,
				uploaded_at       TIMESTAMP NOT NULL,
				indexed_at        TIMESTAMP,
				error_message     TEXT NOT NULL DEFAULT '',
				chunk_count       INTEGER NOT NULL DEFAULT 0,
				extraction_method TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (kb_id, document_id)
			)`,
	},
	{
		version: 3,
		ddl:     `CREATE INDEX IF NOT EXISTS idx_documents_kb_status ON documents (kb_id, status)`,
	},
}

// Migrate creates the schema, recording applied versions in
// schema_migrations so re-runs are no-ops.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, m.version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if exists > 0 {
			continue
		}

		if _, err := s.db.ExecContext(ctx, m.ddl); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`,
			m.version, time.Now().UTC()); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}

		s.logger.Info().Int("version", m.version).Msg("Applied schema migration")
	}

	return nil
}

const kbColumns = `owner_id, kb_id, name, description, embedding_model, generation_model,
	document_count, total_size, index_status, version, dimension, created_at, updated_at`

// CreateKB inserts a new KB row.
func (s *SQLStore) CreateKB(ctx context.Context, kb *domain.KnowledgeBase) error {
	query := `
		INSERT INTO knowledge_bases (` + kbColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.ExecContext(ctx, query,
		kb.OwnerID, kb.KBID, kb.Name, kb.Description, kb.EmbeddingModel, kb.GenerationModel,
		kb.DocumentCount, kb.TotalSize, string(kb.IndexStatus), kb.Version, kb.Dimension,
		kb.CreatedAt, kb.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.InvalidInput(fmt.Sprintf("knowledge base %s already exists", kb.KBID))
		}
		return fmt.Errorf("insert knowledge base: %w", err)
	}
	return nil
}

// GetKB returns the KB row or not_found.
func (s *SQLStore) GetKB(ctx context.Context, ownerID, kbID string) (*domain.KnowledgeBase, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases WHERE owner_id = $1 AND kb_id = $2`
	return scanKB(s.db.QueryRowContext(ctx, query, ownerID, kbID))
}

// UpdateKB applies the row iff the stored version equals expectedVersion.
func (s *SQLStore) UpdateKB(ctx context.Context, kb *domain.KnowledgeBase, expectedVersion int64) error {
	query := `
		UPDATE knowledge_bases SET
			name = $1, description = $2, generation_model = $3, document_count = $4,
			total_size = $5, index_status = $6, version = $7, dimension = $8, updated_at = $9
		WHERE owner_id = $10 AND kb_id = $11 AND version = $12
	`
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		kb.Name, kb.Description, kb.GenerationModel, kb.DocumentCount,
		kb.TotalSize, string(kb.IndexStatus), expectedVersion+1, kb.Dimension, now,
		kb.OwnerID, kb.KBID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update knowledge base: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update knowledge base: %w", err)
	}
	if rows == 0 {
		// Distinguish a lost version race from a missing row.
		if _, err := s.GetKB(ctx, kb.OwnerID, kb.KBID); err != nil {
			return err
		}
		return domain.PreconditionFailed(
			fmt.Sprintf("knowledge base %s version %d superseded", kb.KBID, expectedVersion))
	}

	kb.Version = expectedVersion + 1
	kb.UpdatedAt = now
	return nil
}

// DeleteKB removes the KB row.
func (s *SQLStore) DeleteKB(ctx context.Context, ownerID, kbID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge_bases WHERE owner_id = $1 AND kb_id = $2`, ownerID, kbID)
	if err != nil {
		return fmt.Errorf("delete knowledge base: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete knowledge base: %w", err)
	}
	if rows == 0 {
		return domain.NotFound(fmt.Sprintf("knowledge base %s", kbID))
	}
	return nil
}

// ListKBs returns all KBs of one owner ordered by creation time.
func (s *SQLStore) ListKBs(ctx context.Context, ownerID string) ([]*domain.KnowledgeBase, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases WHERE owner_id = $1 ORDER BY created_at, kb_id`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list knowledge bases: %w", err)
	}
	defer rows.Close()

	var kbs []*domain.KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

const documentColumns = `kb_id, document_id, filename, content_type, size, object_key,
	status, uploaded_at, indexed_at, error_message, chunk_count, extraction_method`

// CreateDocument inserts a new Document row.
func (s *SQLStore) CreateDocument(ctx context.Context, doc *domain.Document) error {
	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	var indexedAt sql.NullTime
	if doc.IndexedAt != nil {
		indexedAt = sql.NullTime{Time: *doc.IndexedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		doc.KBID, doc.DocumentID, doc.Filename, doc.ContentType, doc.Size, doc.ObjectKey,
		string(doc.Status), doc.UploadedAt, indexedAt, doc.ErrorMessage, doc.ChunkCount,
		doc.ExtractionMethod,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.InvalidInput(fmt.Sprintf("document %s already exists", doc.DocumentID))
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument returns the Document row or not_found.
func (s *SQLStore) GetDocument(ctx context.Context, kbID, documentID string) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE kb_id = $1 AND document_id = $2`
	return scanDocument(s.db.QueryRowContext(ctx, query, kbID, documentID))
}

// UpdateDocumentStatus transitions the document iff its stored status equals
// from, applying the patch in the same conditional write.
func (s *SQLStore) UpdateDocumentStatus(ctx context.Context, kbID, documentID string,
	from, to domain.DocumentStatus, patch DocumentPatch) error {

	sets := []string{"status = $1"}
	args := []interface{}{string(to)}

	if patch.IndexedAt != nil {
		args = append(args, *patch.IndexedAt)
		sets = append(sets, fmt.Sprintf("indexed_at = $%d", len(args)))
	}
	if patch.ErrorMessage != nil {
		args = append(args, *patch.ErrorMessage)
		sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
	}
	if patch.ChunkCount != nil {
		args = append(args, *patch.ChunkCount)
		sets = append(sets, fmt.Sprintf("chunk_count = $%d", len(args)))
	}
	if patch.ExtractionMethod != nil {
		args = append(args, *patch.ExtractionMethod)
		sets = append(sets, fmt.Sprintf("extraction_method = $%d", len(args)))
	}

	query := fmt.Sprintf(
		`UPDATE documents SET %s WHERE kb_id = $%d AND document_id = $%d AND status = $%d`,
		strings.Join(sets, ", "), len(args)+1, len(args)+2, len(args)+3)
	args = append(args, kbID, documentID, string(from))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetDocument(ctx, kbID, documentID); err != nil {
			return err
		}
		return domain.PreconditionFailed(
			fmt.Sprintf("document %s is not %s", documentID, from))
	}
	return nil
}

// DeleteDocument removes the Document row.
func (s *SQLStore) DeleteDocument(ctx context.Context, kbID, documentID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE kb_id = $1 AND document_id = $2`, kbID, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if rows == 0 {
		return domain.NotFound(fmt.Sprintf("document %s", documentID))
	}
	return nil
}

// ListDocuments returns all documents of a KB ordered by upload time.
func (s *SQLStore) ListDocuments(ctx context.Context, kbID string) ([]*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE kb_id = $1 ORDER BY uploaded_at, document_id`
	return s.queryDocuments(ctx, query, kbID)
}

// ListDocumentsByStatus returns the KB's documents in the given status.
func (s *SQLStore) ListDocumentsByStatus(ctx context.Context, kbID string, status domain.DocumentStatus) ([]*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE kb_id = $1 AND status = $2 ORDER BY uploaded_at, document_id`
	return s.queryDocuments(ctx, query, kbID, string(status))
}

func (s *SQLStore) queryDocuments(ctx context.Context, query string, args ...interface{}) ([]*domain.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanKB(row scanner) (*domain.KnowledgeBase, error) {
	kb := &domain.KnowledgeBase{}
	var status string
	err := row.Scan(
		&kb.OwnerID, &kb.KBID, &kb.Name, &kb.Description, &kb.EmbeddingModel, &kb.GenerationModel,
		&kb.DocumentCount, &kb.TotalSize, &status, &kb.Version, &kb.Dimension,
		&kb.CreatedAt, &kb.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("knowledge base")
	}
	if err != nil {
		return nil, fmt.Errorf("scan knowledge base: %w", err)
	}
	kb.IndexStatus = domain.IndexStatus(status)
	return kb, nil
}

func scanDocument(row scanner) (*domain.Document, error) {
	doc := &domain.Document{}
	var (
		status    string
		indexedAt sql.NullTime
	)
	err := row.Scan(
		&doc.KBID, &doc.DocumentID, &doc.Filename, &doc.ContentType, &doc.Size, &doc.ObjectKey,
		&status, &doc.UploadedAt, &indexedAt, &doc.ErrorMessage, &doc.ChunkCount,
		&doc.ExtractionMethod,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("document")
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Status = domain.DocumentStatus(status)
	if indexedAt.Valid {
		t := indexedAt.Time
		doc.IndexedAt = &t
	}
	return doc, nil
}

// isUniqueViolation detects primary-key conflicts for both drivers without
// importing their error types here.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || // lib/pq
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite3
}
