package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// _queryTimeout bounds every individual database operation. Transactions run
// under the caller's deadline but are never interrupted mid-flight; see
// Upsert.
const _queryTimeout = 10 * time.Second

// keyedMutex serializes work per canonical key. Waiters queue on a channel,
// so hand-off is FIFO-ish without a global lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func (k *keyedMutex) Lock(key string) {
	for {
		k.mu.Lock()
		if k.locks == nil {
			k.locks = map[string]chan struct{}{}
		}
		ch, held := k.locks[key]
		if !held {
			k.locks[key] = make(chan struct{})
			k.mu.Unlock()
			return
		}
		k.mu.Unlock()
		<-ch
	}
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	ch := k.locks[key]
	delete(k.locks, key)
	k.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// newDB dials Postgres and verifies the connection.
func newDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging: %w", err)
	}
	return pool, nil
}

// Store is the canonical persistence layer: a normalized book graph in
// Postgres with idempotent upserts.
type Store struct {
	db      *pgxpool.Pool
	locks   keyedMutex
	metrics *dbMetrics
}

var _ identityStore = (*Store)(nil)

// NewStore connects to the database and applies the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := newDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.Bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Bootstrap applies the embedded DDL. Safe to run repeatedly.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, _schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// SetMetrics wires the DB gauge so writes mark stats dirty.
func (s *Store) SetMetrics(m *dbMetrics) { s.metrics = m }

// Pool exposes the underlying pool for metrics collection.
func (s *Store) Pool() *pgxpool.Pool { return s.db }

// Close releases the connection pool.
func (s *Store) Close() { s.db.Close() }

func (s *Store) query(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, _queryTimeout)
}

// pgError maps constraint violations onto our taxonomy. Anything the upsert
// algorithm should have made impossible surfaces as a data-integrity error
// with the original attached.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errNotFound
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) && pge.Code == "23505" {
		return errors.Join(errDataIntegrity, err)
	}
	return err
}

// --- identity lookups -------------------------------------------------------

// HasKey reports whether a book row exists for the key.
func (s *Store) HasKey(ctx context.Context, key uuid.UUID) (bool, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM books WHERE id = $1)`, key).Scan(&ok)
	return ok, err
}

// KeyByISBN resolves a sanitized ISBN-10 or -13 to a canonical key, falling
// back to the provider-side echo columns when the book row doesn't carry the
// ISBN directly.
func (s *Store) KeyByISBN(ctx context.Context, isbn string) (uuid.UUID, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	var key uuid.UUID
	err := s.db.QueryRow(ctx, `
		SELECT id FROM books WHERE isbn13 = $1 OR isbn10 = $1
		UNION ALL
		SELECT book_id FROM book_external_ids WHERE isbn13 = $1 OR isbn10 = $1
		LIMIT 1`, isbn).Scan(&key)
	if err != nil {
		return uuid.Nil, pgError(err)
	}
	return key, nil
}

// KeyByExternalID resolves a provider external id regardless of source.
func (s *Store) KeyByExternalID(ctx context.Context, externalID string) (uuid.UUID, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	var key uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT book_id FROM book_external_ids WHERE external_id = $1 LIMIT 1`,
		externalID).Scan(&key)
	if err != nil {
		return uuid.Nil, pgError(err)
	}
	return key, nil
}

// KeyBySlug resolves a slug to a canonical key.
func (s *Store) KeyBySlug(ctx context.Context, slug string) (uuid.UUID, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	var key uuid.UUID
	err := s.db.QueryRow(ctx, `SELECT id FROM books WHERE slug = $1`, slug).Scan(&key)
	if err != nil {
		return uuid.Nil, pgError(err)
	}
	return key, nil
}

// --- upsert -----------------------------------------------------------------

// Upsert idempotently persists a book graph along with the raw payloads that
// produced it, returning the canonical key. The whole graph is written in one
// transaction under a per-key lock, so concurrent resolutions of the same
// book serialize instead of clobbering each other.
//
// Field semantics: non-empty incoming values overwrite, empty ones preserve
// whatever is already stored.
func (s *Store) Upsert(ctx context.Context, book *Book, raws []RawPayload) (uuid.UUID, error) {
	if book == nil || (book.Title == "" && book.ExternalID == "" && book.ISBN13 == "" && book.ISBN10 == "") {
		return uuid.Nil, errBadRequest
	}

	key, err := s.resolveUpsertKey(ctx, book)
	if err != nil {
		return uuid.Nil, err
	}

	s.locks.Lock(key.String())
	defer s.locks.Unlock(key.String())

	// The transaction runs to completion even if the caller goes away;
	// cancellation applies before we begin, never midway.
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), _queryTimeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}

	err = pgx.BeginTxFunc(txCtx, s.db, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return s.upsertGraph(txCtx, tx, key, book, raws)
	})
	if err != nil {
		return uuid.Nil, pgError(err)
	}

	s.metrics.touch()
	return key, nil
}

// resolveUpsertKey finds the existing canonical key for the incoming book, or
// mints a new time-ordered one. Resolution order: explicit key, (source,
// external id), ISBN-13, ISBN-10.
func (s *Store) resolveUpsertKey(ctx context.Context, book *Book) (uuid.UUID, error) {
	if book.ID != uuid.Nil {
		return book.ID, nil
	}

	if book.ExternalID != "" {
		key, err := s.KeyByExternalID(ctx, book.ExternalID)
		if err == nil {
			return key, nil
		}
		if !isNotFound(err) {
			return uuid.Nil, err
		}
	}
	for _, isbn := range []string{book.ISBN13, book.ISBN10} {
		if isbn == "" {
			continue
		}
		key, err := s.KeyByISBN(ctx, isbn)
		if err == nil {
			return key, nil
		}
		if !isNotFound(err) {
			return uuid.Nil, err
		}
	}
	return newCanonicalKey(), nil
}

func (s *Store) upsertGraph(ctx context.Context, tx pgx.Tx, key uuid.UUID, book *Book, raws []RawPayload) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM books WHERE id = $1)`, key).Scan(&exists); err != nil {
		return err
	}

	slug := ""
	if !exists {
		base := bookSlug(book.Title, book.FirstAuthor())
		if base == "" {
			base = slugify(book.ExternalID)
		}
		if base != "" {
			if err := tx.QueryRow(ctx, `SELECT ensure_unique_slug($1)`, base).Scan(&slug); err != nil {
				return fmt.Errorf("generating slug: %w", err)
			}
		}
	}

	qualifiers, err := marshalQualifiers(book.Qualifiers)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO books (
			id, slug, title, subtitle, description, publisher, published_date,
			language, page_count, isbn10, isbn13, average_rating, ratings_count,
			list_price, currency, viewability,
			cover_url, cover_fallback_url, cover_source, cover_width,
			cover_height, cover_high_res, cover_storage_key, cover_final,
			qualifiers
		) VALUES (
			@id, NULLIF(@slug, ''), @title, @subtitle, @description, @publisher,
			NULLIF(@published_date, '')::date, @language, @page_count,
			NULLIF(@isbn10, ''), NULLIF(@isbn13, ''), @average_rating,
			@ratings_count, @list_price, @currency, @viewability,
			@cover_url, @cover_fallback_url, @cover_source, @cover_width,
			@cover_height, @cover_high_res, @cover_storage_key, @cover_final,
			@qualifiers
		)
		ON CONFLICT (id) DO UPDATE SET
			title          = COALESCE(NULLIF(EXCLUDED.title, ''), books.title),
			subtitle       = COALESCE(NULLIF(EXCLUDED.subtitle, ''), books.subtitle),
			description    = COALESCE(NULLIF(EXCLUDED.description, ''), books.description),
			publisher      = COALESCE(NULLIF(EXCLUDED.publisher, ''), books.publisher),
			published_date = COALESCE(EXCLUDED.published_date, books.published_date),
			language       = COALESCE(NULLIF(EXCLUDED.language, ''), books.language),
			page_count     = COALESCE(NULLIF(EXCLUDED.page_count, 0), books.page_count),
			isbn10         = COALESCE(EXCLUDED.isbn10, books.isbn10),
			isbn13         = COALESCE(EXCLUDED.isbn13, books.isbn13),
			average_rating = COALESCE(NULLIF(EXCLUDED.average_rating, 0), books.average_rating),
			ratings_count  = COALESCE(NULLIF(EXCLUDED.ratings_count, 0), books.ratings_count),
			list_price     = COALESCE(NULLIF(EXCLUDED.list_price, 0), books.list_price),
			currency       = COALESCE(NULLIF(EXCLUDED.currency, ''), books.currency),
			viewability    = COALESCE(NULLIF(EXCLUDED.viewability, ''), books.viewability),
			cover_url          = CASE WHEN books.cover_final THEN books.cover_url          ELSE COALESCE(NULLIF(EXCLUDED.cover_url, ''), books.cover_url) END,
			cover_fallback_url = CASE WHEN books.cover_final THEN books.cover_fallback_url ELSE COALESCE(NULLIF(EXCLUDED.cover_fallback_url, ''), books.cover_fallback_url) END,
			cover_source       = CASE WHEN books.cover_final OR EXCLUDED.cover_url = '' THEN books.cover_source ELSE EXCLUDED.cover_source END,
			qualifiers     = COALESCE(books.qualifiers, '{}'::jsonb) || COALESCE(EXCLUDED.qualifiers, '{}'::jsonb),
			updated_at     = now()`,
		pgx.NamedArgs{
			"id":                 key,
			"slug":               slug,
			"title":              book.Title,
			"subtitle":           book.Subtitle,
			"description":        book.Description,
			"publisher":          book.Publisher,
			"published_date":     book.PublishedDate,
			"language":           book.Language,
			"page_count":         book.PageCount,
			"isbn10":             book.ISBN10,
			"isbn13":             book.ISBN13,
			"average_rating":     book.AverageRating,
			"ratings_count":      book.RatingsCount,
			"list_price":         book.ListPrice,
			"currency":           book.Currency,
			"viewability":        book.Viewability,
			"cover_url":          book.Cover.URL,
			"cover_fallback_url": book.Cover.FallbackURL,
			"cover_source":       string(coverSourceOrDefault(book.Cover.Source)),
			"cover_width":        book.Cover.Width,
			"cover_height":       book.Cover.Height,
			"cover_high_res":     book.Cover.HighRes,
			"cover_storage_key":  book.Cover.StorageKey,
			"cover_final":        book.Cover.Final,
			"qualifiers":         qualifiers,
		})
	if err != nil {
		return fmt.Errorf("upserting book: %w", err)
	}

	if book.ExternalID != "" && book.Source != "" && book.Source != SourceAggregated {
		if err := s.upsertExternalID(ctx, tx, key, externalRecordOf(book)); err != nil {
			return err
		}
	}

	for _, raw := range raws {
		if err := s.replaceRawPayload(ctx, tx, key, raw); err != nil {
			return err
		}
	}

	if book.Cover.URL != "" {
		if err := s.upsertImageLink(ctx, tx, key, "primary", book.Cover); err != nil {
			return err
		}
	}
	if book.Cover.FallbackURL != "" && book.Cover.FallbackURL != book.Cover.URL {
		fallback := CoverState{URL: book.Cover.FallbackURL, Source: book.Cover.Source}
		if err := s.upsertImageLink(ctx, tx, key, "thumbnail", fallback); err != nil {
			return err
		}
	}

	if d := book.Dimensions; d != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO book_dimensions (book_id, height_cm, width_cm, thickness_cm)
			VALUES ($1, NULLIF($2, 0::float8), NULLIF($3, 0::float8), NULLIF($4, 0::float8))
			ON CONFLICT (book_id) DO UPDATE SET
				height_cm    = COALESCE(NULLIF(EXCLUDED.height_cm, 0), book_dimensions.height_cm),
				width_cm     = COALESCE(NULLIF(EXCLUDED.width_cm, 0), book_dimensions.width_cm),
				thickness_cm = COALESCE(NULLIF(EXCLUDED.thickness_cm, 0), book_dimensions.thickness_cm)`,
			key, d.HeightCM, d.WidthCM, d.ThicknessCM)
		if err != nil {
			return fmt.Errorf("upserting dimensions: %w", err)
		}
	}

	if err := s.replaceAuthors(ctx, tx, key, book.Authors); err != nil {
		return err
	}

	src := book.Source
	if src == "" {
		src = SourceUndefined
	}
	for _, category := range book.Categories {
		if err := s.joinCategory(ctx, tx, key, src, category); err != nil {
			return err
		}
	}

	return nil
}

func coverSourceOrDefault(src Source) Source {
	if src == "" {
		return SourceUndefined
	}
	return src
}

func externalRecordOf(book *Book) ExternalRecord {
	return ExternalRecord{
		Source:        book.Source,
		ExternalID:    book.ExternalID,
		ISBN10:        book.ISBN10,
		ISBN13:        book.ISBN13,
		AverageRating: book.AverageRating,
		RatingsCount:  book.RatingsCount,
		ListPrice:     book.ListPrice,
		Currency:      book.Currency,
		Viewability:   book.Viewability,
	}
}

// upsertExternalID records the provider identifier and its enrichment
// columns. When the provider's ISBN echo is already claimed by a different
// external row we store null for the echo instead of tripping the unique
// index; the canonical ISBN on the book row keeps the linkage.
func (s *Store) upsertExternalID(ctx context.Context, tx pgx.Tx, key uuid.UUID, rec ExternalRecord) error {
	for _, isbn := range []struct {
		col   string
		value *string
	}{
		{"isbn13", &rec.ISBN13},
		{"isbn10", &rec.ISBN10},
	} {
		if *isbn.value == "" {
			continue
		}
		var conflict bool
		err := tx.QueryRow(ctx, fmt.Sprintf(`
			SELECT EXISTS (
				SELECT 1 FROM book_external_ids
				WHERE %s = $1 AND NOT (source = $2 AND external_id = $3)
			)`, isbn.col), *isbn.value, rec.Source, rec.ExternalID).Scan(&conflict)
		if err != nil {
			return err
		}
		if conflict {
			*isbn.value = ""
		}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO book_external_ids (
			id, book_id, source, external_id, isbn10, isbn13,
			average_rating, ratings_count, list_price, currency, viewability
		) VALUES (
			@id, @book_id, @source, @external_id, NULLIF(@isbn10, ''), NULLIF(@isbn13, ''),
			NULLIF(@average_rating, 0::float8), NULLIF(@ratings_count, 0),
			NULLIF(@list_price, 0::float8), NULLIF(@currency, ''), NULLIF(@viewability, '')
		)
		ON CONFLICT (source, external_id) DO UPDATE SET
			book_id        = EXCLUDED.book_id,
			isbn10         = COALESCE(EXCLUDED.isbn10, book_external_ids.isbn10),
			isbn13         = COALESCE(EXCLUDED.isbn13, book_external_ids.isbn13),
			average_rating = COALESCE(EXCLUDED.average_rating, book_external_ids.average_rating),
			ratings_count  = COALESCE(EXCLUDED.ratings_count, book_external_ids.ratings_count),
			list_price     = COALESCE(EXCLUDED.list_price, book_external_ids.list_price),
			currency       = COALESCE(EXCLUDED.currency, book_external_ids.currency),
			viewability    = COALESCE(EXCLUDED.viewability, book_external_ids.viewability),
			updated_at     = now()`,
		pgx.NamedArgs{
			"id":             newRowID(),
			"book_id":        key,
			"source":         string(rec.Source),
			"external_id":    rec.ExternalID,
			"isbn10":         rec.ISBN10,
			"isbn13":         rec.ISBN13,
			"average_rating": rec.AverageRating,
			"ratings_count":  rec.RatingsCount,
			"list_price":     rec.ListPrice,
			"currency":       rec.Currency,
			"viewability":    rec.Viewability,
		})
	if err != nil {
		return fmt.Errorf("upserting external id: %w", err)
	}
	return nil
}

func (s *Store) replaceRawPayload(ctx context.Context, tx pgx.Tx, key uuid.UUID, raw RawPayload) error {
	fetched := raw.FetchedAt
	if fetched.IsZero() {
		fetched = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO book_raw_data (id, book_id, source, payload, fetched_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (book_id, source) DO UPDATE SET
			payload        = EXCLUDED.payload,
			fetched_at     = EXCLUDED.fetched_at,
			contributed_at = now()`,
		newRowID(), key, string(raw.Source), string(raw.JSON), fetched)
	if err != nil {
		return fmt.Errorf("replacing raw payload: %w", err)
	}
	return nil
}

func (s *Store) upsertImageLink(ctx context.Context, tx pgx.Tx, key uuid.UUID, imageType string, cover CoverState) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO book_image_links (id, book_id, image_type, url, source, width, height, high_res, storage_key)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), NULLIF($7, 0), $8, NULLIF($9, ''))
		ON CONFLICT (book_id, image_type) DO UPDATE SET
			url         = EXCLUDED.url,
			source      = EXCLUDED.source,
			width       = COALESCE(EXCLUDED.width, book_image_links.width),
			height      = COALESCE(EXCLUDED.height, book_image_links.height),
			high_res    = EXCLUDED.high_res,
			storage_key = COALESCE(EXCLUDED.storage_key, book_image_links.storage_key),
			updated_at  = now()`,
		newRowID(), key, imageType, cover.URL, string(coverSourceOrDefault(cover.Source)),
		cover.Width, cover.Height, cover.HighRes, cover.StorageKey)
	if err != nil {
		return fmt.Errorf("upserting image link: %w", err)
	}
	return nil
}

// replaceAuthors upserts the author rows and rewrites the join rows so
// positions stay contiguous from zero.
func (s *Store) replaceAuthors(ctx context.Context, tx pgx.Tx, key uuid.UUID, names []string) error {
	// Duplicate names would collide on (book_id, author_id) and leave a gap
	// in the position sequence.
	names = dedupeAuthors(names)
	if len(names) == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `DELETE FROM book_authors_join WHERE book_id = $1`, key); err != nil {
		return err
	}

	for position, name := range names {
		var authorID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO authors (name, normalized_name) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
			RETURNING id`,
			name, normalizeAuthor(name)).Scan(&authorID)
		if err != nil {
			return fmt.Errorf("upserting author %q: %w", name, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO book_authors_join (book_id, author_id, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (book_id, author_id) DO UPDATE SET position = EXCLUDED.position`,
			key, authorID, position)
		if err != nil {
			return fmt.Errorf("joining author %q: %w", name, err)
		}
	}
	return nil
}

func (s *Store) joinCategory(ctx context.Context, tx pgx.Tx, key uuid.UUID, src Source, name string) error {
	normalized := normalizeCategory(name)
	if normalized == "" {
		return nil
	}
	var collectionID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO book_collections (type, source, name, normalized_name)
		VALUES ('CATEGORY', $1, $2, $3)
		ON CONFLICT (type, source, normalized_name) WHERE type = 'CATEGORY'
		DO UPDATE SET name = book_collections.name
		RETURNING id`,
		string(src), name, normalized).Scan(&collectionID)
	if err != nil {
		return fmt.Errorf("upserting category %q: %w", name, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO book_collections_join (collection_id, book_id)
		VALUES ($1, $2)
		ON CONFLICT (collection_id, book_id) DO NOTHING`,
		collectionID, key)
	return err
}

// UpsertBestsellerMembership records a book's position on a bestseller list,
// creating the collection if needed.
func (s *Store) UpsertBestsellerMembership(ctx context.Context, key uuid.UUID, m Membership) error {
	ctx, cancel := s.query(ctx)
	defer cancel()

	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var collectionID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO book_collections (type, source, name, normalized_name, list_code)
			VALUES ('BESTSELLER_LIST', $1, $2, $3, $4)
			ON CONFLICT (type, source, list_code) WHERE type = 'BESTSELLER_LIST'
			DO UPDATE SET name = EXCLUDED.name, normalized_name = EXCLUDED.normalized_name
			RETURNING id`,
			string(m.Collection.Source), m.Collection.Name,
			normalizeCategory(m.Collection.Name), m.Collection.ListCode).Scan(&collectionID)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO book_collections_join (collection_id, book_id, rank, weeks_on_list)
			VALUES ($1, $2, NULLIF($3, 0), NULLIF($4, 0))
			ON CONFLICT (collection_id, book_id) DO UPDATE SET
				rank          = COALESCE(NULLIF(EXCLUDED.rank, 0), book_collections_join.rank),
				weeks_on_list = COALESCE(NULLIF(EXCLUDED.weeks_on_list, 0), book_collections_join.weeks_on_list)`,
			collectionID, key, m.Rank, m.WeeksOnList)
		return err
	})
	if err != nil {
		return pgError(err)
	}
	s.metrics.touch()
	return nil
}

// --- fetch ------------------------------------------------------------------

// FetchByKey hydrates the full book graph for a canonical key.
func (s *Store) FetchByKey(ctx context.Context, key uuid.UUID) (*Book, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()
	return s.loadBook(ctx, `WHERE b.id = $1`, key)
}

// FetchBySlug hydrates a book by its public slug.
func (s *Store) FetchBySlug(ctx context.Context, slug string) (*Book, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()
	return s.loadBook(ctx, `WHERE b.slug = $1`, slug)
}

// FetchByISBN hydrates a book by either ISBN form.
func (s *Store) FetchByISBN(ctx context.Context, isbn string) (*Book, error) {
	key, err := s.KeyByISBN(ctx, sanitizeISBN(isbn))
	if err != nil {
		return nil, err
	}
	return s.FetchByKey(ctx, key)
}

// FetchByExternal hydrates a book by a (source, external id) pair.
func (s *Store) FetchByExternal(ctx context.Context, src Source, externalID string) (*Book, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	var key uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT book_id FROM book_external_ids WHERE source = $1 AND external_id = $2`,
		string(src), externalID).Scan(&key)
	if err != nil {
		return nil, pgError(err)
	}
	return s.loadBook(ctx, `WHERE b.id = $1`, key)
}

func (s *Store) loadBook(ctx context.Context, where string, arg any) (*Book, error) {
	b := &Book{}
	var (
		slug, subtitle, description, publisher, language         pgtype.Text
		isbn10, isbn13, currency, viewability                    pgtype.Text
		coverURL, coverFallback, coverStorageKey                 pgtype.Text
		pageCount, ratingsCount, coverWidth, coverHeight         pgtype.Int4
		averageRating, listPrice                                 pgtype.Float8
		publishedDate                                            pgtype.Date
		qualifiers                                               []byte
		coverSource                                              string
	)

	err := s.db.QueryRow(ctx, `
		SELECT b.id, b.slug, b.title, b.subtitle, b.description, b.publisher,
			b.published_date, b.language, b.page_count, b.isbn10, b.isbn13,
			b.average_rating, b.ratings_count, b.list_price, b.currency,
			b.viewability, b.cover_url, b.cover_fallback_url, b.cover_source,
			b.cover_width, b.cover_height, b.cover_high_res, b.cover_storage_key,
			b.cover_final, b.qualifiers, b.created_at, b.updated_at
		FROM books b `+where,
		arg).Scan(
		&b.ID, &slug, &b.Title, &subtitle, &description, &publisher,
		&publishedDate, &language, &pageCount, &isbn10, &isbn13,
		&averageRating, &ratingsCount, &listPrice, &currency,
		&viewability, &coverURL, &coverFallback, &coverSource,
		&coverWidth, &coverHeight, &b.Cover.HighRes, &coverStorageKey,
		&b.Cover.Final, &qualifiers, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, pgError(err)
	}

	b.Slug = slug.String
	b.Subtitle = subtitle.String
	b.Description = description.String
	b.Publisher = publisher.String
	b.Language = language.String
	b.PageCount = int(pageCount.Int32)
	b.ISBN10 = isbn10.String
	b.ISBN13 = isbn13.String
	b.AverageRating = averageRating.Float64
	b.RatingsCount = int(ratingsCount.Int32)
	b.ListPrice = listPrice.Float64
	b.Currency = currency.String
	b.Viewability = viewability.String
	b.Cover.URL = coverURL.String
	b.Cover.FallbackURL = coverFallback.String
	b.Cover.Source = Source(coverSource)
	b.Cover.Width = int(coverWidth.Int32)
	b.Cover.Height = int(coverHeight.Int32)
	b.Cover.StorageKey = coverStorageKey.String
	if publishedDate.Valid {
		b.PublishedDate = publishedDate.Time.Format(time.DateOnly)
	}
	if len(qualifiers) > 0 {
		_ = sonic.ConfigStd.Unmarshal(qualifiers, &b.Qualifiers)
	}

	rows, err := s.db.Query(ctx, `
		SELECT a.name FROM authors a
		JOIN book_authors_join j ON j.author_id = a.id
		WHERE j.book_id = $1
		ORDER BY j.position`, b.ID)
	if err != nil {
		return nil, err
	}
	b.Authors, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `
		SELECT c.name FROM book_collections c
		JOIN book_collections_join j ON j.collection_id = c.id
		WHERE j.book_id = $1 AND c.type = 'CATEGORY'
		ORDER BY c.name`, b.ID)
	if err != nil {
		return nil, err
	}
	b.Categories, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	var height, width, thickness pgtype.Float8
	err = s.db.QueryRow(ctx,
		`SELECT height_cm, width_cm, thickness_cm FROM book_dimensions WHERE book_id = $1`,
		b.ID).Scan(&height, &width, &thickness)
	if err == nil {
		b.Dimensions = &Dimensions{
			HeightCM:    height.Float64,
			WidthCM:     width.Float64,
			ThicknessCM: thickness.Float64,
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var src pgtype.Text
	var extID pgtype.Text
	err = s.db.QueryRow(ctx, `
		SELECT source, external_id FROM book_external_ids
		WHERE book_id = $1 ORDER BY updated_at DESC LIMIT 1`, b.ID).Scan(&src, &extID)
	if err == nil {
		b.Source = Source(src.String)
		b.ExternalID = extID.String
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	return b, nil
}

// --- search -----------------------------------------------------------------

// SearchBooks delegates ranking to the database's full-text function and
// hydrates the winners in relevance order.
func (s *Store) SearchBooks(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `SELECT book_id, rank FROM search_books($1, $2)`, query, limit)
	if err != nil {
		return nil, err
	}
	type hit struct {
		key  uuid.UUID
		rank float64
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (hit, error) {
		var h hit
		err := row.Scan(&h.key, &h.rank)
		return h, err
	})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		book, err := s.loadBook(ctx, `WHERE b.id = $1`, h.key)
		if err != nil {
			if isNotFound(err) {
				continue // Stale search view entry.
			}
			return nil, err
		}
		results = append(results, SearchResult{Book: book, Score: h.rank})
	}
	return results, nil
}

// SearchAuthors delegates entirely to the database function.
func (s *Store) SearchAuthors(ctx context.Context, query string, limit int) ([]AuthorResult, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `SELECT author_id, name, rank FROM search_authors($1, $2)`,
		normalizeAuthor(query), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (AuthorResult, error) {
		var a AuthorResult
		err := row.Scan(&a.ID, &a.Name, &a.Score)
		return a, err
	})
}

// RefreshSearchIndex rebuilds the full-text view. Invoked after batches of
// writes, debounced by the event consumer.
func (s *Store) RefreshSearchIndex(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	_, err := s.db.Exec(ctx, `SELECT refresh_book_search_view()`)
	return err
}

// --- view tracking & snapshots ----------------------------------------------

// TouchViewed bumps a book's last-viewed timestamp. Throttled to once an hour
// per book so read traffic doesn't turn into write traffic.
func (s *Store) TouchViewed(ctx context.Context, key uuid.UUID) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	_, err := s.db.Exec(ctx, `
		UPDATE books SET last_viewed_at = now()
		WHERE id = $1 AND (last_viewed_at IS NULL OR last_viewed_at < now() - interval '1 hour')`,
		key)
	if err != nil {
		Log(ctx).Debug("problem touching view time", "book", key, "err", err)
	}
}

// RecentlyViewed returns canonical keys in most-recently-viewed order, for
// cache warming.
func (s *Store) RecentlyViewed(ctx context.Context, limit int) ([]uuid.UUID, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT id FROM books
		WHERE last_viewed_at IS NOT NULL
		ORDER BY last_viewed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// SlugSnapshot returns every addressable book's slug with its last update
// time, newest first. Feeds the sitemap emitter.
func (s *Store) SlugSnapshot(ctx context.Context) ([]SlugEntry, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT slug, updated_at FROM books
		WHERE slug IS NOT NULL
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SlugEntry, error) {
		var e SlugEntry
		err := row.Scan(&e.Slug, &e.UpdatedAt)
		return e, err
	})
}

// --- covers -----------------------------------------------------------------

// UpdateCoverState persists a cover selection. Transitions are monotone: a
// final state replaces anything, a provisional state never overwrites a
// final one.
func (s *Store) UpdateCoverState(ctx context.Context, key uuid.UUID, cover CoverState) error {
	ctx, cancel := s.query(ctx)
	defer cancel()

	tag, err := s.db.Exec(ctx, `
		UPDATE books SET
			cover_url          = $2,
			cover_fallback_url = NULLIF($3, ''),
			cover_source       = $4,
			cover_width        = NULLIF($5, 0),
			cover_height       = NULLIF($6, 0),
			cover_high_res     = $7,
			cover_storage_key  = NULLIF($8, ''),
			cover_final        = $9,
			updated_at         = now()
		WHERE id = $1 AND (NOT cover_final OR $9)`,
		key, cover.URL, cover.FallbackURL, string(coverSourceOrDefault(cover.Source)),
		cover.Width, cover.Height, cover.HighRes, cover.StorageKey, cover.Final)
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return nil // Already final; provisional update dropped.
	}
	s.metrics.touch()
	return nil
}

// RecordCoverAttempts appends provenance rows for a cover refresh pass.
func (s *Store) RecordCoverAttempts(ctx context.Context, key uuid.UUID, attempts []coverAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	ctx, cancel := s.query(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, a := range attempts {
		batch.Queue(`
			INSERT INTO book_cover_provenance (id, book_id, source, url, status, width, height, reason)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, 0), NULLIF($7, 0), NULLIF($8, ''))`,
			newRowID(), key, string(a.Source), a.URL, string(a.Status), a.Width, a.Height, a.Reason)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

// --- recommendations --------------------------------------------------------

// ReplaceRecommendations swaps out the stored recommendations for a source
// book. Delete-then-upsert keeps the operation idempotent.
func (s *Store) ReplaceRecommendations(ctx context.Context, source uuid.UUID, recs []Recommendation) error {
	ctx, cancel := s.query(ctx)
	defer cancel()

	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM book_recommendations WHERE source_book_id = $1`, source); err != nil {
			return err
		}
		for _, r := range recs {
			_, err := tx.Exec(ctx, `
				INSERT INTO book_recommendations (source_book_id, target_book_id, score, reasons, algo_version)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (source_book_id, target_book_id) DO UPDATE SET
					score        = EXCLUDED.score,
					reasons      = EXCLUDED.reasons,
					algo_version = EXCLUDED.algo_version,
					updated_at   = now()`,
				source, r.TargetID, r.Score, r.Reasons, r.AlgoVersion)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return pgError(err)
	}
	s.metrics.touch()
	return nil
}

// FetchRecommendations returns stored recommendations for a book, best first.
func (s *Store) FetchRecommendations(ctx context.Context, source uuid.UUID) ([]Recommendation, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT source_book_id, target_book_id, score, reasons, algo_version
		FROM book_recommendations
		WHERE source_book_id = $1
		ORDER BY score DESC`, source)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Recommendation, error) {
		var r Recommendation
		err := row.Scan(&r.SourceID, &r.TargetID, &r.Score, &r.Reasons, &r.AlgoVersion)
		return r, err
	})
}

// SharedAuthorBooks returns keys of other books sharing any author with the
// source book.
func (s *Store) SharedAuthorBooks(ctx context.Context, source uuid.UUID) ([]uuid.UUID, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT other.book_id
		FROM book_authors_join mine
		JOIN book_authors_join other ON other.author_id = mine.author_id
		WHERE mine.book_id = $1 AND other.book_id <> $1`, source)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// categoryOverlap is one candidate's category intersection with the source.
type categoryOverlap struct {
	Key    uuid.UUID
	Shared int
	Total  int
}

// CategoryOverlaps returns, for each book sharing at least one CATEGORY
// collection with the source, the size of the shared set and the candidate's
// own category count.
func (s *Store) CategoryOverlaps(ctx context.Context, source uuid.UUID) ([]categoryOverlap, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		WITH mine AS (
			SELECT j.collection_id
			FROM book_collections_join j
			JOIN book_collections c ON c.id = j.collection_id
			WHERE j.book_id = $1 AND c.type = 'CATEGORY'
		)
		SELECT other.book_id,
			count(*) FILTER (WHERE other.collection_id IN (SELECT collection_id FROM mine)) AS shared,
			count(*) AS total
		FROM book_collections_join other
		JOIN book_collections c ON c.id = other.collection_id
		WHERE other.book_id <> $1 AND c.type = 'CATEGORY'
		GROUP BY other.book_id
		HAVING count(*) FILTER (WHERE other.collection_id IN (SELECT collection_id FROM mine)) > 0`,
		source)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (categoryOverlap, error) {
		var o categoryOverlap
		err := row.Scan(&o.Key, &o.Shared, &o.Total)
		return o, err
	})
}

// BestsellerLists returns every stored chart with its members in rank order.
func (s *Store) BestsellerLists(ctx context.Context) ([]BestsellerList, error) {
	ctx, cancel := s.query(ctx)
	defer cancel()

	rows, err := s.db.Query(ctx, `
		SELECT c.id, c.source, c.name, COALESCE(c.list_code, ''),
			b.id, COALESCE(b.slug, ''), b.title,
			COALESCE(j.rank, 0), COALESCE(j.weeks_on_list, 0)
		FROM book_collections c
		JOIN book_collections_join j ON j.collection_id = c.id
		JOIN books b ON b.id = j.book_id
		WHERE c.type = 'BESTSELLER_LIST'
		ORDER BY c.name, j.rank NULLS LAST, b.title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out     []BestsellerList
		current *BestsellerList
	)
	for rows.Next() {
		var (
			collectionID int64
			src          string
			slot         BestsellerSlot
			name, code   string
		)
		err := rows.Scan(&collectionID, &src, &name, &code,
			&slot.Key, &slot.Slug, &slot.Title, &slot.Rank, &slot.WeeksOnList)
		if err != nil {
			return nil, err
		}
		if current == nil || current.Collection.ID != collectionID {
			out = append(out, BestsellerList{Collection: Collection{
				ID:       collectionID,
				Type:     CollectionBestseller,
				Source:   Source(src),
				Name:     name,
				ListCode: code,
			}})
			current = &out[len(out)-1]
		}
		current.Entries = append(current.Entries, slot)
	}
	return out, rows.Err()
}

// --- admin ------------------------------------------------------------------

// Delete removes a book and everything it owns. Administrative use only.
func (s *Store) Delete(ctx context.Context, key uuid.UUID) error {
	ctx, cancel := s.query(ctx)
	defer cancel()

	tag, err := s.db.Exec(ctx, `DELETE FROM books WHERE id = $1`, key)
	if err != nil {
		return pgError(err)
	}
	if tag.RowsAffected() == 0 {
		return errNotFound
	}
	s.metrics.touch()
	return nil
}

func marshalQualifiers(q map[string]Qualifier) ([]byte, error) {
	if len(q) == 0 {
		return []byte(`{}`), nil
	}
	out, err := sonic.ConfigStd.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshaling qualifiers: %w", err)
	}
	return out, nil
}
