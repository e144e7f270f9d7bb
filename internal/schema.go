package internal

// _schema is applied at startup. Every statement is idempotent so repeated
// boots against the same database are safe.
const _schema = `
CREATE TABLE IF NOT EXISTS books (
	id               UUID PRIMARY KEY,
	slug             TEXT,
	title            TEXT NOT NULL,
	subtitle         TEXT,
	description      TEXT,
	publisher        TEXT,
	published_date   DATE,
	language         TEXT,
	page_count       INT,
	isbn10           TEXT,
	isbn13           TEXT,
	average_rating   DOUBLE PRECISION,
	ratings_count    INT,
	list_price       DOUBLE PRECISION,
	currency         TEXT,
	viewability      TEXT,
	cover_url          TEXT,
	cover_fallback_url TEXT,
	cover_source       TEXT NOT NULL DEFAULT 'UNDEFINED',
	cover_width        INT,
	cover_height       INT,
	cover_high_res     BOOLEAN NOT NULL DEFAULT FALSE,
	cover_storage_key  TEXT,
	cover_final        BOOLEAN NOT NULL DEFAULT FALSE,
	qualifiers       JSONB,
	last_viewed_at   TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS books_slug_uq   ON books (slug)   WHERE slug   IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS books_isbn13_uq ON books (isbn13) WHERE isbn13 IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS books_isbn10_uq ON books (isbn10) WHERE isbn10 IS NOT NULL;
CREATE INDEX IF NOT EXISTS books_last_viewed_idx  ON books (last_viewed_at DESC NULLS LAST);

CREATE TABLE IF NOT EXISTS book_external_ids (
	id             TEXT PRIMARY KEY,
	book_id        UUID NOT NULL REFERENCES books (id) ON DELETE CASCADE,
	source         TEXT NOT NULL,
	external_id    TEXT NOT NULL,
	isbn10         TEXT,
	isbn13         TEXT,
	average_rating DOUBLE PRECISION,
	ratings_count  INT,
	list_price     DOUBLE PRECISION,
	currency       TEXT,
	viewability    TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source, external_id)
);

CREATE INDEX IF NOT EXISTS book_external_ids_book_idx   ON book_external_ids (book_id);
CREATE INDEX IF NOT EXISTS book_external_ids_isbn13_idx ON book_external_ids (isbn13) WHERE isbn13 IS NOT NULL;
CREATE INDEX IF NOT EXISTS book_external_ids_isbn10_idx ON book_external_ids (isbn10) WHERE isbn10 IS NOT NULL;

CREATE TABLE IF NOT EXISTS book_raw_data (
	id             TEXT PRIMARY KEY,
	book_id        UUID NOT NULL REFERENCES books (id) ON DELETE CASCADE,
	source         TEXT NOT NULL,
	payload        TEXT NOT NULL,
	fetched_at     TIMESTAMPTZ NOT NULL,
	contributed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (book_id, source)
);

CREATE TABLE IF NOT EXISTS book_image_links (
	id          TEXT PRIMARY KEY,
	book_id     UUID NOT NULL REFERENCES books (id) ON DELETE CASCADE,
	image_type  TEXT NOT NULL,
	url         TEXT NOT NULL,
	source      TEXT NOT NULL,
	width       INT,
	height      INT,
	high_res    BOOLEAN NOT NULL DEFAULT FALSE,
	storage_key TEXT,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (book_id, image_type)
);

CREATE TABLE IF NOT EXISTS book_dimensions (
	book_id      UUID PRIMARY KEY REFERENCES books (id) ON DELETE CASCADE,
	height_cm    DOUBLE PRECISION,
	width_cm     DOUBLE PRECISION,
	thickness_cm DOUBLE PRECISION
);

CREATE TABLE IF NOT EXISTS authors (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	name            TEXT NOT NULL UNIQUE,
	normalized_name TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS authors_normalized_idx ON authors (normalized_name);

CREATE TABLE IF NOT EXISTS book_authors_join (
	book_id   UUID   NOT NULL REFERENCES books (id) ON DELETE CASCADE,
	author_id BIGINT NOT NULL REFERENCES authors (id),
	position  INT    NOT NULL,
	PRIMARY KEY (book_id, author_id)
);

CREATE TABLE IF NOT EXISTS book_collections (
	id              BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	type            TEXT NOT NULL,
	source          TEXT NOT NULL,
	name            TEXT NOT NULL,
	normalized_name TEXT NOT NULL,
	list_code       TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS book_collections_category_uq
	ON book_collections (type, source, normalized_name) WHERE type = 'CATEGORY';
CREATE UNIQUE INDEX IF NOT EXISTS book_collections_list_uq
	ON book_collections (type, source, list_code) WHERE type = 'BESTSELLER_LIST';

CREATE TABLE IF NOT EXISTS book_collections_join (
	collection_id BIGINT NOT NULL REFERENCES book_collections (id),
	book_id       UUID   NOT NULL REFERENCES books (id) ON DELETE CASCADE,
	rank          INT,
	weeks_on_list INT,
	PRIMARY KEY (collection_id, book_id)
);

CREATE TABLE IF NOT EXISTS book_recommendations (
	source_book_id UUID NOT NULL REFERENCES books (id) ON DELETE CASCADE,
	target_book_id UUID NOT NULL REFERENCES books (id) ON DELETE CASCADE,
	score          DOUBLE PRECISION NOT NULL,
	reasons        TEXT[] NOT NULL DEFAULT '{}',
	algo_version   INT NOT NULL DEFAULT 1,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (source_book_id, target_book_id)
);

CREATE TABLE IF NOT EXISTS book_cover_provenance (
	id         TEXT PRIMARY KEY,
	book_id    UUID NOT NULL REFERENCES books (id) ON DELETE CASCADE,
	source     TEXT NOT NULL,
	url        TEXT,
	status     TEXT NOT NULL,
	width      INT,
	height     INT,
	reason     TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS book_cover_provenance_book_idx ON book_cover_provenance (book_id);

-- book_search denormalizes the searchable text per book. Refreshed out of
-- band; queries never compute tsvectors at request time.
CREATE MATERIALIZED VIEW IF NOT EXISTS book_search AS
SELECT
	b.id AS book_id,
	setweight(to_tsvector('english', coalesce(b.title, '')), 'A') ||
	setweight(to_tsvector('english', coalesce(b.subtitle, '')), 'B') ||
	setweight(to_tsvector('english', coalesce(string_agg(a.name, ' '), '')), 'B') ||
	setweight(to_tsvector('english', coalesce(b.description, '')), 'D') AS search_text
FROM books b
LEFT JOIN book_authors_join j ON j.book_id = b.id
LEFT JOIN authors a ON a.id = j.author_id
GROUP BY b.id;

CREATE UNIQUE INDEX IF NOT EXISTS book_search_book_uq ON book_search (book_id);
CREATE INDEX IF NOT EXISTS book_search_text_idx ON book_search USING gin (search_text);

CREATE OR REPLACE FUNCTION refresh_book_search_view() RETURNS void AS $$
BEGIN
	REFRESH MATERIALIZED VIEW CONCURRENTLY book_search;
END;
$$ LANGUAGE plpgsql;

-- ensure_unique_slug appends a counter until the base slug is free.
CREATE OR REPLACE FUNCTION ensure_unique_slug(base TEXT) RETURNS TEXT AS $$
DECLARE
	candidate TEXT := base;
	n INT := 1;
BEGIN
	WHILE EXISTS (SELECT 1 FROM books WHERE slug = candidate) LOOP
		n := n + 1;
		candidate := base || '-' || n;
	END LOOP;
	RETURN candidate;
END;
$$ LANGUAGE plpgsql;

CREATE OR REPLACE FUNCTION search_books(q TEXT, max INT)
RETURNS TABLE (book_id UUID, rank REAL) AS $$
	SELECT s.book_id, ts_rank(s.search_text, websearch_to_tsquery('english', q)) AS rank
	FROM book_search s
	WHERE s.search_text @@ websearch_to_tsquery('english', q)
	ORDER BY rank DESC
	LIMIT max;
$$ LANGUAGE sql STABLE;

CREATE OR REPLACE FUNCTION search_authors(q TEXT, max INT)
RETURNS TABLE (author_id BIGINT, name TEXT, rank REAL) AS $$
	SELECT a.id, a.name,
		CASE WHEN a.normalized_name = lower(q) THEN 1.0 ELSE 0.5 END::REAL AS rank
	FROM authors a
	WHERE a.normalized_name LIKE '%' || lower(q) || '%'
	ORDER BY rank DESC, a.name
	LIMIT max;
$$ LANGUAGE sql STABLE;
`
