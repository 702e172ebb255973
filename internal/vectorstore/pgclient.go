package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/connexus-ai/retrieval-engine/internal/engineerr"
	"github.com/connexus-ai/retrieval-engine/internal/model"
)

// PGClient implements Store over Postgres with the pgvector extension.
type PGClient struct {
	pool *pgxpool.Pool
}

// NewPGClient wraps an already-connected pool.
func NewPGClient(pool *pgxpool.Pool) *PGClient {
	return &PGClient{pool: pool}
}

var _ Store = (*PGClient)(nil)

// Upsert stores records with their embedding vectors using pgx batching,
// the same pattern as the teacher's ChunkRepo.BulkInsert.
func (c *PGClient) Upsert(ctx context.Context, records []model.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		embedding := pgvector.NewVector(r.Vector)
		batch.Queue(`
			INSERT INTO chunks (chunk_id, doc_id, doc_title, chunk_index, page_num, content, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (chunk_id) DO UPDATE SET
				doc_id = EXCLUDED.doc_id,
				doc_title = EXCLUDED.doc_title,
				chunk_index = EXCLUDED.chunk_index,
				page_num = EXCLUDED.page_num,
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding`,
			r.ChunkID, r.Payload.DocID, r.Payload.DocTitle, r.Payload.ChunkIndex,
			r.Payload.PageNum, r.Payload.Text, embedding,
		)
	}

	br := c.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range records {
		if _, err := br.Exec(); err != nil {
			return engineerr.Wrap(engineerr.UpstreamUnavailable, "vectorstore.Upsert",
				fmt.Sprintf("record %d", i), err)
		}
	}
	return nil
}

// Query finds the topK chunks most similar to queryVec by cosine distance,
// optionally restricted to docIDs via a Postgres array filter (spec.md §4.3).
func (c *PGClient) Query(ctx context.Context, queryVec []float32, topK int, docIDs []string) ([]SearchResult, error) {
	embedding := pgvector.NewVector(queryVec)

	query := `
		SELECT chunk_id, doc_id, doc_title, chunk_index, page_num, content,
			1 - (embedding <=> $1::vector) AS similarity
		FROM chunks`

	args := []any{embedding}
	if len(docIDs) > 0 {
		query += ` WHERE doc_id = ANY($2)`
		args = append(args, pq.Array(docIDs))
		query += ` ORDER BY embedding <=> $1::vector LIMIT $3`
		args = append(args, topK)
	} else {
		query += ` ORDER BY embedding <=> $1::vector LIMIT $2`
		args = append(args, topK)
	}

	slog.Debug("[DEBUG-VECTORSTORE] query", "top_k", topK, "doc_ids", docIDs)

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.UpstreamUnavailable, "vectorstore.Query", "similarity search", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var pageNum *int
		if err := rows.Scan(&r.ChunkID, &r.Payload.DocID, &r.Payload.DocTitle,
			&r.Payload.ChunkIndex, &pageNum, &r.Payload.Text, &r.Similarity); err != nil {
			return nil, engineerr.Wrap(engineerr.UpstreamUnavailable, "vectorstore.Query", "scan row", err)
		}
		r.Payload.PageNum = pageNum
		r.Payload.ChunkID = r.ChunkID
		out = append(out, r)
	}
	return out, nil
}

// Scroll returns every chunk currently stored, for BM25 rebuilds. Ordered by
// (chunk_index, chunk_id): chunk_index alone repeats across documents (each
// document's chunks are zero-indexed), so chunk_id breaks ties and makes
// scroll order — and therefore BM25's tie-break-by-insertion-order — stable
// across rebuilds.
func (c *PGClient) Scroll(ctx context.Context) ([]model.Chunk, error) {
	rows, err := c.pool.Query(ctx, `SELECT chunk_id, doc_id, doc_title, chunk_index, page_num, content FROM chunks ORDER BY chunk_index, chunk_id`)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.UpstreamUnavailable, "vectorstore.Scroll", "query", err)
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var ch model.Chunk
		var pageNum *int
		if err := rows.Scan(&ch.ChunkID, &ch.DocID, &ch.DocTitle, &ch.ChunkIndex, &pageNum, &ch.Text); err != nil {
			return nil, engineerr.Wrap(engineerr.UpstreamUnavailable, "vectorstore.Scroll", "scan row", err)
		}
		ch.PageNum = pageNum
		out = append(out, ch)
	}
	return out, nil
}

// DeleteWhere removes every chunk for docID and reports how many were removed.
func (c *PGClient) DeleteWhere(ctx context.Context, docID string) (int, error) {
	tag, err := c.pool.Exec(ctx, `DELETE FROM chunks WHERE doc_id = $1`, docID)
	if err != nil {
		return 0, engineerr.Wrap(engineerr.UpstreamUnavailable, "vectorstore.DeleteWhere", docID, err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping verifies the pool can reach Postgres.
func (c *PGClient) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return engineerr.Wrap(engineerr.UpstreamUnavailable, "vectorstore.Ping", "unreachable", err)
	}
	return nil
}
