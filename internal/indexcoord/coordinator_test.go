package indexcoord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/retrieval-engine/internal/bm25"
	"github.com/connexus-ai/retrieval-engine/internal/cache"
	"github.com/connexus-ai/retrieval-engine/internal/engineerr"
	"github.com/connexus-ai/retrieval-engine/internal/model"
	"github.com/connexus-ai/retrieval-engine/internal/vectorstore"
)

func mkRecord(docID, text string) model.VectorRecord {
	id := uuid.New()
	return model.VectorRecord{
		ChunkID: id,
		Vector:  []float32{1, 0, 0},
		Payload: model.Chunk{ChunkID: id, DocID: docID, Text: text},
	}
}

func TestAdd_RebuildsBM25FromScroll(t *testing.T) {
	store := vectorstore.NewMemStore()
	coord := New(store, bm25.New())
	ctx := context.Background()

	if err := coord.Add(ctx, []model.VectorRecord{mkRecord("doc1", "machine learning models")}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	results := coord.SearchBM25("machine learning", 10, nil)
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
}

func TestDelete_RebuildsBM25FromScroll(t *testing.T) {
	store := vectorstore.NewMemStore()
	coord := New(store, bm25.New())
	ctx := context.Background()

	coord.Add(ctx, []model.VectorRecord{mkRecord("doc1", "machine learning models")})

	n, err := coord.Delete(ctx, "doc1")
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted count = %d, want 1", n)
	}

	results := coord.SearchBM25("machine learning", 10, nil)
	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0 after delete", len(results))
	}
}

func TestDelete_Idempotent(t *testing.T) {
	store := vectorstore.NewMemStore()
	coord := New(store, bm25.New())
	ctx := context.Background()

	n, err := coord.Delete(ctx, "never-existed")
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted count = %d, want 0", n)
	}
}

func TestSnapshotRestore_RoundTrips(t *testing.T) {
	store := vectorstore.NewMemStore()
	coord := New(store, bm25.New())
	ctx := context.Background()

	coord.Add(ctx, []model.VectorRecord{mkRecord("doc1", "quick brown fox")})

	data, err := coord.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	restoredCoord := New(vectorstore.NewMemStore(), bm25.New())
	if err := restoredCoord.Restore(data); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	results := restoredCoord.SearchBM25("quick fox", 10, nil)
	if len(results) != 1 {
		t.Errorf("len(results) = %d, want 1 after restore", len(results))
	}
}

func TestRestore_CorruptSnapshotReturnsIndexCorrupt(t *testing.T) {
	coord := New(vectorstore.NewMemStore(), bm25.New())
	err := coord.Restore([]byte("garbage"))
	if err == nil {
		t.Fatal("Restore() with garbage should return an error")
	}
	if !engineerr.Is(err, engineerr.IndexCorrupt) {
		t.Errorf("Restore() error = %v, want kind IndexCorrupt", err)
	}
}

func TestAdd_InvalidatesCacheForCorpus(t *testing.T) {
	store := vectorstore.NewMemStore()
	qc := cache.New(time.Minute)
	defer qc.Stop()
	coord := New(store, bm25.New()).WithCache("corpusA", qc, nil)
	ctx := context.Background()

	qc.Set(cache.Request{Corpus: "corpusA", Query: "q", TopK: 5}, &model.AnswerEnvelope{RetrievedCount: 1})
	qc.Set(cache.Request{Corpus: "corpusB", Query: "q", TopK: 5}, &model.AnswerEnvelope{RetrievedCount: 1})

	if err := coord.Add(ctx, []model.VectorRecord{mkRecord("doc1", "machine learning models")}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	if _, ok := qc.Get(cache.Request{Corpus: "corpusA", Query: "q", TopK: 5}); ok {
		t.Error("corpusA cache entry should have been invalidated by Add")
	}
	if _, ok := qc.Get(cache.Request{Corpus: "corpusB", Query: "q", TopK: 5}); !ok {
		t.Error("corpusB cache entry should be unaffected by corpusA's Add")
	}
}

func TestDelete_InvalidatesCacheForCorpus(t *testing.T) {
	store := vectorstore.NewMemStore()
	qc := cache.New(time.Minute)
	defer qc.Stop()
	coord := New(store, bm25.New()).WithCache("corpusA", qc, nil)
	ctx := context.Background()

	coord.Add(ctx, []model.VectorRecord{mkRecord("doc1", "machine learning models")})
	qc.Set(cache.Request{Corpus: "corpusA", Query: "q", TopK: 5}, &model.AnswerEnvelope{RetrievedCount: 1})

	if _, err := coord.Delete(ctx, "doc1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	if _, ok := qc.Get(cache.Request{Corpus: "corpusA", Query: "q", TopK: 5}); ok {
		t.Error("cache entry should have been invalidated by Delete")
	}
}

func TestConcurrentAddsAreSerialized(t *testing.T) {
	store := vectorstore.NewMemStore()
	coord := New(store, bm25.New())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			coord.Add(ctx, []model.VectorRecord{mkRecord("doc", "concurrent write test")})
		}(i)
	}
	wg.Wait()

	chunks, err := store.Scroll(ctx)
	if err != nil {
		t.Fatalf("Scroll() error: %v", err)
	}
	if len(chunks) != 10 {
		t.Errorf("len(chunks) = %d, want 10 (no lost writes)", len(chunks))
	}
}
