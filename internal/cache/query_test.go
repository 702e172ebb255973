package cache

import (
	"testing"
	"time"

	"github.com/connexus-ai/retrieval-engine/internal/model"
)

func TestQueryCache_SetThenGetHits(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	req := Request{Corpus: "corpus1", Query: "what is go", TopK: 5}
	env := &model.AnswerEnvelope{RetrievedCount: 1}

	c.Set(req, env)

	got, ok := c.Get(req)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.RetrievedCount != 1 {
		t.Errorf("RetrievedCount = %d, want 1", got.RetrievedCount)
	}
}

func TestQueryCache_MissForDifferentParams(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Set(Request{Corpus: "corpus1", Query: "what is go", TopK: 5}, &model.AnswerEnvelope{})

	_, ok := c.Get(Request{Corpus: "corpus1", Query: "what is go", TopK: 10})
	if ok {
		t.Error("expected miss for a different top_k")
	}
}

func TestQueryCache_ExpiresAfterTTL(t *testing.T) {
	c := New(time.Millisecond)
	defer c.Stop()

	req := Request{Corpus: "corpus1", Query: "q", TopK: 5}
	c.Set(req, &model.AnswerEnvelope{})
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get(req)
	if ok {
		t.Error("expected expired entry to miss")
	}
}

func TestQueryCache_InvalidateCorpusRemovesOnlyThatCorpus(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Set(Request{Corpus: "corpus1", Query: "q", TopK: 5}, &model.AnswerEnvelope{})
	c.Set(Request{Corpus: "corpus2", Query: "q", TopK: 5}, &model.AnswerEnvelope{})

	c.InvalidateCorpus("corpus1")

	if _, ok := c.Get(Request{Corpus: "corpus1", Query: "q", TopK: 5}); ok {
		t.Error("corpus1 entry should have been invalidated")
	}
	if _, ok := c.Get(Request{Corpus: "corpus2", Query: "q", TopK: 5}); !ok {
		t.Error("corpus2 entry should remain")
	}
}

func TestQueryCache_DocIDOrderDoesNotAffectKey(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	env := &model.AnswerEnvelope{RetrievedCount: 7}
	c.Set(Request{Corpus: "corpus1", Query: "q", TopK: 5, DocIDs: []string{"b", "a"}}, env)

	got, ok := c.Get(Request{Corpus: "corpus1", Query: "q", TopK: 5, DocIDs: []string{"a", "b"}})
	if !ok {
		t.Fatal("expected hit regardless of doc_ids ordering")
	}
	if got.RetrievedCount != 7 {
		t.Errorf("RetrievedCount = %d, want 7", got.RetrievedCount)
	}
}
