package knowledge_test

import (
	"context"
	"testing"

	"github.com/firebase/genkit/go/genkit"

	"github.com/quill0/quill/internal/knowledge"
	"github.com/quill0/quill/internal/log"
	"github.com/quill0/quill/internal/testutil"
)

const testDim = 768

// unitVector returns a 768-dim unit vector with a 1 at the given axis.
// Distinct axes are orthogonal, so cosine similarity between them is 0.
func unitVector(axis int) []float32 {
	vec := make([]float32, testDim)
	vec[axis] = 1
	return vec
}

func setupStore(t *testing.T) (*knowledge.Store, *testutil.MockEmbedder) {
	t.Helper()

	tdb := testutil.SetupTestDB(t)

	g := genkit.Init(context.Background())
	mock := testutil.NewMockEmbedder(testDim)
	embedder := mock.Register(g)

	return knowledge.New(tdb.Pool, embedder, log.NewNop()), mock
}

func TestStoreAddAndCount(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("empty corpus count = %d, want 0", count)
	}

	docs := []knowledge.Document{
		{ID: "a", Content: "alpha document", Metadata: map[string]string{"source": "a.md"}},
		{ID: "b", Content: "beta document"},
	}
	for _, d := range docs {
		if err := store.Add(ctx, d); err != nil {
			t.Fatalf("Add(%s): %v", d.ID, err)
		}
	}

	count, err = store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	// Upsert: same ID must replace, not duplicate.
	if err := store.Add(ctx, knowledge.Document{ID: "a", Content: "alpha revised"}); err != nil {
		t.Fatalf("Add upsert: %v", err)
	}
	count, err = store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("count after upsert = %d, want 2", count)
	}
}

func TestStoreSearchRanking(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store, mock := setupStore(t)
	ctx := context.Background()

	// Control similarity exactly: the query vector matches "close" fully,
	// "near" partially, "far" not at all.
	query := "what is the revenue"
	qv := unitVector(0)
	mock.SetVector(query, qv)
	mock.SetVector("close", unitVector(0))

	near := make([]float32, testDim)
	near[0] = 0.6
	near[1] = 0.8
	mock.SetVector("near", near)
	mock.SetVector("far", unitVector(2))

	for _, content := range []string{"far", "near", "close"} {
		if err := store.Add(ctx, knowledge.Document{ID: content, Content: content}); err != nil {
			t.Fatalf("Add(%s): %v", content, err)
		}
	}

	results, err := store.Search(ctx, query, knowledge.WithTopK(3))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	wantOrder := []string{"close", "near", "far"}
	for i, want := range wantOrder {
		if results[i].Document.ID != want {
			t.Errorf("result %d = %q, want %q", i, results[i].Document.ID, want)
		}
	}
	if results[0].Similarity < 0.99 {
		t.Errorf("exact match similarity = %f, want ~1", results[0].Similarity)
	}
	if results[1].Similarity < 0.55 || results[1].Similarity > 0.65 {
		t.Errorf("partial match similarity = %f, want ~0.6", results[1].Similarity)
	}
}

func TestStoreSearchTopKLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"one", "two", "three", "four", "five"} {
		if err := store.Add(ctx, knowledge.Document{ID: id, Content: id + " content"}); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	results, err := store.Search(ctx, "anything", knowledge.WithTopK(2))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}

func TestStoreSearchEmptyCorpus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store, _ := setupStore(t)

	results, err := store.Search(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Search on empty corpus: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from empty corpus, want 0", len(results))
	}
}

func TestStoreSearchTieBreakIngestionOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store, mock := setupStore(t)
	ctx := context.Background()

	// Identical vectors: ranking must fall back to ingestion order.
	same := unitVector(5)
	mock.SetVector("first", same)
	mock.SetVector("second", same)
	mock.SetVector("third", same)
	mock.SetVector("query", same)

	for _, id := range []string{"first", "second", "third"} {
		if err := store.Add(ctx, knowledge.Document{ID: id, Content: id}); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	for run := 0; run < 3; run++ {
		results, err := store.Search(ctx, "query", knowledge.WithTopK(3))
		if err != nil {
			t.Fatalf("Search run %d: %v", run, err)
		}
		got := make([]string, len(results))
		for i, r := range results {
			got[i] = r.Document.ID
		}
		want := []string{"first", "second", "third"}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("run %d order = %v, want %v", run, got, want)
			}
		}
	}
}

func TestStoreIngest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	text := "First paragraph about quarterly revenue growth.\n\nSecond paragraph about operating margins."
	n, err := store.Ingest(ctx, "report.md", text, map[string]string{"quarter": "Q3"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n < 1 {
		t.Fatalf("ingested %d chunks, want at least 1", n)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != n {
		t.Errorf("count = %d, want %d", count, n)
	}

	results, err := store.Search(ctx, "revenue", knowledge.WithTopK(1))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Document.Metadata["source"] != "report.md" {
		t.Errorf("source metadata = %q, want report.md", results[0].Document.Metadata["source"])
	}
	if results[0].Document.Metadata["quarter"] != "Q3" {
		t.Errorf("quarter metadata = %q, want Q3", results[0].Document.Metadata["quarter"])
	}

	// Re-ingesting the same source must replace, not append.
	n2, err := store.Ingest(ctx, "report.md", text, nil)
	if err != nil {
		t.Fatalf("re-Ingest: %v", err)
	}
	count, err = store.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != n2 {
		t.Errorf("count after re-ingest = %d, want %d", count, n2)
	}
}
