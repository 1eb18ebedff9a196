package search

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"folio/api/internal/store"
)

type fakeSearcher struct {
	healthy  bool
	searchFn func(context.Context, Query) ([]Result, int, error)
	calls    int
}

func (f *fakeSearcher) Search(ctx context.Context, q Query) ([]Result, int, error) {
	f.calls++
	return f.searchFn(ctx, q)
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

type fakeIndex struct {
	fakeSearcher
	mu      sync.Mutex
	indexed []MessageRecord
	deleted []string
	done    chan struct{}
}

func (f *fakeIndex) IndexMessage(r MessageRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, r)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeIndex) IndexMessages(records []MessageRecord) error {
	f.mu.Lock()
	f.indexed = append(f.indexed, records...)
	f.mu.Unlock()
	return nil
}

func (f *fakeIndex) DeleteMessage(id string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func results(ids ...string) func(context.Context, Query) ([]Result, int, error) {
	return func(context.Context, Query) ([]Result, int, error) {
		out := make([]Result, 0, len(ids))
		for _, id := range ids {
			out = append(out, Result{ID: id})
		}
		return out, len(out), nil
	}
}

func TestSearchPrefersHealthyMeili(t *testing.T) {
	primary := &fakeIndex{fakeSearcher: fakeSearcher{healthy: true, searchFn: results("meili")}}
	fallback := &fakeSearcher{healthy: true, searchFn: results("pg")}
	svc := &Service{meili: primary, pgfts: fallback, logger: zapNop()}

	resp := svc.Search(context.Background(), Query{Text: "hello"})
	if len(resp.Results) != 1 || resp.Results[0].ID != "meili" || fallback.calls != 0 {
		t.Fatalf("unexpected response %+v (fallback calls %d)", resp, fallback.calls)
	}
	if resp.Query != "hello" {
		t.Fatalf("Query = %q", resp.Query)
	}
}

func TestSearchFallsBack(t *testing.T) {
	tests := []struct {
		name    string
		primary *fakeIndex
	}{
		{name: "no meili", primary: nil},
		{name: "unhealthy meili", primary: &fakeIndex{fakeSearcher: fakeSearcher{healthy: false, searchFn: results("meili")}}},
		{name: "meili error", primary: &fakeIndex{fakeSearcher: fakeSearcher{healthy: true, searchFn: func(context.Context, Query) ([]Result, int, error) {
			return nil, 0, errors.New("timeout")
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &Service{pgfts: &fakeSearcher{healthy: true, searchFn: results("pg")}, logger: zapNop()}
			if tt.primary != nil {
				svc.meili = tt.primary
			}
			resp := svc.Search(context.Background(), Query{Text: "hello"})
			if len(resp.Results) != 1 || resp.Results[0].ID != "pg" {
				t.Fatalf("expected pg results, got %+v", resp)
			}
		})
	}
}

func TestSearchFallbackErrorReturnsEmpty(t *testing.T) {
	svc := &Service{pgfts: &fakeSearcher{searchFn: func(context.Context, Query) ([]Result, int, error) {
		return nil, 0, errors.New("db down")
	}}, logger: zapNop()}

	resp := svc.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", resp)
	}
}

func TestIndexHooks(t *testing.T) {
	primary := &fakeIndex{fakeSearcher: fakeSearcher{healthy: true}, done: make(chan struct{}, 2)}
	svc := &Service{meili: primary, logger: zapNop()}

	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.IndexMessage(store.Message{ID: "m1", Text: "hello", AuthorDisplayName: "Ada", CreatedAt: &created})
	svc.RemoveMessage("m1")

	for i := 0; i < 2; i++ {
		select {
		case <-primary.done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for index call")
		}
	}

	primary.mu.Lock()
	defer primary.mu.Unlock()
	if len(primary.indexed) != 1 || primary.indexed[0].AuthorName != "Ada" || primary.indexed[0].CreatedAt != created.Unix() {
		t.Fatalf("indexed = %+v", primary.indexed)
	}
	if len(primary.deleted) != 1 || primary.deleted[0] != "m1" {
		t.Fatalf("deleted = %+v", primary.deleted)
	}
}

func TestIndexHooksSkipUnhealthyMeili(t *testing.T) {
	primary := &fakeIndex{fakeSearcher: fakeSearcher{healthy: false}}
	svc := &Service{meili: primary, logger: zapNop()}

	svc.IndexMessage(store.Message{ID: "m1"})
	svc.RemoveMessage("m1")
	time.Sleep(50 * time.Millisecond)

	primary.mu.Lock()
	defer primary.mu.Unlock()
	if len(primary.indexed) != 0 || len(primary.deleted) != 0 {
		t.Fatalf("unhealthy index should not be written: %+v %+v", primary.indexed, primary.deleted)
	}
}

func TestReindexAll(t *testing.T) {
	primary := &fakeIndex{fakeSearcher: fakeSearcher{healthy: true}}
	svc := &Service{
		meili:  primary,
		logger: zapNop(),
		loader: func(context.Context) ([]MessageRecord, error) {
			return []MessageRecord{{ID: "a"}, {ID: "b"}}, nil
		},
	}
	svc.ReindexAllFromPG(context.Background())
	if len(primary.indexed) != 2 {
		t.Fatalf("indexed = %+v", primary.indexed)
	}
}

type fakeSource struct {
	hits     []store.SearchHit
	messages []store.Message
}

func (f fakeSource) SearchMessages(context.Context, string, int) ([]store.SearchHit, error) {
	return f.hits, nil
}

func (f fakeSource) LatestMessages(context.Context, int) ([]store.Message, error) {
	return f.messages, nil
}

func TestPgFTS(t *testing.T) {
	pg := NewPgFTS(fakeSource{
		hits:     []store.SearchHit{{ID: "m1", Snippet: "<b>hello</b>", AuthorDisplayName: "Ada"}},
		messages: []store.Message{{ID: "m1", Text: "hello", IsAdminAuthored: true}},
	})

	if got, total, err := pg.Search(context.Background(), Query{Text: "  "}); err != nil || got != nil || total != 0 {
		t.Fatalf("blank query = %v %d %v", got, total, err)
	}
	got, total, err := pg.Search(context.Background(), Query{Text: "hello"})
	if err != nil || total != 1 || got[0].AuthorName != "Ada" {
		t.Fatalf("Search() = %+v %d %v", got, total, err)
	}

	records, err := pg.LoadAllRecords(context.Background())
	if err != nil || len(records) != 1 || !records[0].IsAdminAuthored || records[0].CreatedAt != 0 {
		t.Fatalf("LoadAllRecords() = %+v %v", records, err)
	}
}

func TestHitToResult(t *testing.T) {
	hit := meili.Hit{
		"id":         json.RawMessage(`"m1"`),
		"text":       json.RawMessage(`"hello world"`),
		"authorName": json.RawMessage(`"Ada"`),
		"createdAt":  json.RawMessage(`1700000000`),
		"_formatted": json.RawMessage(`{"text":"<mark>hello</mark> world","createdAt":"1700000000"}`),
	}
	r := hitToResult(hit)
	if r.ID != "m1" || r.AuthorName != "Ada" || r.Snippet != "<mark>hello</mark> world" {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.CreatedAt == nil || r.CreatedAt.Unix() != 1700000000 {
		t.Fatalf("CreatedAt = %v", r.CreatedAt)
	}

	bare := hitToResult(meili.Hit{"id": json.RawMessage(`"m2"`), "text": json.RawMessage(`"plain"`)})
	if bare.Snippet != "plain" || bare.CreatedAt != nil {
		t.Fatalf("unexpected bare result %+v", bare)
	}
}

func zapNop() *zap.Logger { return zap.NewNop() }
