package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/devpouya/swissnews/internal/dedup"
	"github.com/devpouya/swissnews/internal/hasher"
	"github.com/devpouya/swissnews/internal/model"
	"github.com/devpouya/swissnews/internal/storage"
)

type countingStore struct {
	*storage.SQLite
	ensureCalls int
}

func (s *countingStore) EnsureOutlet(ctx context.Context, o *model.Outlet) error {
	s.ensureCalls++
	return s.SQLite.EnsureOutlet(ctx, o)
}

func newTestService(t *testing.T) (*Service, *countingStore) {
	t.Helper()
	db, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := &countingStore{SQLite: db}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(store, dedup.New(store, dedup.DefaultConfig(), nil, log), nil, log)
	svc.detect = func(string) string { return "" }
	return svc, store
}

var nzz = model.OutletConfig{Name: "NZZ", URL: "https://www.nzz.ch", Language: "de", Status: model.OutletActive}

func TestIngestPaths(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	published := time.Date(2025, 5, 1, 6, 0, 0, 0, time.UTC)

	steps := []struct {
		name string
		c    model.Candidate
		want Action
	}{
		{
			name: "new article",
			c: model.Candidate{
				URL:            "https://www.nzz.ch/schweiz/wahlen",
				Title:          "Wahlen in Zürich: Grüne legen zu",
				BodyParagraphs: []string{"Die Grünen gewinnen drei Sitze.", "Die SVP verliert."},
			},
			want: Created,
		},
		{
			name: "same url unchanged",
			c: model.Candidate{
				URL:            "https://www.nzz.ch/schweiz/wahlen",
				Title:          "Wahlen in Zürich: Grüne legen zu",
				BodyParagraphs: []string{"die grünen gewinnen drei sitze", "die svp verliert"},
			},
			want: Skipped,
		},
		{
			name: "same url with more text and author",
			c: model.Candidate{
				URL:             "https://www.nzz.ch/schweiz/wahlen",
				Title:           "Wahlen in Zürich: Grüne legen deutlich zu",
				BodyParagraphs:  []string{"Die Grünen gewinnen drei Sitze.", "Die SVP verliert zwei Sitze, die FDP bleibt stabil."},
				Author:          "Anna Muster",
				PublicationDate: &published,
			},
			want: Updated,
		},
		{
			name: "other url same body",
			c: model.Candidate{
				URL:            "https://www.tagesanzeiger.ch/wahlen-zuerich",
				Title:          "Zürcher Wahlen",
				BodyParagraphs: []string{"Die Grünen gewinnen drei Sitze.", "Die SVP verliert zwei Sitze, die FDP bleibt stabil."},
			},
			want: Skipped,
		},
		{
			name: "unrelated article",
			c: model.Candidate{
				URL:            "https://www.nzz.ch/sport/derby",
				Title:          "FC Basel gewinnt das Derby gegen den FCZ",
				BodyParagraphs: []string{"Basel siegt mit 3:1."},
			},
			want: Created,
		},
	}
	for _, st := range steps {
		got, err := svc.Ingest(ctx, nzz, st.c)
		if err != nil {
			t.Fatalf("%s: Ingest() error = %v", st.name, err)
		}
		if got != st.want {
			t.Fatalf("%s: Ingest() = %q, want %q", st.name, got, st.want)
		}
	}

	a, err := store.FindArticleByURL(ctx, "https://www.nzz.ch/schweiz/wahlen")
	if err != nil {
		t.Fatalf("find article: %v", err)
	}
	content := "Die Grünen gewinnen drei Sitze.\n\nDie SVP verliert zwei Sitze, die FDP bleibt stabil."
	want := &model.Article{
		ID:              a.ID,
		URL:             "https://www.nzz.ch/schweiz/wahlen",
		Title:           "Wahlen in Zürich: Grüne legen deutlich zu",
		Content:         content,
		Author:          "Anna Muster",
		PublicationDate: &published,
		Language:        "de",
		OutletID:        a.OutletID,
		WordCount:       14,
		ContentHash:     hasher.Sum(content),
	}
	opts := cmp.Options{
		cmpopts.IgnoreFields(model.Article{}, "ScrapedAt", "UpdatedAt"),
		cmpopts.EquateEmpty(),
	}
	if diff := cmp.Diff(want, a, opts); diff != "" {
		t.Errorf("stored article mismatch (-want +got):\n%s", diff)
	}

	if _, err := store.FindArticleByURL(ctx, "https://www.tagesanzeiger.ch/wahlen-zuerich"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("content duplicate stored: err = %v, want ErrNotFound", err)
	}
	if store.ensureCalls != 1 {
		t.Errorf("EnsureOutlet calls = %d, want 1", store.ensureCalls)
	}

	stats, err := store.GetDetectionStats(ctx, time.Now())
	if err != nil {
		t.Fatalf("get detection stats: %v", err)
	}
	wantStats := &model.DetectionStats{
		ArticlesProcessed: 5,
		DuplicatesURL:     2,
		DuplicatesContent: 1,
		ArticlesUpdated:   1,
		ArticlesSkipped:   2,
	}
	statsOpts := cmpopts.IgnoreFields(model.DetectionStats{}, "Date", "TotalDetectionTimeMS")
	if diff := cmp.Diff(wantStats, stats, statsOpts); diff != "" {
		t.Errorf("detection stats mismatch (-want +got):\n%s", diff)
	}
}

func TestIngestInvalidCandidate(t *testing.T) {
	svc, _ := newTestService(t)

	tests := []struct {
		name string
		c    model.Candidate
	}{
		{name: "missing url", c: model.Candidate{Title: "Titel"}},
		{name: "blank title", c: model.Candidate{URL: "https://www.nzz.ch/a", Title: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(context.Background(), nzz, tt.c)
			if !errors.Is(err, ErrInvalidCandidate) {
				t.Errorf("Ingest() error = %v, want ErrInvalidCandidate", err)
			}
		})
	}
}

func TestLanguageResolution(t *testing.T) {
	svc, _ := newTestService(t)

	rtr := model.OutletConfig{Name: "RTR", Language: "rm"}

	tests := []struct {
		name     string
		outlet   model.OutletConfig
		c        model.Candidate
		detected string
		want     string
	}{
		{name: "candidate language wins", outlet: nzz, c: model.Candidate{Language: "fr"}, detected: "it", want: "fr"},
		{name: "detected language", outlet: nzz, c: model.Candidate{}, detected: "it", want: "it"},
		{name: "outlet fallback", outlet: nzz, c: model.Candidate{}, detected: "", want: "de"},
		{name: "romansh outlet ignores detection", outlet: rtr, c: model.Candidate{}, detected: "it", want: "rm"},
		{name: "romansh outlet keeps candidate language", outlet: rtr, c: model.Candidate{Language: "de"}, detected: "it", want: "de"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.detect = func(string) string { return tt.detected }
			if got := svc.language(tt.outlet, tt.c); got != tt.want {
				t.Errorf("language() = %q, want %q", got, tt.want)
			}
		})
	}
}
