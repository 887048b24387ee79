package gatekeep

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maxbolgarin/errm"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), noopLogger{})
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	joined := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := TrustedRegistry{Users: []TrustedUser{
		{ID: 42, Username: "someone", DisplayName: "Some One", JoinedAt: &joined},
	}}
	if err := store.Save(ctx, DocTrusted, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	var out TrustedRegistry
	if err := store.Load(ctx, DocTrusted, &out); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out.Users) != 1 || out.Users[0].ID != 42 || out.Users[0].Username != "someone" {
		t.Fatalf("loaded %+v, want the saved registry", out)
	}
	if out.Users[0].JoinedAt == nil || !out.Users[0].JoinedAt.Equal(joined) {
		t.Fatalf("joined_at = %v, want %v", out.Users[0].JoinedAt, joined)
	}
}

func TestFileStoreMissingDocument(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), noopLogger{})
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	var out BlacklistDoc
	if err := store.Load(context.Background(), DocBlacklist, &out); !errm.Is(err, ErrNotFound) {
		t.Fatalf("load of missing document = %v, want ErrNotFound", err)
	}
}

func TestFileStoreCorruptDocumentFallsBack(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, noopLogger{})
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, DocKeywords+".json"), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	var out KeywordConfig
	if err := store.Load(context.Background(), DocKeywords, &out); !errm.Is(err, ErrNotFound) {
		t.Fatalf("load of corrupt document = %v, want ErrNotFound", err)
	}
}

func TestFileStoreKeywordConfigEquivalence(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), noopLogger{})
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	m, err := NewMatcher(KeywordConfig{
		Text: FieldKeywords{Substring: []string{"加微信"}, Regex: []string{"/fr[e3]e/"}},
	})
	if err != nil {
		t.Fatalf("new matcher: %v", err)
	}

	if err := store.Save(ctx, DocKeywords, m.Config()); err != nil {
		t.Fatalf("save: %v", err)
	}
	var loaded KeywordConfig
	if err := store.Load(ctx, DocKeywords, &loaded); err != nil {
		t.Fatalf("load: %v", err)
	}
	m2, err := NewMatcher(loaded)
	if err != nil {
		t.Fatalf("matcher from loaded config: %v", err)
	}

	for _, probe := range []string{"请加微信加我", "fr3e stuff", "clean"} {
		_, a := m.Text.Check(probe)
		_, b := m2.Text.Check(probe)
		if a != b {
			t.Errorf("check(%q) diverged after save/load: %t vs %t", probe, a, b)
		}
	}
}
