package accounting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jacklau/fwstats/internal/detect"
	"github.com/jacklau/fwstats/internal/github"
	"github.com/jacklau/fwstats/internal/workpool"
)

// fakeCommits serves changed-file lists keyed by "repo@sha".
type fakeCommits struct {
	mu    sync.Mutex
	files map[string][]string
	errs  map[string]error
	calls map[string]int
}

func (f *fakeCommits) ChangedFiles(_ context.Context, owner, repo, sha string) ([]string, error) {
	key := repo + "@" + sha
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[repo]++
	f.mu.Unlock()
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return f.files[key], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAccountant(src CommitSource) *Accountant {
	pool := workpool.Pool{Cap: 100, TaskTimeout: time.Second, DrainTimeout: 2 * time.Second}
	return NewAccountant(src, detect.DefaultRules(), pool, testLogger())
}

func react() detect.FrameworkSet { return detect.FrameworkSet{"React": {}} }

func TestFileIndexAddIsIdempotent(t *testing.T) {
	x := NewFileIndex()

	if !x.Add("React", "web/src/a.jsx") {
		t.Error("first insert should report new")
	}
	for i := 0; i < 5; i++ {
		if x.Add("React", "web/src/a.jsx") {
			t.Error("duplicate insert should be a no-op")
		}
	}
	if x.Len("React") != 1 {
		t.Errorf("expected 1 path, got %d", x.Len("React"))
	}
}

func TestFileIndexConcurrentAdds(t *testing.T) {
	x := NewFileIndex()

	var wg sync.WaitGroup
	for w := 0; w < 50; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				x.Add("React", fmt.Sprintf("web/f%d.jsx", i))
			}
		}()
	}
	wg.Wait()

	if got := x.Counts()["React"]; got != 20 {
		t.Errorf("expected 20 distinct paths, got %d", got)
	}
}

func TestAccountRoundTripCounting(t *testing.T) {
	src := &fakeCommits{files: map[string][]string{
		"web@c1": {"src/a.jsx"},
		"web@c2": {"src/a.jsx", "README.md"},
		"app@c3": {"b.jsx"},
	}}
	repos := []github.RepositoryInfo{
		{Name: "web", CommitSHAs: []string{"c1", "c2"}},
		{Name: "app", CommitSHAs: []string{"c3"}},
	}
	frameworks := map[string]detect.FrameworkSet{"web": react(), "app": react()}

	index := newTestAccountant(src).Account(context.Background(), "octocat", repos, frameworks)

	if got := index.Counts()["React"]; got != 2 {
		t.Errorf("expected React=2 distinct files, got %d (%v)", got, index.Paths("React"))
	}
	want := []string{"app/b.jsx", "web/src/a.jsx"}
	got := index.Paths("React")
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected repo-qualified paths %v, got %v", want, got)
	}
}

func TestAccountSkipsReposWithoutEvidence(t *testing.T) {
	src := &fakeCommits{files: map[string][]string{
		"nofw@c1":  {"a.jsx"},
		"nocommit": nil,
	}}
	repos := []github.RepositoryInfo{
		{Name: "nofw", CommitSHAs: []string{"c1"}},
		{Name: "nocommit"},
	}
	frameworks := map[string]detect.FrameworkSet{"nofw": {}, "nocommit": react()}

	index := newTestAccountant(src).Account(context.Background(), "octocat", repos, frameworks)

	if len(index.Counts()) != 0 {
		t.Errorf("expected empty index, got %v", index.Counts())
	}
	if len(src.calls) != 0 {
		t.Errorf("expected no commit fetches, got %v", src.calls)
	}
}

func TestAccountSkipsVendoredFiles(t *testing.T) {
	src := &fakeCommits{files: map[string][]string{
		"web@c1": {"node_modules/lib/index.jsx", "src/App.jsx"},
	}}
	repos := []github.RepositoryInfo{{Name: "web", CommitSHAs: []string{"c1"}}}

	index := newTestAccountant(src).Account(context.Background(), "octocat", repos, map[string]detect.FrameworkSet{"web": react()})

	if got := index.Paths("React"); len(got) != 1 || got[0] != "web/src/App.jsx" {
		t.Errorf("expected only web/src/App.jsx, got %v", got)
	}
}

func TestAccountMultipleFrameworksShareFile(t *testing.T) {
	src := &fakeCommits{files: map[string][]string{
		"web@c1": {"pages/index.tsx", "server.js"},
	}}
	repos := []github.RepositoryInfo{{Name: "web", CommitSHAs: []string{"c1"}}}
	fws := detect.FrameworkSet{"React": {}, "NextJs": {}, "Express": {}}

	counts := newTestAccountant(src).Account(context.Background(), "octocat", repos, map[string]detect.FrameworkSet{"web": fws}).Counts()

	if counts["React"] != 1 || counts["NextJs"] != 1 {
		t.Errorf("expected index.tsx counted for React and NextJs, got %v", counts)
	}
	if counts["Express"] != 1 {
		t.Errorf("expected server.js counted for Express, got %v", counts)
	}
}

func TestAccountCommitFailureIsAbsorbed(t *testing.T) {
	src := &fakeCommits{
		files: map[string][]string{"web@ok": {"a.jsx"}},
		errs:  map[string]error{"web@bad": errors.New("502 Bad Gateway")},
	}
	repos := []github.RepositoryInfo{{Name: "web", CommitSHAs: []string{"bad", "ok"}}}

	index := newTestAccountant(src).Account(context.Background(), "octocat", repos, map[string]detect.FrameworkSet{"web": react()})

	if index.Len("React") != 1 {
		t.Errorf("expected the healthy commit to count, got %d", index.Len("React"))
	}
}

// slowCommits ignores cancellation and answers after delay.
type slowCommits struct {
	delay    time.Duration
	returned chan struct{}
}

func (s *slowCommits) ChangedFiles(_ context.Context, owner, repo, sha string) ([]string, error) {
	defer close(s.returned)
	time.Sleep(s.delay)
	return []string{"src/late.jsx"}, nil
}

func TestAccountDiscardsFilesAfterDrainTimeout(t *testing.T) {
	src := &slowCommits{delay: 300 * time.Millisecond, returned: make(chan struct{})}
	pool := workpool.Pool{Cap: 4, DrainTimeout: 50 * time.Millisecond}
	acct := NewAccountant(src, detect.DefaultRules(), pool, testLogger())

	repos := []github.RepositoryInfo{{Name: "web", CommitSHAs: []string{"c1"}}}
	start := time.Now()
	index := acct.Account(context.Background(), "octocat", repos, map[string]detect.FrameworkSet{"web": react()})
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Account took %v, expected it to stop near the drain budget", elapsed)
	}

	select {
	case <-src.returned:
	case <-time.After(2 * time.Second):
		t.Fatal("slow commit fetch never returned")
	}
	time.Sleep(50 * time.Millisecond)

	if got := index.Len("React"); got != 0 {
		t.Errorf("expected late files to be discarded, got %v", index.Paths("React"))
	}
}
