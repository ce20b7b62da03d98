package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/kbsync/internal/filter"
	"github.com/agentworkforce/kbsync/internal/knowledge"
	"github.com/agentworkforce/kbsync/internal/resolver"
	"github.com/agentworkforce/kbsync/internal/source"
	"github.com/agentworkforce/kbsync/internal/state"
)

type fakeUpload struct {
	Path    string
	Name    string
	KB      string
	Content string
}

type fakeClient struct {
	mu sync.Mutex

	calls    []string
	uploads  []fakeUpload
	added    map[string][]string
	created  []string
	kbs      []knowledge.KnowledgeBase
	files    map[string]knowledge.File
	statuses map[string]knowledge.FileStatus
	nextID   int

	uploadErr error
	addErr    error
	listErr   error
	// anonymous acknowledges uploads without returning a file id.
	anonymous bool
	onUpload  func(name string)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		added:    map[string][]string{},
		files:    map[string]knowledge.File{},
		statuses: map[string]knowledge.FileStatus{},
	}
}

func (c *fakeClient) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *fakeClient) UploadFile(ctx context.Context, path, name, knowledgeBaseID string) (knowledge.UploadedFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("upload " + name)
	data, err := os.ReadFile(path)
	if err != nil {
		return knowledge.UploadedFile{}, err
	}
	c.uploads = append(c.uploads, fakeUpload{Path: path, Name: name, KB: knowledgeBaseID, Content: string(data)})
	if c.onUpload != nil {
		c.onUpload(name)
	}
	if c.uploadErr != nil {
		return knowledge.UploadedFile{}, c.uploadErr
	}
	if c.anonymous {
		return knowledge.UploadedFile{}, nil
	}
	c.nextID++
	id := fmt.Sprintf("file-%d", c.nextID)
	c.files[id] = knowledge.File{ID: id, Filename: name, Status: knowledge.StatusProcessing}
	return knowledge.UploadedFile{ID: id, Filename: name, Status: knowledge.StatusProcessing}, nil
}

func (c *fakeClient) GetFile(ctx context.Context, fileID string) (knowledge.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("get " + fileID)
	f, ok := c.files[fileID]
	if !ok {
		return knowledge.File{}, &knowledge.HTTPError{StatusCode: http.StatusNotFound, Message: "missing"}
	}
	f.Status = knowledge.StatusProcessed
	if status, ok := c.statuses[fileID]; ok {
		f.Status = status
	}
	return f, nil
}

func (c *fakeClient) DeleteFile(ctx context.Context, fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("delete " + fileID)
	delete(c.files, fileID)
	return nil
}

func (c *fakeClient) ListKnowledge(ctx context.Context) ([]knowledge.KnowledgeBase, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("list")
	if c.listErr != nil {
		return nil, c.listErr
	}
	return append([]knowledge.KnowledgeBase(nil), c.kbs...), nil
}

func (c *fakeClient) CreateKnowledge(ctx context.Context, name, description string) (knowledge.KnowledgeBase, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("create " + name)
	kb := knowledge.KnowledgeBase{ID: fmt.Sprintf("kb-%d", len(c.kbs)+1), Name: name, Description: description}
	c.kbs = append(c.kbs, kb)
	c.created = append(c.created, name)
	return kb, nil
}

func (c *fakeClient) AddFile(ctx context.Context, knowledgeBaseID, fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("add " + knowledgeBaseID + " " + fileID)
	if c.addErr != nil {
		return c.addErr
	}
	c.added[knowledgeBaseID] = append(c.added[knowledgeBaseID], fileID)
	return nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harness struct {
	root    string
	tempDir string
	client  *fakeClient
	store   *state.Store
	clock   *testClock
	syncer  *Syncer
}

func newHarness(t *testing.T, client *fakeClient, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		root:    t.TempDir(),
		tempDir: t.TempDir(),
		client:  client,
		clock:   &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	store, err := state.Open(context.Background(), state.NewInMemoryBackend(), state.OpenOptions{Now: h.clock.Now})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	h.store = store

	opts := Options{
		SyncRoot:      h.root,
		Extensions:    []string{".md", ".txt", ".json", ".yaml", ".log"},
		Policy:        Policy{MaxAttempts: 3, RetryDelay: time.Minute},
		PollInterval:  time.Millisecond,
		UploadTimeout: time.Second,
		TempDir:       h.tempDir,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           h.clock.Now,
	}
	if configure != nil {
		configure(&opts)
	}
	s, err := New(client, store, opts)
	if err != nil {
		t.Fatalf("new syncer: %v", err)
	}
	h.syncer = s
	return h
}

func (h *harness) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(h.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return path
}

func (h *harness) run(t *testing.T) Summary {
	t.Helper()
	summary, err := h.syncer.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return summary
}

func TestRunUploadsNewFile(t *testing.T) {
	h := newHarness(t, newFakeClient(), nil)
	path := h.write(t, "a.md", "alpha")

	summary := h.run(t)
	if summary.Uploaded != 1 || summary.Failed != 0 {
		t.Fatalf("expected one upload, got %+v", summary)
	}
	want, err := HashFile(path)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	rec, ok := h.store.Get("a.md")
	if !ok {
		t.Fatalf("expected record for a.md")
	}
	if rec.Hash != want || rec.Status != state.StatusUploaded || rec.RetryCount != 0 || rec.FileID != "file-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if h.client.uploads[0].KB != "" {
		t.Fatalf("expected uncategorized upload without a knowledge base, got %q", h.client.uploads[0].KB)
	}
}

func TestRunUnreadableFileCountsAsFailed(t *testing.T) {
	client := newFakeClient()
	h := newHarness(t, client, nil)
	h.write(t, "a.md", "alpha")
	vanishing := h.write(t, "b.md", "bravo")
	h.write(t, "c.md", "charlie")
	client.onUpload = func(name string) {
		if name == "a.md" {
			_ = os.Remove(vanishing)
		}
	}

	summary := h.run(t)
	if summary.Failed != 1 || summary.Uploaded != 2 {
		t.Fatalf("expected one hash failure and two uploads, got %+v", summary)
	}
	for _, call := range client.calls {
		if strings.Contains(call, "b.md") {
			t.Fatalf("expected no network call for the unreadable file, got %v", client.calls)
		}
	}
	if len(client.uploads) != 2 || client.uploads[1].Name != "c.md" {
		t.Fatalf("expected later files to still upload, got %+v", client.uploads)
	}
	if rec, ok := h.store.Get("b.md"); ok {
		t.Fatalf("expected no record for a file that could not be hashed, got %+v", rec)
	}
}

func TestRunUploadWithoutFileIDIsRecordedUploaded(t *testing.T) {
	client := newFakeClient()
	client.anonymous = true
	h := newHarness(t, client, func(o *Options) {
		o.Resolver = resolver.New(resolver.Options{SyncRoot: o.SyncRoot, SingleKnowledgeBase: "Docs"})
	})
	h.write(t, "a.md", "alpha")

	summary := h.run(t)
	if summary.Uploaded != 1 || summary.Failed != 0 {
		t.Fatalf("expected an id-less upload to succeed, got %+v", summary)
	}
	rec, ok := h.store.Get("a.md")
	if !ok || rec.Status != state.StatusUploaded || rec.FileID != "" || rec.KnowledgeBase != "Docs" {
		t.Fatalf("unexpected record: %+v ok=%v", rec, ok)
	}
	if len(client.uploads) != 1 || client.uploads[0].KB == "" {
		t.Fatalf("expected the upload to carry the knowledge base id, got %+v", client.uploads)
	}
	for _, call := range client.calls {
		if strings.HasPrefix(call, "get ") || strings.HasPrefix(call, "add ") {
			t.Fatalf("expected no poll or association without a file id, got %v", client.calls)
		}
	}

	h.clock.Advance(time.Hour)
	if again := h.run(t); again.Skipped != 1 || again.Uploaded != 0 {
		t.Fatalf("expected rerun to skip the id-less upload, got %+v", again)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, newFakeClient(), nil)
	h.write(t, "a.md", "alpha")
	h.run(t)
	before := h.store.Snapshot()
	calls := h.client.callCount()

	h.clock.Advance(time.Hour)
	summary := h.run(t)
	if summary.Uploaded != 0 || summary.Skipped != 1 {
		t.Fatalf("expected second run to skip, got %+v", summary)
	}
	if h.client.callCount() != calls {
		t.Fatalf("expected no network calls on unchanged rerun, got %v", h.client.calls[calls:])
	}
	after := h.store.Snapshot()
	if fmt.Sprint(before.Files) != fmt.Sprint(after.Files) {
		t.Fatalf("expected equal state, before=%+v after=%+v", before.Files, after.Files)
	}
}

func TestRunReuploadsChangedContent(t *testing.T) {
	h := newHarness(t, newFakeClient(), nil)
	path := h.write(t, "a.md", "alpha")
	h.run(t)
	first, _ := h.store.Get("a.md")

	h.write(t, "a.md", "alpha, revised")
	summary := h.run(t)
	if summary.Uploaded != 1 {
		t.Fatalf("expected changed file to be re-uploaded, got %+v", summary)
	}
	second, _ := h.store.Get("a.md")
	want, _ := HashFile(path)
	if second.Hash != want || second.Hash == first.Hash {
		t.Fatalf("expected hash to change to %s, got %+v", want, second)
	}
	if second.FileID == first.FileID {
		t.Fatalf("expected file id to be replaced, still %s", second.FileID)
	}
}

func TestRunTranscodesAndAssociatesMappedFile(t *testing.T) {
	client := newFakeClient()
	h := newHarness(t, client, func(o *Options) {
		o.Resolver = resolver.New(resolver.Options{
			SyncRoot: o.SyncRoot,
			Mappings: []resolver.Mapping{{Path: "docs", KnowledgeBase: "Docs"}},
		})
	})
	h.write(t, "docs/notes.json", `{"title": "Runbook", "steps": ["a", "b"]}`)
	h.write(t, "docs/guide.md", "guide")

	summary := h.run(t)
	if summary.Uploaded != 2 || summary.Converted != 1 {
		t.Fatalf("expected two uploads with one conversion, got %+v", summary)
	}
	if len(client.created) != 1 || client.created[0] != "Docs" {
		t.Fatalf("expected Docs to be created exactly once, got %v", client.created)
	}

	var converted fakeUpload
	for _, u := range client.uploads {
		if u.Name == "notes.json.md" {
			converted = u
		}
	}
	if converted.Name == "" {
		t.Fatalf("expected transcoded upload, got %+v", client.uploads)
	}
	if !strings.HasPrefix(converted.Content, "# notes.json\n") || !strings.Contains(converted.Content, "- title: Runbook") {
		t.Fatalf("unexpected transcoded content:\n%s", converted.Content)
	}
	if converted.KB != "kb-1" {
		t.Fatalf("expected upload to carry knowledge base id, got %q", converted.KB)
	}
	if len(client.added["kb-1"]) != 2 {
		t.Fatalf("expected both files to be associated with Docs, got %v", client.added)
	}
	if _, err := os.Stat(converted.Path); !os.IsNotExist(err) {
		t.Fatalf("expected transcoded temp file to be removed, stat err=%v", err)
	}
	entries, _ := os.ReadDir(h.tempDir)
	if len(entries) != 0 {
		t.Fatalf("expected temp dir to be empty, got %d entries", len(entries))
	}
	rec, _ := h.store.Get("docs/notes.json")
	if rec.KnowledgeBase != "Docs" || rec.Status != state.StatusUploaded {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if kb, ok := h.store.KnowledgeBase("Docs"); !ok || kb.ID != "kb-1" {
		t.Fatalf("expected Docs to be cached, got %+v ok=%v", kb, ok)
	}
}

func TestRunTempFileRemovedWhenUploadFails(t *testing.T) {
	client := newFakeClient()
	client.uploadErr = errors.New("connection reset")
	h := newHarness(t, client, nil)
	h.write(t, "notes.yaml", "a: 1\n")

	summary := h.run(t)
	if summary.Failed != 1 || summary.Converted != 1 {
		t.Fatalf("expected a failed converted upload, got %+v", summary)
	}
	if _, err := os.Stat(client.uploads[0].Path); !os.IsNotExist(err) {
		t.Fatalf("expected transcoded temp file to be removed after failure, stat err=%v", err)
	}
}

func TestRunFiltersExcludedFilesWithoutNetwork(t *testing.T) {
	client := newFakeClient()
	h := newHarness(t, client, func(o *Options) {
		o.Resolver = resolver.New(resolver.Options{
			SyncRoot: o.SyncRoot,
			Mappings: []resolver.Mapping{{
				Path:          "logs",
				KnowledgeBase: "Logs",
				Filters:       filter.Filters{Exclude: []string{"*.log"}, Include: []string{"keep/*"}},
			}},
		})
	})
	h.write(t, "logs/debug.log", "noise")
	h.write(t, "logs/keep/important.log", "signal")

	summary := h.run(t)
	if summary.Filtered != 1 || summary.Uploaded != 1 {
		t.Fatalf("expected one filtered and one uploaded file, got %+v", summary)
	}
	if _, ok := h.store.Get("logs/debug.log"); ok {
		t.Fatalf("filtered file must not get a record")
	}
	for _, call := range client.calls {
		if strings.Contains(call, "debug.log") {
			t.Fatalf("expected no network call for filtered file, got %v", client.calls)
		}
	}
}

func TestRunStopsAfterMaxAttempts(t *testing.T) {
	client := newFakeClient()
	client.uploadErr = errors.New("service unavailable")
	h := newHarness(t, client, nil)
	h.write(t, "a.md", "alpha")

	for i := 1; i <= 3; i++ {
		summary := h.run(t)
		if summary.Failed != 1 {
			t.Fatalf("run %d: expected failure, got %+v", i, summary)
		}
		if i > 1 && summary.Retried != 1 {
			t.Fatalf("run %d: expected retry to be counted, got %+v", i, summary)
		}
		rec, _ := h.store.Get("a.md")
		if rec.RetryCount != i || rec.Status != state.StatusFailed || !strings.HasPrefix(rec.Error, "upload failed") {
			t.Fatalf("run %d: unexpected record %+v", i, rec)
		}
		h.clock.Advance(2 * time.Minute)
	}

	calls := h.client.callCount()
	summary := h.run(t)
	if summary.Skipped != 1 || summary.Failed != 0 {
		t.Fatalf("expected max-retries skip, got %+v", summary)
	}
	if h.client.callCount() != calls {
		t.Fatalf("expected zero requests after the retry ceiling, got %v", h.client.calls[calls:])
	}
	if len(client.uploads) != 3 {
		t.Fatalf("expected exactly 3 upload attempts, got %d", len(client.uploads))
	}
}

func TestRunPacesRetries(t *testing.T) {
	client := newFakeClient()
	client.uploadErr = errors.New("boom")
	h := newHarness(t, client, nil)
	h.write(t, "a.md", "alpha")
	h.run(t)

	h.clock.Advance(30 * time.Second)
	client.uploadErr = nil
	summary := h.run(t)
	if summary.Skipped != 1 || len(client.uploads) != 1 {
		t.Fatalf("expected retry to wait for the delay, got %+v after %d uploads", summary, len(client.uploads))
	}

	h.clock.Advance(31 * time.Second)
	summary = h.run(t)
	if summary.Uploaded != 1 || summary.Retried != 1 {
		t.Fatalf("expected the retry to go through, got %+v", summary)
	}
	rec, _ := h.store.Get("a.md")
	if rec.RetryCount != 0 || rec.Status != state.StatusUploaded || rec.Error != "" {
		t.Fatalf("expected success to reset the record, got %+v", rec)
	}
}

func TestRunConversionFailure(t *testing.T) {
	client := newFakeClient()
	h := newHarness(t, client, nil)
	h.write(t, "broken.json", `{"a": `)

	summary := h.run(t)
	if summary.Failed != 1 || summary.Converted != 0 {
		t.Fatalf("expected conversion failure, got %+v", summary)
	}
	if client.callCount() != 0 {
		t.Fatalf("expected no network calls, got %v", client.calls)
	}
	rec, _ := h.store.Get("broken.json")
	if rec.Status != state.StatusFailed || rec.RetryCount != 1 || !strings.HasPrefix(rec.Error, "conversion failed") {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRunProcessingTimeout(t *testing.T) {
	client := newFakeClient()
	h := newHarness(t, client, func(o *Options) {
		o.UploadTimeout = 20 * time.Millisecond
	})
	h.write(t, "slow.md", "slow")
	client.statuses["file-1"] = knowledge.StatusProcessing

	summary := h.run(t)
	if summary.Failed != 1 {
		t.Fatalf("expected processing timeout failure, got %+v", summary)
	}
	rec, _ := h.store.Get("slow.md")
	if rec.Error != "processing timeout" || rec.FileID != "file-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRunUnknownStatusCountsAsProcessed(t *testing.T) {
	client := newFakeClient()
	h := newHarness(t, client, nil)
	h.write(t, "a.md", "alpha")
	client.statuses["file-1"] = knowledge.StatusUnknown

	if summary := h.run(t); summary.Uploaded != 1 {
		t.Fatalf("expected unknown status to count as success, got %+v", summary)
	}
}

func TestRunAssociationNotFoundDropsCachedKnowledgeBase(t *testing.T) {
	client := newFakeClient()
	client.addErr = &knowledge.HTTPError{StatusCode: http.StatusNotFound, Message: "knowledge not found"}
	h := newHarness(t, client, func(o *Options) {
		o.Resolver = resolver.New(resolver.Options{SyncRoot: o.SyncRoot, SingleKnowledgeBase: "All"})
	})
	h.store.PutKnowledgeBase(state.KnowledgeBaseRecord{Name: "All", ID: "kb-stale"})
	h.write(t, "a.md", "alpha")

	summary := h.run(t)
	if summary.Failed != 1 {
		t.Fatalf("expected association failure, got %+v", summary)
	}
	rec, _ := h.store.Get("a.md")
	if !strings.HasPrefix(rec.Error, "could not add file to knowledge base") {
		t.Fatalf("unexpected error reason: %q", rec.Error)
	}
	if _, ok := h.store.KnowledgeBase("All"); ok {
		t.Fatalf("expected stale knowledge base id to be dropped")
	}
}

func TestRunKnowledgeBaseFailure(t *testing.T) {
	client := newFakeClient()
	client.listErr = errors.New("unauthorized")
	h := newHarness(t, client, func(o *Options) {
		o.Resolver = resolver.New(resolver.Options{SyncRoot: o.SyncRoot, SingleKnowledgeBase: "All"})
		o.Backfill = false
	})
	h.write(t, "a.json", `{"a": 1}`)

	summary := h.run(t)
	if summary.Failed != 1 || len(client.uploads) != 0 {
		t.Fatalf("expected failure before upload, got %+v uploads=%d", summary, len(client.uploads))
	}
	rec, _ := h.store.Get("a.json")
	if !strings.HasPrefix(rec.Error, "could not create/get knowledge base") {
		t.Fatalf("unexpected reason: %q", rec.Error)
	}
	entries, _ := os.ReadDir(h.tempDir)
	if len(entries) != 0 {
		t.Fatalf("expected transcoded temp file to be removed, got %d entries", len(entries))
	}
}

func TestRunBackfillsExistingRemoteFiles(t *testing.T) {
	client := newFakeClient()
	client.kbs = []knowledge.KnowledgeBase{{
		ID:      "kb-docs",
		Name:    "Docs",
		FileIDs: []string{"f-a", "f-b"},
		Files:   []knowledge.File{{ID: "f-a", Filename: "a.md"}},
	}}
	client.files["f-b"] = knowledge.File{ID: "f-b", Filename: "notes.json.md"}
	h := newHarness(t, client, func(o *Options) {
		o.Backfill = true
		o.Resolver = resolver.New(resolver.Options{
			SyncRoot: o.SyncRoot,
			Mappings: []resolver.Mapping{{Path: "docs", KnowledgeBase: "Docs"}},
		})
	})
	h.write(t, "docs/a.md", "alpha")
	h.write(t, "docs/notes.json", `{"x": 1}`)
	h.write(t, "docs/new.md", "new")

	summary := h.run(t)
	if summary.Backfilled != 2 {
		t.Fatalf("expected two backfilled records, got %+v", summary)
	}
	if summary.Uploaded != 1 || summary.Skipped != 2 {
		t.Fatalf("expected only new.md to be uploaded, got %+v", summary)
	}
	rec, _ := h.store.Get("docs/a.md")
	if rec.FileID != "f-a" || rec.Status != state.StatusUploaded || rec.KnowledgeBase != "Docs" {
		t.Fatalf("unexpected backfilled record: %+v", rec)
	}
	rec, _ = h.store.Get("docs/notes.json")
	if rec.FileID != "f-b" {
		t.Fatalf("expected transcoded upload name to match, got %+v", rec)
	}
	if len(client.created) != 0 {
		t.Fatalf("expected existing collection to be reused, got creates %v", client.created)
	}
}

type countingBackend struct {
	*state.InMemoryBackend
	saves []string
}

func (b *countingBackend) Save(ctx context.Context, snapshot []byte) error {
	b.saves = append(b.saves, string(snapshot))
	return b.InMemoryBackend.Save(ctx, snapshot)
}

func TestRunBackfillCheckpointsBeforeMainLoop(t *testing.T) {
	client := newFakeClient()
	client.kbs = []knowledge.KnowledgeBase{{ID: "kb-docs", Name: "Docs", Files: []knowledge.File{{ID: "f-a", Filename: "a.md"}}}}
	client.uploadErr = errors.New("offline")
	backend := &countingBackend{InMemoryBackend: state.NewInMemoryBackend()}
	root := t.TempDir()
	for name, content := range map[string]string{"a.md": "alpha", "b.md": "beta"} {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	store, err := state.Open(context.Background(), backend, state.OpenOptions{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	s, err := New(client, store, Options{
		SyncRoot: root,
		Backfill: true,
		Resolver: resolver.New(resolver.Options{SyncRoot: root, SingleKnowledgeBase: "Docs"}),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	summary, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Backfilled != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(backend.saves) != 2 {
		t.Fatalf("expected a backfill checkpoint and a final save, got %d saves", len(backend.saves))
	}
	if !strings.Contains(backend.saves[0], `"f-a"`) || strings.Contains(backend.saves[0], `"b.md"`) {
		t.Fatalf("expected checkpoint to hold only the backfilled record, got %s", backend.saves[0])
	}
}

func TestRunIncludesRemoteSources(t *testing.T) {
	remote := t.TempDir()
	if err := os.MkdirAll(filepath.Join(remote, "etc"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(remote, "etc", "app.yaml"), []byte("port: 80\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	client := newFakeClient()
	h := newHarness(t, client, func(o *Options) {
		o.Sources = []source.RemoteSource{
			{Host: "down.example", Paths: []string{"/etc"}},
			{Host: "cfg.example", Paths: []string{"/etc"}, KnowledgeBase: "Configs"},
		}
		o.Ingestor = source.NewIngestor(source.IngestorOptions{
			Extensions: source.NewExtensions(o.Extensions),
			StagingDir: t.TempDir(),
			Logger:     o.Logger,
			Connect: func(ctx context.Context, src source.RemoteSource) (source.RemoteFS, error) {
				if src.Host == "down.example" {
					return nil, errors.New("auth failed")
				}
				return localFS{root: remote}, nil
			},
		})
	})
	h.write(t, "a.md", "alpha")

	summary := h.run(t)
	if summary.Uploaded != 2 || summary.Converted != 1 {
		t.Fatalf("expected local and remote uploads, got %+v", summary)
	}
	rec, ok := h.store.Get("ssh/cfg.example/etc/app.yaml")
	if !ok || rec.KnowledgeBase != "Configs" {
		t.Fatalf("expected remote record with source knowledge base, got %+v ok=%v", rec, ok)
	}
}

// localFS serves a directory as a remote filesystem.
type localFS struct {
	root string
}

func (f localFS) path(p string) string {
	return filepath.Join(f.root, filepath.FromSlash(strings.TrimPrefix(p, "/")))
}

func (f localFS) Stat(p string) (os.FileInfo, error) { return os.Stat(f.path(p)) }

func (f localFS) ReadDir(p string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(f.path(p))
	if err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (f localFS) Open(p string) (io.ReadCloser, error) { return os.Open(f.path(p)) }

func (f localFS) Close() error { return nil }
