package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/atenova/sintesi/internal/clients/textgen"
	types "github.com/atenova/sintesi/internal/domain"
	domainjobs "github.com/atenova/sintesi/internal/domain/jobs"
	domainprojects "github.com/atenova/sintesi/internal/domain/projects"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/services"
)

// memStore backs the fake repos for processor tests. All mutation goes
// through the mutex so the parallel chunk goroutines exercise real races.
type memStore struct {
	mu       sync.Mutex
	projects map[uuid.UUID]*types.Project
	chunks   map[uuid.UUID]*types.Chunk
	jobs     map[uuid.UUID]*types.BatchJob
	outputs  []*types.ChunkOutput
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[uuid.UUID]*types.Project),
		chunks:   make(map[uuid.UUID]*types.Chunk),
		jobs:     make(map[uuid.UUID]*types.BatchJob),
	}
}

type fakeProjectRepo struct{ s *memStore }

func (r *fakeProjectRepo) Create(_ context.Context, _ *gorm.DB, p *types.Project) (*types.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.projects[p.ID] = p
	return p, nil
}

func (r *fakeProjectRepo) GetByID(_ context.Context, _ *gorm.DB, id uuid.UUID) (*types.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.projects[id]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

func (r *fakeProjectRepo) UpdateFields(_ context.Context, _ *gorm.DB, _ uuid.UUID, _ map[string]interface{}) error {
	return nil
}

func (r *fakeProjectRepo) TransitionStatus(_ context.Context, _ *gorm.DB, id uuid.UUID, from, to string, _ map[string]interface{}) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.projects[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	return true, nil
}

type fakeChunkRepo struct{ s *memStore }

func (r *fakeChunkRepo) Create(_ context.Context, _ *gorm.DB, c *types.Chunk) (*types.Chunk, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.chunks[c.ID] = c
	return c, nil
}

func (r *fakeChunkRepo) GetByID(_ context.Context, _ *gorm.DB, id uuid.UUID) (*types.Chunk, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.chunks[id]; ok {
		clone := *c
		return &clone, nil
	}
	return nil, nil
}

func (r *fakeChunkRepo) GetByIDs(_ context.Context, _ *gorm.DB, ids []uuid.UUID) ([]*types.Chunk, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*types.Chunk
	for _, id := range ids {
		if c, ok := r.s.chunks[id]; ok {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeChunkRepo) GetByProjectID(_ context.Context, _ *gorm.DB, projectID uuid.UUID) ([]*types.Chunk, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*types.Chunk
	for _, c := range r.s.chunks {
		if c.ProjectID == projectID {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeChunkRepo) UpdateFields(_ context.Context, _ *gorm.DB, _ uuid.UUID, _ map[string]interface{}) error {
	return nil
}

func (r *fakeChunkRepo) UpdateFieldsUnlessStatus(_ context.Context, _ *gorm.DB, id uuid.UUID, disallowedStatuses []string, _ map[string]interface{}) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.chunks[id]
	if !ok {
		return false, nil
	}
	for _, status := range disallowedStatuses {
		if c.Status == status {
			return false, nil
		}
	}
	return true, nil
}

func (r *fakeChunkRepo) DeleteUnlessStatus(_ context.Context, _ *gorm.DB, id uuid.UUID, disallowedStatuses []string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c, ok := r.s.chunks[id]; ok {
		for _, status := range disallowedStatuses {
			if c.Status == status {
				return false, nil
			}
		}
	}
	delete(r.s.chunks, id)
	return true, nil
}

func (r *fakeChunkRepo) Reorder(_ context.Context, _ *gorm.DB, _ uuid.UUID, _ []uuid.UUID) error {
	return nil
}

func (r *fakeChunkRepo) TransitionStatus(_ context.Context, _ *gorm.DB, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.chunks[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	if updates != nil {
		if le, ok := updates["last_error"].(string); ok {
			c.LastError = le
		}
		if ts, ok := updates["processed_at"].(time.Time); ok {
			c.ProcessedAt = &ts
		}
	}
	return true, nil
}

func (r *fakeChunkRepo) BulkUpdateStatus(_ context.Context, _ *gorm.DB, ids []uuid.UUID, target string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		if c, ok := r.s.chunks[id]; ok {
			c.Status = target
		}
	}
	return nil
}

type fakeOutputRepo struct{ s *memStore }

func (r *fakeOutputRepo) Create(_ context.Context, _ *gorm.DB, o *types.ChunkOutput) (*types.ChunkOutput, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o.CreatedAt = time.Now().UTC()
	r.s.outputs = append(r.s.outputs, o)
	return o, nil
}

func (r *fakeOutputRepo) GetByChunkIDs(_ context.Context, _ *gorm.DB, chunkIDs []uuid.UUID) ([]*types.ChunkOutput, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		want[id] = true
	}
	var out []*types.ChunkOutput
	for _, o := range r.s.outputs {
		if want[o.ChunkID] {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *fakeOutputRepo) GetLatestForChunk(_ context.Context, _ *gorm.DB, chunkID uuid.UUID, preferredKind string) (*types.ChunkOutput, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest, latestPreferred *types.ChunkOutput
	for _, o := range r.s.outputs {
		if o.ChunkID != chunkID {
			continue
		}
		latest = o
		if o.AnalysisKind == preferredKind {
			latestPreferred = o
		}
	}
	if latestPreferred != nil {
		return latestPreferred, nil
	}
	return latest, nil
}

type fakeJobRepo struct{ s *memStore }

func (r *fakeJobRepo) Create(_ context.Context, _ *gorm.DB, j *types.BatchJob) (*types.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.jobs[j.ID] = j
	return j, nil
}

func (r *fakeJobRepo) GetByID(_ context.Context, _ *gorm.DB, id uuid.UUID) (*types.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if j, ok := r.s.jobs[id]; ok {
		clone := *j
		return &clone, nil
	}
	return nil, nil
}

func (r *fakeJobRepo) GetActiveByProjectID(_ context.Context, _ *gorm.DB, projectID uuid.UUID) ([]*types.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*types.BatchJob
	for _, j := range r.s.jobs {
		if j.ProjectID == projectID && !domainjobs.BatchTerminal(j.Status) {
			clone := *j
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) UpdateFields(_ context.Context, _ *gorm.DB, _ uuid.UUID, _ map[string]interface{}) error {
	return nil
}

func (r *fakeJobRepo) ClaimNextQueued(_ context.Context, _ *gorm.DB) (*types.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, j := range r.s.jobs {
		if j.Status == domainjobs.BatchStatusQueued {
			now := time.Now().UTC()
			j.Status = domainjobs.BatchStatusRunning
			j.StartedAt = &now
			clone := *j
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *fakeJobRepo) TransitionStatus(_ context.Context, _ *gorm.DB, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	if updates != nil {
		if msg, ok := updates["error"].(string); ok {
			j.Error = msg
		}
	}
	return true, nil
}

func (r *fakeJobRepo) IncrementProcessed(_ context.Context, _ *gorm.DB, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || j.ProcessedUnits >= j.TotalUnits {
		return false, nil
	}
	j.ProcessedUnits++
	j.Progress = domainjobs.ProgressPercentage(j.ProcessedUnits, j.TotalUnits)
	return true, nil
}

func (r *fakeJobRepo) RequestCancel(_ context.Context, _ *gorm.DB, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok || domainjobs.BatchTerminal(j.Status) {
		return false, nil
	}
	j.CancelRequested = true
	return true, nil
}

// scriptedTextgen fails a configured number of times per (chunk content, kind)
// unit, then succeeds.
type scriptedTextgen struct {
	mu        sync.Mutex
	calls     int
	failures  map[string]int
	failWith  error
	permanent map[string]bool
}

func (f *scriptedTextgen) Generate(_ context.Context, req textgen.Request) (*textgen.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	key := req.System[:20] + "|" + req.User
	if f.permanent[req.User] {
		return nil, f.failWith
	}
	if f.failures[key] > 0 {
		f.failures[key]--
		return nil, f.failWith
	}
	return &textgen.Result{Text: "generated for " + req.User, Model: "fake-model"}, nil
}

func (f *scriptedTextgen) Model() string { return "fake-model" }

type recordingNotifier struct {
	mu     sync.Mutex
	events []BatchProgressEvent
}

func (n *recordingNotifier) PublishBatchProgress(_ uuid.UUID, e BatchProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

type fixture struct {
	store     *memStore
	processor *Processor
	textgen   *scriptedTextgen
	notifier  *recordingNotifier
	project   *types.Project
	job       *types.BatchJob
	chunks    []*types.Chunk
}

func newFixture(t *testing.T, chunkContents []string, kinds []string, tg *scriptedTextgen) *fixture {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	store := newMemStore()
	owner := uuid.New()
	project := &types.Project{
		ID:          uuid.New(),
		OwnerUserID: owner,
		Title:       "Thermodynamics notes",
		Status:      domainprojects.ProjectStatusActive,
	}
	store.projects[project.ID] = project

	var chunkIDs []uuid.UUID
	var chunks []*types.Chunk
	for i, content := range chunkContents {
		c := &types.Chunk{
			ID:          uuid.New(),
			ProjectID:   project.ID,
			OwnerUserID: owner,
			Title:       "Chapter",
			OrderIndex:  i + 1,
			Content:     content,
			Status:      domainprojects.ChunkStatusQueued,
		}
		store.chunks[c.ID] = c
		chunkIDs = append(chunkIDs, c.ID)
		chunks = append(chunks, c)
	}

	idsJSON, _ := json.Marshal(chunkIDs)
	kindsJSON, _ := json.Marshal(kinds)
	now := time.Now().UTC()
	job := &types.BatchJob{
		ID:            uuid.New(),
		ProjectID:     project.ID,
		OwnerUserID:   owner,
		ChunkIDs:      datatypes.JSON(idsJSON),
		AnalysisKinds: datatypes.JSON(kindsJSON),
		TotalUnits:    len(chunkIDs) * len(kinds),
		Status:        domainjobs.BatchStatusRunning,
		StartedAt:     &now,
	}
	store.jobs[job.ID] = job

	notifier := &recordingNotifier{}
	processor := NewProcessor(log, ProcessorConfig{
		MaxParallelChunks: 2,
		RetryAttempts:     2,
		RetryBaseWait:     time.Millisecond,
		MaxErrorRate:      0.5,
	}, &fakeProjectRepo{store}, &fakeChunkRepo{store}, &fakeOutputRepo{store},
		&fakeJobRepo{store}, tg, services.NewEstimator(services.DefaultModelProfile()), notifier)

	return &fixture{
		store:     store,
		processor: processor,
		textgen:   tg,
		notifier:  notifier,
		project:   project,
		job:       job,
		chunks:    chunks,
	}
}

func (f *fixture) jobState(t *testing.T) *types.BatchJob {
	t.Helper()
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	clone := *f.store.jobs[f.job.ID]
	return &clone
}

func (f *fixture) chunkStatus(t *testing.T, id uuid.UUID) string {
	t.Helper()
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return f.store.chunks[id].Status
}

func TestProcessorCompletesJob(t *testing.T) {
	tg := &scriptedTextgen{}
	kinds := []string{domainjobs.AnalysisKindSummary, domainjobs.AnalysisKindGlossary}
	f := newFixture(t, []string{"first chunk body", "second chunk body"}, kinds, tg)

	if err := f.processor.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job := f.jobState(t)
	if job.Status != domainjobs.BatchStatusCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
	if job.ProcessedUnits != 4 {
		t.Errorf("processed_units = %d, want 4", job.ProcessedUnits)
	}
	if job.Progress != 100 {
		t.Errorf("progress = %d, want 100", job.Progress)
	}
	for _, c := range f.chunks {
		if got := f.chunkStatus(t, c.ID); got != domainprojects.ChunkStatusDone {
			t.Errorf("chunk %s status = %s, want done", c.ID, got)
		}
	}
	f.store.mu.Lock()
	outputs := len(f.store.outputs)
	for _, c := range f.chunks {
		if f.store.chunks[c.ID].ProcessedAt == nil {
			t.Errorf("chunk %s has no processed_at after finishing", c.ID)
		}
	}
	f.store.mu.Unlock()
	if outputs != 4 {
		t.Errorf("outputs = %d, want 4", outputs)
	}
}

func TestProcessorRetriesTransientFailures(t *testing.T) {
	tg := &scriptedTextgen{
		failWith: &textgen.HTTPError{StatusCode: 503, Body: "upstream unavailable"},
		failures: map[string]int{},
	}
	f := newFixture(t, []string{"only chunk"}, []string{domainjobs.AnalysisKindSummary}, tg)

	// First attempt of the single unit fails, the retry succeeds.
	tg.mu.Lock()
	tg.failures[systemPromptFor(domainjobs.AnalysisKindSummary, "", "")[:20]+"|"+userPromptFor("Chapter", "", "", "only chunk")] = 1
	tg.mu.Unlock()

	if err := f.processor.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job := f.jobState(t)
	if job.Status != domainjobs.BatchStatusCompleted {
		t.Errorf("job status = %s, want completed (error = %q)", job.Status, job.Error)
	}
	if tg.calls != 2 {
		t.Errorf("textgen calls = %d, want 2 (one failure, one retry)", tg.calls)
	}
}

func TestProcessorIsolatesChunkFailure(t *testing.T) {
	tg := &scriptedTextgen{
		failWith:  &textgen.HTTPError{StatusCode: 400, Body: "bad request"},
		permanent: map[string]bool{userPromptFor("Chapter", "", "", "doomed chunk"): true},
	}
	kinds := []string{domainjobs.AnalysisKindSummary, domainjobs.AnalysisKindGlossary}
	f := newFixture(t, []string{"doomed chunk", "healthy chunk"}, kinds, tg)

	if err := f.processor.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	doomed, healthy := f.chunks[0], f.chunks[1]
	if got := f.chunkStatus(t, doomed.ID); got != domainprojects.ChunkStatusError {
		t.Errorf("doomed chunk status = %s, want error", got)
	}
	if got := f.chunkStatus(t, healthy.ID); got != domainprojects.ChunkStatusDone {
		t.Errorf("healthy chunk status = %s, want done", got)
	}

	f.store.mu.Lock()
	lastError := f.store.chunks[doomed.ID].LastError
	doomedProcessedAt := f.store.chunks[doomed.ID].ProcessedAt
	f.store.mu.Unlock()
	if lastError == "" {
		t.Error("doomed chunk should carry a last_error")
	}
	if doomedProcessedAt == nil {
		t.Error("an error outcome is still a processed outcome; processed_at must be set")
	}

	// One failed chunk out of two sits at the 0.5 threshold, not above it.
	job := f.jobState(t)
	if job.Status != domainjobs.BatchStatusCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
	if job.ProcessedUnits != job.TotalUnits {
		t.Errorf("processed_units = %d, want %d (failed units still count)", job.ProcessedUnits, job.TotalUnits)
	}
}

func TestProcessorFailsJobOverErrorRate(t *testing.T) {
	tg := &scriptedTextgen{
		failWith: &textgen.HTTPError{StatusCode: 400, Body: "bad request"},
		permanent: map[string]bool{
			userPromptFor("Chapter", "", "", "bad one"): true,
			userPromptFor("Chapter", "", "", "bad two"): true,
		},
	}
	f := newFixture(t, []string{"bad one", "bad two"}, []string{domainjobs.AnalysisKindSummary}, tg)

	if err := f.processor.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job := f.jobState(t)
	if job.Status != domainjobs.BatchStatusFailed {
		t.Errorf("job status = %s, want failed", job.Status)
	}
	if job.Error == "" {
		t.Error("failed job should carry an error message")
	}
	if job.ProcessedUnits != job.TotalUnits {
		t.Errorf("processed_units = %d, want %d", job.ProcessedUnits, job.TotalUnits)
	}
}

func TestProcessorHonorsCancelRequest(t *testing.T) {
	tg := &scriptedTextgen{}
	f := newFixture(t, []string{"chunk a", "chunk b"}, []string{domainjobs.AnalysisKindSummary}, tg)

	f.store.mu.Lock()
	f.store.jobs[f.job.ID].CancelRequested = true
	f.store.mu.Unlock()

	if err := f.processor.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job := f.jobState(t)
	if job.Status != domainjobs.BatchStatusCancelled {
		t.Errorf("job status = %s, want cancelled", job.Status)
	}
	for _, c := range f.chunks {
		if got := f.chunkStatus(t, c.ID); got != domainprojects.ChunkStatusReady {
			t.Errorf("chunk %s status = %s, want ready after cancel", c.ID, got)
		}
	}
	if tg.calls != 0 {
		t.Errorf("textgen calls = %d, want 0 after pre-start cancel", tg.calls)
	}
}

func TestProcessorProgressIsMonotone(t *testing.T) {
	tg := &scriptedTextgen{}
	kinds := []string{domainjobs.AnalysisKindSummary, domainjobs.AnalysisKindKeyConcepts}
	f := newFixture(t, []string{"c1", "c2", "c3"}, kinds, tg)

	// One chunk at a time so the event order is deterministic.
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	serial := NewProcessor(log, ProcessorConfig{
		MaxParallelChunks: 1,
		RetryAttempts:     2,
		RetryBaseWait:     time.Millisecond,
		MaxErrorRate:      0.5,
	}, &fakeProjectRepo{f.store}, &fakeChunkRepo{f.store}, &fakeOutputRepo{f.store},
		&fakeJobRepo{f.store}, tg, services.NewEstimator(services.DefaultModelProfile()), f.notifier)

	if err := serial.Run(context.Background(), f.job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	f.notifier.mu.Lock()
	events := append([]BatchProgressEvent(nil), f.notifier.events...)
	f.notifier.mu.Unlock()
	if len(events) == 0 {
		t.Fatal("expected progress events")
	}
	prev := -1
	for i, e := range events {
		if e.ProcessedUnits < prev {
			t.Errorf("event %d: processed_units %d went backwards from %d", i, e.ProcessedUnits, prev)
		}
		prev = e.ProcessedUnits
	}
	last := events[len(events)-1]
	if last.ProcessedUnits != 6 || last.ProgressPercentage != 100 {
		t.Errorf("final event = %d units / %d%%, want 6 / 100", last.ProcessedUnits, last.ProgressPercentage)
	}
}

func TestTruncateErrorDetailKeepsRunesWhole(t *testing.T) {
	short := "upstream said no"
	if got := truncateErrorDetail(short); got != short {
		t.Errorf("short message changed: %q", got)
	}

	// 400 three-byte runes (1200 bytes); a byte-index cut at 1000 would land
	// mid-rune.
	long := strings.Repeat("€", 400)
	got := truncateErrorDetail(long)
	if len(got) > 1000 {
		t.Errorf("len = %d, want <= 1000", len(got))
	}
	if !utf8.ValidString(got) {
		t.Error("truncated message is not valid UTF-8")
	}
	if len(got) != 999 {
		t.Errorf("len = %d, want 999 (333 whole runes)", len(got))
	}
}
