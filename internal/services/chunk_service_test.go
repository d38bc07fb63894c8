package services

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	domainprojects "github.com/atenova/sintesi/internal/domain/projects"
	"github.com/atenova/sintesi/internal/platform/apierr"
)

func newChunkService(e *svcEnv) ChunkService {
	return NewChunkService(e.tx, e.log, e.projects, e.chunks)
}

func TestChunkCreateCountsContent(t *testing.T) {
	e := newSvcEnv(t)
	svc := newChunkService(e)
	project := e.seedProject(t)

	chunk, err := svc.Create(e.ctx, project.ID, CreateChunkInput{
		Title:   "Chapter 1",
		Content: "three little words",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if chunk.Status != domainprojects.ChunkStatusDraft {
		t.Errorf("status = %s, want draft", chunk.Status)
	}
	if chunk.CharCount != len("three little words") {
		t.Errorf("char_count = %d, want %d", chunk.CharCount, len("three little words"))
	}
	if chunk.WordCount != 3 {
		t.Errorf("word_count = %d, want 3", chunk.WordCount)
	}
	if chunk.OrderIndex != 1 {
		t.Errorf("order_index = %d, want 1", chunk.OrderIndex)
	}
}

func TestChunkCreateRejectsOversizedContent(t *testing.T) {
	e := newSvcEnv(t)
	svc := newChunkService(e)
	project := e.seedProject(t)

	_, err := svc.Create(e.ctx, project.ID, CreateChunkInput{
		Title:   "Too big",
		Content: strings.Repeat("x", domainprojects.MaxChunkContentChars+1),
	})
	if apierr.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 for oversized content", err)
	}
}

func TestChunkUpdateConflictsOutsideEditableStates(t *testing.T) {
	e := newSvcEnv(t)
	svc := newChunkService(e)
	project := e.seedProject(t)
	chunk := e.seedChunk(t, project, "locked", domainprojects.ChunkStatusProcessing)

	title := "new title"
	_, err := svc.Update(e.ctx, chunk.ID, UpdateChunkInput{Title: &title})
	if apierr.StatusCode(err) != http.StatusConflict {
		t.Fatalf("err = %v, want 409 while processing", err)
	}
}

func TestChunkDeleteBlockedWhileQueued(t *testing.T) {
	e := newSvcEnv(t)
	svc := newChunkService(e)
	project := e.seedProject(t)
	chunk := e.seedChunk(t, project, "queued", domainprojects.ChunkStatusQueued)

	err := svc.Delete(e.ctx, chunk.ID)
	if apierr.StatusCode(err) != http.StatusConflict {
		t.Fatalf("err = %v, want 409 for queued chunk", err)
	}
	if got := e.chunkStatus(t, chunk.ID); got != domainprojects.ChunkStatusQueued {
		t.Errorf("chunk status = %s, want queued (untouched)", got)
	}
}

func TestChunkReopenClearsError(t *testing.T) {
	e := newSvcEnv(t)
	svc := newChunkService(e)
	project := e.seedProject(t)
	chunk := e.seedChunk(t, project, "failed", domainprojects.ChunkStatusError)
	if err := e.chunks.UpdateFields(e.ctx, e.tx, chunk.ID, map[string]interface{}{
		"last_error":   "boom",
		"processed_at": time.Now().UTC(),
	}); err != nil {
		t.Fatalf("set failure fields: %v", err)
	}

	reopened, err := svc.Reopen(e.ctx, chunk.ID)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != domainprojects.ChunkStatusDraft {
		t.Errorf("status = %s, want draft", reopened.Status)
	}
	fresh, err := e.chunks.GetByID(e.ctx, e.tx, chunk.ID)
	if err != nil || fresh == nil {
		t.Fatalf("load chunk: %v", err)
	}
	if fresh.LastError != "" {
		t.Errorf("last_error = %q, want cleared", fresh.LastError)
	}
	if fresh.ProcessedAt != nil {
		t.Errorf("processed_at = %v, want cleared", fresh.ProcessedAt)
	}
}

func TestBulkUpdateStatusIsAllOrNothing(t *testing.T) {
	e := newSvcEnv(t)
	svc := newChunkService(e)
	project := e.seedProject(t)
	good := e.seedChunk(t, project, "good", domainprojects.ChunkStatusDraft)
	bad := e.seedChunk(t, project, "bad", domainprojects.ChunkStatusQueued)

	_, err := svc.BulkUpdateStatus(e.ctx, []uuid.UUID{good.ID, bad.ID}, domainprojects.ChunkStatusReady)
	if apierr.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 when one transition is illegal", err)
	}
	if got := e.chunkStatus(t, good.ID); got != domainprojects.ChunkStatusDraft {
		t.Errorf("good chunk status = %s, want draft (rolled back)", got)
	}
	if got := e.chunkStatus(t, bad.ID); got != domainprojects.ChunkStatusQueued {
		t.Errorf("bad chunk status = %s, want queued (untouched)", got)
	}
}

func TestBulkUpdateStatusMovesAllWhenLegal(t *testing.T) {
	e := newSvcEnv(t)
	svc := newChunkService(e)
	project := e.seedProject(t)
	a := e.seedChunk(t, project, "a", domainprojects.ChunkStatusDraft)
	b := e.seedChunk(t, project, "b", domainprojects.ChunkStatusDraft)

	updated, err := svc.BulkUpdateStatus(e.ctx, []uuid.UUID{a.ID, b.ID}, domainprojects.ChunkStatusReady)
	if err != nil {
		t.Fatalf("bulk update: %v", err)
	}
	if len(updated) != 2 {
		t.Fatalf("got %d chunks back, want 2", len(updated))
	}
	for _, c := range updated {
		if c.Status != domainprojects.ChunkStatusReady {
			t.Errorf("chunk %s status = %s, want ready", c.ID, c.Status)
		}
	}
}
