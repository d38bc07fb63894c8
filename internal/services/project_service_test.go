package services

import (
	"net/http"
	"testing"

	"github.com/google/uuid"

	domainjobs "github.com/atenova/sintesi/internal/domain/jobs"
	domainprojects "github.com/atenova/sintesi/internal/domain/projects"
	"github.com/atenova/sintesi/internal/platform/apierr"
)

func newProjectService(e *svcEnv) ProjectService {
	return NewProjectService(e.tx, e.log, e.projects, e.chunks, e.artifacts, e.jobs)
}

func TestProjectCreateRequiresTitle(t *testing.T) {
	e := newSvcEnv(t)
	svc := newProjectService(e)

	_, err := svc.Create(e.ctx, CreateProjectInput{Title: "   "})
	if apierr.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400", err)
	}

	project, err := svc.Create(e.ctx, CreateProjectInput{Title: "Organic Chemistry"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if project.Status != domainprojects.ProjectStatusActive {
		t.Errorf("status = %s, want active", project.Status)
	}
	if project.OwnerUserID != e.owner {
		t.Errorf("owner = %s, want %s", project.OwnerUserID, e.owner)
	}
}

func TestProjectGetHiddenFromOtherUsers(t *testing.T) {
	e := newSvcEnv(t)
	project := e.seedProject(t)

	stranger := newSvcEnvSameDB(t, e)
	_, _, err := newProjectService(stranger).GetForRequestUser(stranger.ctx, project.ID)
	if apierr.StatusCode(err) != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 for foreign principal", err)
	}

	got, chunks, err := newProjectService(e).GetForRequestUser(e.ctx, project.ID)
	if err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if got.ID != project.ID || len(chunks) != 0 {
		t.Errorf("got (%s, %d chunks), want (%s, 0 chunks)", got.ID, len(chunks), project.ID)
	}
}

func TestProjectCancelBlockedByActiveBatch(t *testing.T) {
	e := newSvcEnv(t)
	svc := newProjectService(e)
	project := e.seedProject(t)
	chunk := e.seedChunk(t, project, "a", domainprojects.ChunkStatusReady)

	batch := newBatchService(e)
	result, err := batch.Intake(e.ctx, project.ID, IntakeInput{
		ChunkIDs:      []uuid.UUID{chunk.ID},
		AnalysisKinds: []string{domainjobs.AnalysisKindSummary},
	})
	if err != nil {
		t.Fatalf("intake: %v", err)
	}

	_, err = svc.Cancel(e.ctx, project.ID)
	if apierr.StatusCode(err) != http.StatusConflict {
		t.Fatalf("err = %v, want 409 while a batch job is active", err)
	}

	if _, err := batch.Cancel(e.ctx, result.BatchJobID); err != nil {
		t.Fatalf("cancel batch: %v", err)
	}
	cancelled, err := svc.Cancel(e.ctx, project.ID)
	if err != nil {
		t.Fatalf("cancel project: %v", err)
	}
	if cancelled.Status != domainprojects.ProjectStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
}
