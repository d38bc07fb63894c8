package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/atenova/sintesi/internal/domain"
	"github.com/atenova/sintesi/internal/platform/apierr"
	"github.com/atenova/sintesi/internal/platform/logger"
	"github.com/atenova/sintesi/internal/services"
)

type ProjectHandler struct {
	log       *logger.Logger
	projects  services.ProjectService
	finalizer services.FinalizerService
}

func NewProjectHandler(log *logger.Logger, projects services.ProjectService, finalizer services.FinalizerService) *ProjectHandler {
	return &ProjectHandler{
		log:       log.With("handler", "ProjectHandler"),
		projects:  projects,
		finalizer: finalizer,
	}
}

func (h *ProjectHandler) Create(c *gin.Context) {
	var in services.CreateProjectInput
	if err := c.ShouldBindJSON(&in); err != nil {
		RespondError(c, h.log, apierr.Validation("invalid request body: %v", err))
		return
	}
	project, err := h.projects.Create(c.Request.Context(), in)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusCreated, project)
}

type projectDetailResponse struct {
	Project *types.Project `json:"project"`
	Chunks  []*types.Chunk `json:"chunks"`
}

func (h *ProjectHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	project, chunks, err := h.projects.GetForRequestUser(c.Request.Context(), id)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusOK, projectDetailResponse{Project: project, Chunks: chunks})
}

func (h *ProjectHandler) Cancel(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	project, err := h.projects.Cancel(c.Request.Context(), id)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusOK, project)
}

func (h *ProjectHandler) Finalize(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	artifact, err := h.finalizer.Finalize(c.Request.Context(), id)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusCreated, artifact)
}

func (h *ProjectHandler) GetArtifact(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	artifact, err := h.projects.GetArtifact(c.Request.Context(), id)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, http.StatusOK, artifact)
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apierr.Validation("%s is not a valid uuid", name)
	}
	return id, nil
}
