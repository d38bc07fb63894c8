package domain

import (
	"github.com/atenova/sintesi/internal/domain/jobs"
	"github.com/atenova/sintesi/internal/domain/projects"
)

type Project = projects.Project
type Chunk = projects.Chunk
type ChunkOutput = projects.ChunkOutput
type FinalArtifact = projects.FinalArtifact
type BatchJob = jobs.BatchJob
