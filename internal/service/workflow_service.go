package service

import (
	"context"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/engine"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
)

// WorkflowService exposes the workflow checkpoint operations to the HTTP
// layer.
type WorkflowService struct {
	manager *engine.WorkflowManager
}

func NewWorkflowService(manager *engine.WorkflowManager) *WorkflowService {
	return &WorkflowService{manager: manager}
}

func (s *WorkflowService) Get(ctx context.Context, jobID string) (*model.WorkflowState, error) {
	return s.manager.Get(ctx, jobID)
}

func (s *WorkflowService) Save(ctx context.Context, jobID string, req *model.SaveWorkflowRequest) (*model.WorkflowState, error) {
	return s.manager.Save(ctx, jobID, req)
}

func (s *WorkflowService) RecordChunk(ctx context.Context, jobID string, req *model.RecordWorkflowChunkRequest) (*model.WorkflowState, error) {
	return s.manager.RecordChunk(ctx, jobID, req)
}

func (s *WorkflowService) Advance(ctx context.Context, jobID string, step model.WorkflowStep) (*model.WorkflowState, error) {
	return s.manager.Advance(ctx, jobID, step)
}

func (s *WorkflowService) RetryFailed(ctx context.Context, jobID string, step model.WorkflowStep) (*model.WorkflowState, error) {
	return s.manager.RetryFailed(ctx, jobID, step)
}

func (s *WorkflowService) Remaining(ctx context.Context, jobID string, step model.WorkflowStep) (*model.WorkflowRemainingResponse, error) {
	return s.manager.Remaining(ctx, jobID, step)
}
