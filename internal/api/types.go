package api

import (
	"github.com/swiss-seismological-service/sed-oq-engine/internal/runstore"
	"github.com/swiss-seismological-service/sed-oq-engine/pkg/types"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// RunSummary 列表中的一筆 run
type RunSummary struct {
	ID          types.RunID    `json:"id"`
	Calculation string         `json:"calculation"`
	State       types.RunState `json:"state"`
	Phase       string         `json:"phase,omitempty"` // 目前或最後到達的階段
	Error       string         `json:"error,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// QueueStatus is the admission queue of the serving process.
type QueueStatus struct {
	Active  *types.RunID  `json:"active,omitempty"`
	Waiting []types.RunID `json:"waiting"`
}

type RunListResponse struct {
	Runs  []RunSummary `json:"runs"`
	Queue *QueueStatus `json:"queue,omitempty"`
}

type RunResponse struct {
	Run    *runstore.Run    `json:"run"`
	Output *runstore.Output `json:"output,omitempty"`
}

func summarize(r *runstore.Run) RunSummary {
	s := RunSummary{
		ID:          r.ID,
		Calculation: r.Calculation,
		State:       r.State,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	for _, p := range r.Phases {
		if p.State == types.PhasePending {
			break
		}
		s.Phase = p.Name
	}
	return s
}
