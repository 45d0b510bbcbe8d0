package engine

import (
	"context"

	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/micromdm/nanolib/log"
)

// RegisterSettler associates s with the engine.
// Registered settlers are notified of every workflow reaching a terminal state.
func (e *Engine) RegisterSettler(s Settler) {
	if s == nil {
		return
	}
	e.settlersMu.Lock()
	defer e.settlersMu.Unlock()
	e.settlers = append(e.settlers, s)
	e.logger.Debug(logkeys.Message, "registered settler", logkeys.GenericCount, len(e.settlers))
}

// settled notifies the registered settlers that wf is terminal.
// Errors are logged and otherwise ignored: the workflow is already settled.
func (e *Engine) settled(ctx context.Context, logger log.Logger, wf *workflow.Workflow) {
	e.settlersMu.RLock()
	defer e.settlersMu.RUnlock()
	for _, s := range e.settlers {
		if err := s.WorkflowSettled(ctx, wf); err != nil {
			logger.Info(
				logkeys.Message, "workflow settled",
				logkeys.CampaignID, wf.CampaignID,
				logkeys.Error, err,
			)
		}
	}
}
