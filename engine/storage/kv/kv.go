// Package kv implements a rollout engine storage backend using a key-value interface.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/utils/kv"
	"github.com/micromdm/nanorollout/workflow"
)

// KV is a rollout engine storage backend using a key-value interface.
// All conditional updates are serialized by a single lock which makes
// the expected-state checks of transitions atomic.
type KV struct {
	mu            sync.RWMutex
	workflowStore kv.KeysBucket
	indexStore    kv.Bucket
	campaignStore kv.Bucket
	reportStore   kv.Bucket
}

// New creates a new key-value rollout engine storage backend.
func New(workflowStore kv.KeysBucket, indexStore kv.Bucket, campaignStore kv.Bucket, reportStore kv.Bucket) *KV {
	return &KV{
		workflowStore: workflowStore,
		indexStore:    indexStore,
		campaignStore: campaignStore,
		reportStore:   reportStore,
	}
}

// CreateWorkflow implements the storage interface method.
func (s *KV) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) (*workflow.Workflow, bool, error) {
	if err := wf.Validate(); err != nil {
		return nil, false, fmt.Errorf("validating workflow: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := kvGetWorkflow(ctx, s.workflowStore, wf.ID)
	if err == nil {
		return existing, false, nil
	} else if !errors.Is(err, storage.ErrWorkflowNotFound) {
		return nil, false, err
	}
	stored := wf.Copy()
	if stored.Revision < 1 {
		stored.Revision = 1
	}
	if err = kv.SetJSON(ctx, s.workflowStore, stored.ID, stored); err != nil {
		return nil, false, err
	}
	if err = kvAddIndex(ctx, s.indexStore, keyPfxCampaign+stored.CampaignID, stored.ID); err != nil {
		return nil, false, fmt.Errorf("indexing campaign: %w", err)
	}
	if err = kvAddIndex(ctx, s.indexStore, keyPfxDevice+stored.DeviceID, stored.ID); err != nil {
		return nil, false, fmt.Errorf("indexing device: %w", err)
	}
	return stored.Copy(), true, nil
}

// RetrieveWorkflow implements the storage interface method.
func (s *KV) RetrieveWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return kvGetWorkflow(ctx, s.workflowStore, id)
}

// TransitionWorkflow implements the storage interface method.
func (s *KV) TransitionWorkflow(ctx context.Context, id string, t *workflow.Transition) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := kvGetWorkflow(ctx, s.workflowStore, id)
	if err != nil {
		return nil, err
	}
	if err = storage.CheckTransition(current, t); err != nil {
		return nil, err
	}
	next := t.Apply(current)
	if err = kv.SetJSON(ctx, s.workflowStore, next.ID, next); err != nil {
		return nil, err
	}
	return next.Copy(), nil
}

func (s *KV) workflowsByIndex(ctx context.Context, key string) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, err := kvGetIndex(ctx, s.indexStore, key)
	if err != nil {
		return nil, err
	}
	var ret []*workflow.Workflow
	for _, id := range ids {
		wf, err := kvGetWorkflow(ctx, s.workflowStore, id)
		if err != nil {
			return ret, err
		}
		ret = append(ret, wf)
	}
	return ret, nil
}

// RetrieveWorkflowsByCampaign implements the storage interface method.
func (s *KV) RetrieveWorkflowsByCampaign(ctx context.Context, campaignID string) ([]*workflow.Workflow, error) {
	return s.workflowsByIndex(ctx, keyPfxCampaign+campaignID)
}

// RetrieveWorkflowsByDevice implements the storage interface method.
func (s *KV) RetrieveWorkflowsByDevice(ctx context.Context, deviceID string) ([]*workflow.Workflow, error) {
	return s.workflowsByIndex(ctx, keyPfxDevice+deviceID)
}

// RetrieveActiveWorkflows implements the storage interface method.
func (s *KV) RetrieveActiveWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// drain the keys before reading to not hold the bucket's traversal open
	ids, err := kv.PrefixKeys(ctx, s.workflowStore, "")
	if err != nil {
		return nil, err
	}
	var ret []*workflow.Workflow
	for _, id := range ids {
		wf, err := kvGetWorkflow(ctx, s.workflowStore, id)
		if err != nil {
			return ret, err
		}
		if !wf.State.Terminal() {
			ret = append(ret, wf)
		}
	}
	return ret, nil
}

// CreateCampaign implements the storage interface method.
func (s *KV) CreateCampaign(ctx context.Context, c *workflow.Campaign) (*workflow.Campaign, bool, error) {
	if err := c.Validate(); err != nil {
		return nil, false, fmt.Errorf("validating campaign: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := kvGetCampaign(ctx, s.campaignStore, c.ID)
	if err == nil {
		return existing, false, nil
	} else if !errors.Is(err, storage.ErrCampaignNotFound) {
		return nil, false, err
	}
	if err = kv.SetJSON(ctx, s.campaignStore, c.ID, c); err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// RetrieveCampaign implements the storage interface method.
func (s *KV) RetrieveCampaign(ctx context.Context, id string) (*workflow.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return kvGetCampaign(ctx, s.campaignStore, id)
}

// UpdateCampaignStatus implements the storage interface method.
func (s *KV) UpdateCampaignStatus(ctx context.Context, id string, from, to workflow.CampaignStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := kvGetCampaign(ctx, s.campaignStore, id)
	if err != nil {
		return false, err
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	return true, kv.SetJSON(ctx, s.campaignStore, c.ID, c)
}

// StoreReport implements the storage interface method.
func (s *KV) StoreReport(ctx context.Context, r *workflow.Report) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("validating report: %w", err)
	}
	if r.WorkflowID == "" {
		return fmt.Errorf("validating report: %w", workflow.ErrMissingID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return kv.SetJSON(ctx, s.reportStore, reportKey(r.WorkflowID, r.Status), r)
}

// RetrieveReports implements the storage interface method.
func (s *KV) RetrieveReports(ctx context.Context, workflowID string) (workflow.Reports, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return kvGetReports(ctx, s.reportStore, workflowID)
}
