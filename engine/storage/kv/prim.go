package kv

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/utils/kv"
	"github.com/micromdm/nanorollout/workflow"
)

const (
	// index bucket
	keyPfxCampaign = "campaign." // campaign ID to workflow IDs
	keyPfxDevice   = "device."   // device ID to workflow IDs

	// report bucket
	keySfxReport = ".report." // followed by the report status
)

func kvGetWorkflow(ctx context.Context, b kv.Bucket, id string) (*workflow.Workflow, error) {
	wf := new(workflow.Workflow)
	err := kv.GetJSON(ctx, b, id, wf)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrWorkflowNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("getting workflow: %w", err)
	}
	return wf, nil
}

// kvGetIndex returns the workflow IDs stored at key.
// A missing key is an empty index.
func kvGetIndex(ctx context.Context, b kv.Bucket, key string) ([]string, error) {
	var ids []string
	err := kv.GetJSON(ctx, b, key, &ids)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("getting index: %w", err)
	}
	return ids, nil
}

// kvAddIndex appends id to the index at key if not already present.
func kvAddIndex(ctx context.Context, b kv.Bucket, key, id string) error {
	ids, err := kvGetIndex(ctx, b, key)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	return kv.SetJSON(ctx, b, key, append(ids, id))
}

func kvGetCampaign(ctx context.Context, b kv.Bucket, id string) (*workflow.Campaign, error) {
	c := new(workflow.Campaign)
	err := kv.GetJSON(ctx, b, id, c)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrCampaignNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("getting campaign: %w", err)
	}
	return c, nil
}

func reportKey(workflowID string, status workflow.ReportStatus) string {
	return workflowID + keySfxReport + string(status)
}

func kvGetReports(ctx context.Context, b kv.Bucket, workflowID string) (workflow.Reports, error) {
	reports := make(workflow.Reports)
	for _, status := range workflow.ReportStatuses {
		r := new(workflow.Report)
		err := kv.GetJSON(ctx, b, reportKey(workflowID, status), r)
		if errors.Is(err, kv.ErrKeyNotFound) {
			continue
		} else if err != nil {
			return reports, fmt.Errorf("getting report: %w", err)
		}
		reports[status] = r
	}
	return reports, nil
}
