// Package http contains HTTP handlers for campaigns and workflows.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/micromdm/nanorollout/campaign"
	"github.com/micromdm/nanorollout/engine"
	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/http/api"
	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrInvalidID  = errors.New("invalid id")
	ErrNoManager  = errors.New("missing campaign manager")
	ErrNoReceiver = errors.New("missing report receiver")
)

type CampaignStarter interface {
	Start(ctx context.Context, req *campaign.Request) (string, error)
}

type CampaignStatuser interface {
	Status(ctx context.Context, id string) (*campaign.Aggregate, error)
}

type CampaignCanceller interface {
	Cancel(ctx context.Context, id string) (accepted bool, err error)
}

// errStatus maps known errors to HTTP status codes.
// Zero is returned for unknown errors.
func errStatus(err error) int {
	switch {
	case errors.Is(err, api.ErrInvalidRequest),
		errors.Is(err, workflow.ErrEmptyCampaign),
		errors.Is(err, workflow.ErrNoDevices),
		errors.Is(err, workflow.ErrEmptyReport),
		errors.Is(err, workflow.ErrMissingDeviceID),
		errors.Is(err, workflow.ErrInvalidReportStatus),
		errors.Is(err, campaign.ErrFirmwareNotFound),
		errors.Is(err, engine.ErrDeviceMismatch):
		return http.StatusBadRequest
	case errors.Is(err, campaign.ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, storage.ErrCampaignNotFound),
		errors.Is(err, storage.ErrWorkflowNotFound),
		errors.Is(err, engine.ErrNoActiveWorkflow):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrCampaignConflict),
		errors.Is(err, engine.ErrAmbiguousWorkflow):
		return http.StatusConflict
	}
	return 0
}

// StartCampaignHandler creates a HandlerFunc that starts a campaign.
func StartCampaignHandler(starter CampaignStarter, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if starter == nil {
			logger.Info(logkeys.Message, "starting campaign", logkeys.Error, ErrNoManager)
			api.JSONError(w, ErrNoManager, 0)
			return
		}

		req := new(campaign.Request)
		if err := api.Decode(r, req); err != nil {
			logger.Info(logkeys.Message, "decoding request", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		logger = logger.With(
			logkeys.TenantID, req.TenantID,
			logkeys.FirmwareID, req.FirmwareID,
			logkeys.FirstDeviceID, req.DeviceIDs[0],
			logkeys.GenericCount, len(req.DeviceIDs),
		)
		logger.Debug(logkeys.Message, "starting campaign")
		id, err := starter.Start(r.Context(), req)
		if err != nil {
			logger.Info(logkeys.Message, "starting campaign", logkeys.Error, err)
			api.JSONError(w, err, errStatus(err))
			return
		}

		jsonResp := &struct {
			CampaignID string `json:"campaign_id"`
		}{CampaignID: id}
		if err = api.JSON(w, jsonResp, http.StatusCreated); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// CampaignStatusHandler creates a HandlerFunc that returns the aggregate
// progress of a campaign.
func CampaignStatusHandler(statuser CampaignStatuser, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if statuser == nil {
			logger.Info(logkeys.Message, "campaign status", logkeys.Error, ErrNoManager)
			api.JSONError(w, ErrNoManager, 0)
			return
		}

		id := flow.Param(r.Context(), "id")
		if !api.ValidID(id) {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrInvalidID)
			api.JSONError(w, ErrInvalidID, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.CampaignID, id)

		a, err := statuser.Status(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "campaign status", logkeys.Error, err)
			api.JSONError(w, err, errStatus(err))
			return
		}
		logger.Debug(
			logkeys.Message, "campaign status",
			logkeys.State, a.Status,
		)
		if err = api.JSON(w, a, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// CancelCampaignHandler creates a HandlerFunc that cancels a campaign.
func CancelCampaignHandler(canceller CampaignCanceller, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if canceller == nil {
			logger.Info(logkeys.Message, "cancelling campaign", logkeys.Error, ErrNoManager)
			api.JSONError(w, ErrNoManager, 0)
			return
		}

		id := flow.Param(r.Context(), "id")
		if !api.ValidID(id) {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrInvalidID)
			api.JSONError(w, ErrInvalidID, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.CampaignID, id)

		accepted, err := canceller.Cancel(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "cancelling campaign", logkeys.Error, err)
			api.JSONError(w, err, errStatus(err))
			return
		}
		logger.Debug(
			logkeys.Message, "cancelling campaign",
			"accepted", accepted,
		)

		jsonResp := &struct {
			Accepted bool `json:"accepted"`
		}{Accepted: accepted}
		if err = api.JSON(w, jsonResp, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}
