package http

import (
	"context"
	"net/http"
	"time"

	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanorollout/http/api"
	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

type ReportReceiver interface {
	Receive(ctx context.Context, r *workflow.Report) error
}

// GetWorkflowHandler returns JSON of a single workflow.
func GetWorkflowHandler(store storage.ReadWorkflowStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		if !api.ValidID(id) {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrInvalidID)
			api.JSONError(w, ErrInvalidID, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.WorkflowID, id)

		wf, err := store.RetrieveWorkflow(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieve workflow", logkeys.Error, err)
			api.JSONError(w, err, errStatus(err))
			return
		}
		logger.Debug(logkeys.Message, "retrieved workflow")
		if err = api.JSON(w, wf, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// GetDeviceWorkflowsHandler returns JSON of all workflows of a device.
func GetDeviceWorkflowsHandler(store storage.ReadWorkflowStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		if !api.ValidID(id) {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrInvalidID)
			api.JSONError(w, ErrInvalidID, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.DeviceID, id)

		wfs, err := store.RetrieveWorkflowsByDevice(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieve workflows", logkeys.Error, err)
			api.JSONError(w, err, errStatus(err))
			return
		}
		if wfs == nil {
			wfs = []*workflow.Workflow{}
		}
		logger.Debug(
			logkeys.Message, "retrieved workflows",
			logkeys.GenericCount, len(wfs),
		)
		if err = api.JSON(w, wfs, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ReportHandler accepts a device report posted directly as JSON.
func ReportHandler(recv ReportReceiver, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if recv == nil {
			logger.Info(logkeys.Message, "receive report", logkeys.Error, ErrNoReceiver)
			api.JSONError(w, ErrNoReceiver, 0)
			return
		}

		report := new(workflow.Report)
		if err := api.Decode(r, report); err != nil {
			logger.Info(logkeys.Message, "decoding request", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		// the receiver stamps reports as they arrive
		report.ReceivedAt = time.Time{}
		logger = logger.With(
			logkeys.DeviceID, report.DeviceID,
			logkeys.ReportStatus, report.Status,
		)

		if err := recv.Receive(r.Context(), report); err != nil {
			logger.Info(logkeys.Message, "receive report", logkeys.Error, err)
			api.JSONError(w, err, errStatus(err))
			return
		}
		logger.Debug(logkeys.Message, "received report")
		w.WriteHeader(http.StatusAccepted)
	}
}
