// Package http contains HTTP handlers for working with the device registry subsystem.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/micromdm/nanorollout/http/api"
	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/subsystem/registry/storage"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrNoIDs        = errors.New("no IDs provided")
	ErrInvalidID    = errors.New("invalid device id")
	ErrMismatchedID = errors.New("device id in body does not match path")
)

func errStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrTenantImmutable):
		return http.StatusConflict
	case errors.Is(err, storage.ErrMissingTenantID):
		return http.StatusBadRequest
	}
	return 0
}

// RetrieveDevices returns an HTTP handler that retrieves registered devices by ID.
func RetrieveDevices(store storage.ReadStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		ids := r.URL.Query()["id"]
		if len(ids) < 1 {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrNoIDs)
			api.JSONError(w, ErrNoIDs, http.StatusBadRequest)
			return
		}

		logger = logger.With(
			logkeys.FirstDeviceID, ids[0],
			logkeys.GenericCount, len(ids),
		)
		devices, err := store.RetrieveDevices(r.Context(), &storage.SearchOptions{IDs: ids})
		if err != nil {
			logger.Info(logkeys.Message, "retrieve devices", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		logger.Debug(
			logkeys.Message, "retrieved devices",
		)
		if err = api.JSON(w, devices, 0); err != nil {
			logger.Info(logkeys.Message, "encode response", logkeys.Error, err)
		}
	}
}

// StoreDevice returns an HTTP handler that registers or updates a device.
func StoreDevice(store storage.Storage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		if !api.ValidID(id) {
			logger.Info(logkeys.Message, "id check", logkeys.Error, ErrInvalidID)
			api.JSONError(w, ErrInvalidID, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.DeviceID, id)

		d := new(storage.Device)
		if err := json.NewDecoder(r.Body).Decode(d); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if d.ID == "" {
			d.ID = id
		} else if d.ID != id {
			logger.Info(logkeys.Message, "id check", logkeys.Error, ErrMismatchedID)
			api.JSONError(w, ErrMismatchedID, http.StatusBadRequest)
			return
		}

		if err := store.StoreDevice(r.Context(), d); err != nil {
			logger.Info(logkeys.Message, "store device", logkeys.Error, err)
			api.JSONError(w, err, errStatus(err))
			return
		}
		logger.Debug(
			logkeys.Message, "stored device",
			logkeys.TenantID, d.TenantID,
		)
		w.WriteHeader(http.StatusNoContent)
	}
}
