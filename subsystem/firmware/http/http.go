// Package http provides HTTP handlers for the firmware catalog subsystem.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/micromdm/nanorollout/http/api"
	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/subsystem/firmware/storage"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrEmptyID      = errors.New("empty firmware id")
	ErrInvalidID    = errors.New("invalid firmware id")
	ErrMismatchedID = errors.New("firmware id in body does not match path")
)

func errStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrFirmwareNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrFirmwareExists):
		return http.StatusConflict
	}
	return 0
}

// GetFirmwareListHandler returns an HTTP handler that returns all firmware.
func GetFirmwareListHandler(store storage.ReadStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		list, err := store.RetrieveFirmwareList(r.Context())
		if err != nil {
			logger.Info(logkeys.Message, "retrieve firmware list", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		if list == nil {
			list = []*storage.Firmware{}
		}
		logger.Debug(logkeys.Message, "retrieve firmware list", logkeys.GenericCount, len(list))
		if err = api.JSON(w, list, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json", logkeys.Error, err)
		}
	}
}

// GetFirmwareHandler returns an HTTP handler that returns a single firmware.
func GetFirmwareHandler(store storage.ReadStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		if id == "" {
			logger.Info(logkeys.Message, "id check", logkeys.Error, ErrEmptyID)
			api.JSONError(w, ErrEmptyID, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.FirmwareID, id)
		f, err := store.RetrieveFirmware(r.Context(), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieve firmware", logkeys.Error, err)
			api.JSONError(w, err, errStatus(err))
			return
		}
		if err = api.JSON(w, f, 0); err != nil {
			logger.Info(logkeys.Message, "encoding json", logkeys.Error, err)
		}
	}
}

// StoreFirmwareHandler returns an HTTP handler that registers a firmware version.
// Firmware is immutable: re-registering different contents is a conflict.
func StoreFirmwareHandler(store storage.Storage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		if !api.ValidID(id) {
			logger.Info(logkeys.Message, "id check", logkeys.Error, ErrInvalidID)
			api.JSONError(w, ErrInvalidID, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.FirmwareID, id)
		f := new(storage.Firmware)
		if err := json.NewDecoder(r.Body).Decode(f); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if f.ID == "" {
			// the ID is optional in the body
			f.ID = id
		} else if f.ID != id {
			logger.Info(logkeys.Message, "id check", logkeys.Error, ErrMismatchedID)
			api.JSONError(w, ErrMismatchedID, http.StatusBadRequest)
			return
		}
		if err := f.Validate(); err != nil {
			logger.Info(logkeys.Message, "validating firmware", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		if err := store.StoreFirmware(r.Context(), f); err != nil {
			logger.Info(logkeys.Message, "store firmware", logkeys.Error, err)
			api.JSONError(w, err, errStatus(err))
			return
		}
		logger.Debug(
			logkeys.Message, "store firmware",
			"version", f.Version,
		)
		w.WriteHeader(http.StatusNoContent)
	}
}
