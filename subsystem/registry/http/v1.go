package http

import (
	"net/http"

	"github.com/micromdm/nanorollout/subsystem/registry/storage"

	"github.com/micromdm/nanolib/log"
)

// Mux can register HTTP handlers.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the device registry API handlers into mux.
// API endpoint paths are prepended with prefix.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, s storage.Storage) {
	mux.Handle(
		prefix+"/devices",
		RetrieveDevices(s, logger.With("handler", "retrieve-devices")),
		"GET",
	)

	mux.Handle(
		prefix+"/devices/:id",
		StoreDevice(s, logger.With("handler", "store-device")),
		"PUT",
	)
}
