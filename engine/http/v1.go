package http

import (
	"net/http"

	"github.com/micromdm/nanorollout/engine/storage"
	"github.com/micromdm/nanolib/log"
)

type CampaignManager interface {
	CampaignStarter
	CampaignStatuser
	CampaignCanceller
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication or any other layered handlers are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// If prefix is empty and these handlers are used in sub-paths then
// handlers should have that sub-path stripped from the request.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, m CampaignManager, s storage.ReadWorkflowStorage, recv ReportReceiver) {
	// campaigns

	mux.Handle(
		prefix+"/campaigns",
		StartCampaignHandler(m, logger.With("handler", "start campaign")),
		"POST",
	)
	mux.Handle(
		prefix+"/campaigns/:id",
		CampaignStatusHandler(m, logger.With("handler", "campaign status")),
		"GET",
	)
	mux.Handle(
		prefix+"/campaigns/:id/cancel",
		CancelCampaignHandler(m, logger.With("handler", "cancel campaign")),
		"POST",
	)

	// workflows

	mux.Handle(
		prefix+"/workflows/:id",
		GetWorkflowHandler(s, logger.With("handler", "get workflow")),
		"GET",
	)
	mux.Handle(
		prefix+"/devices/:id/workflows",
		GetDeviceWorkflowsHandler(s, logger.With("handler", "get device workflows")),
		"GET",
	)

	// device reports

	mux.Handle(
		prefix+"/reports",
		ReportHandler(recv, logger.With("handler", "report")),
		"POST",
	)
}
