package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/micromdm/nanorollout/channel"
	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// TopicReport is the webhook topic for device status reports.
const TopicReport = "device.Report"

type Event struct {
	Topic     string    `json:"topic"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`

	ReportEvent *ReportEvent `json:"report_event,omitempty"`
}

type ReportEvent struct {
	DeviceID   string `json:"device_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	CommandID  string `json:"command_id,omitempty"`
	Status     string `json:"status"`
	Checksum   string `json:"checksum,omitempty"`
	Message    string `json:"message,omitempty"`
}

var ErrEmptyReportEvent = errors.New("empty report event")

// report converts the event into a workflow report.
func (e *Event) report() (*workflow.Report, error) {
	if e.ReportEvent == nil {
		return nil, ErrEmptyReportEvent
	}
	r := &workflow.Report{
		WorkflowID: e.ReportEvent.WorkflowID,
		DeviceID:   e.ReportEvent.DeviceID,
		Status:     workflow.ReportStatus(e.ReportEvent.Status),
		Checksum:   e.ReportEvent.Checksum,
		Message:    e.ReportEvent.Message,
		ReceivedAt: e.CreatedAt,
	}
	return r, r.Validate()
}

// WebhookHandler parses the gateway webhook callback for hand-off for further processing.
func WebhookHandler(recv channel.Receiver, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		event := new(Event)
		if err := json.NewDecoder(r.Body).Decode(event); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		logger = logger.With(logsFromEvent(event)...)

		if event.Topic != TopicReport {
			// other topics are not interesting to us
			logger.Debug(logkeys.Message, "ignoring webhook event")
			return
		}

		report, err := event.report()
		if err != nil {
			logger.Info(logkeys.Message, "converting report event", logkeys.Error, err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		if err = recv.Receive(r.Context(), report); err != nil {
			logger.Info(logkeys.Message, "receive report", logkeys.Error, err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		logger.Debug(logkeys.Message, "webhook event")
	}
}

func appendIfNotEmpty(slice *[]interface{}, key, value string) {
	if value != "" {
		*slice = append(*slice, key, value)
	}
}

func logsFromEvent(e *Event) (logs []interface{}) {
	if e == nil {
		return
	}
	logs = []interface{}{"topic", e.Topic}
	if e.ReportEvent != nil {
		appendIfNotEmpty(&logs, logkeys.DeviceID, e.ReportEvent.DeviceID)
		appendIfNotEmpty(&logs, logkeys.WorkflowID, e.ReportEvent.WorkflowID)
		appendIfNotEmpty(&logs, logkeys.ReportStatus, e.ReportEvent.Status)
		appendIfNotEmpty(&logs, "command_id", e.ReportEvent.CommandID)
	}
	return
}
