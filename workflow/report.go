package workflow

import (
	"errors"
	"time"
)

// ReportStatus is the status a device reports about an update.
type ReportStatus string

const (
	ReportDownloading      ReportStatus = "downloading"
	ReportDownloaded       ReportStatus = "downloaded"
	ReportChecksumMismatch ReportStatus = "checksum_mismatch"
	ReportApplying         ReportStatus = "applying"
	ReportApplied          ReportStatus = "applied"
	ReportApplyFailed      ReportStatus = "apply_failed"
	ReportRolledBack       ReportStatus = "rolled_back"
)

// ReportStatuses are all known report statuses.
var ReportStatuses = []ReportStatus{
	ReportDownloading,
	ReportDownloaded,
	ReportChecksumMismatch,
	ReportApplying,
	ReportApplied,
	ReportApplyFailed,
	ReportRolledBack,
}

var (
	ErrEmptyReport         = errors.New("empty report")
	ErrInvalidReportStatus = errors.New("invalid report status")
)

// Valid returns true if s is a known report status.
func (s ReportStatus) Valid() bool {
	for _, v := range ReportStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Report is a status report received from a device.
type Report struct {
	WorkflowID string       `json:"workflow_id,omitempty"`
	DeviceID   string       `json:"device_id"`
	Status     ReportStatus `json:"status"`
	// Checksum is the checksum the device computed over the downloaded binary.
	Checksum   string    `json:"checksum,omitempty"`
	Message    string    `json:"message,omitempty"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Validate checks for missing values.
func (r *Report) Validate() error {
	if r == nil {
		return ErrEmptyReport
	}
	if r.DeviceID == "" {
		return ErrMissingDeviceID
	}
	if !r.Status.Valid() {
		return ErrInvalidReportStatus
	}
	return nil
}

// Reports are the reports received for a single workflow by status.
// Only the most recent report of each status is kept.
type Reports map[ReportStatus]*Report

// Has returns true if a report with status s was received.
func (r Reports) Has(s ReportStatus) bool {
	_, ok := r[s]
	return ok
}
