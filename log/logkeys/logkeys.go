// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	DeviceID   = "device_id"
	TenantID   = "tenant_id"
	FirmwareID = "firmware_id"

	// in cases where we might need to log multiple device IDs but only
	// want to log the first (to avoid massive lists in logs).
	FirstDeviceID = "device_id_first"

	CampaignID = "campaign_id"
	WorkflowID = "workflow_id"

	State     = "state"
	FromState = "from_state"
	Activity  = "activity"
	Attempt   = "attempt"

	// the reason a workflow was woken up for evaluation
	WakeReason = "reason"

	ReportStatus = "report_status"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
