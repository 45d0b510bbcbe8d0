// Package channel defines the device command channel: commands sent to
// devices and the status reports devices send back.
//
// Transports (e.g. the HTTP gateway or Redis) implement Sender for the
// outbound direction and hand inbound reports to a Receiver. Delivery
// is at-least-once in both directions and there is no ordering across
// devices; commands carry a stable ID so that devices can ignore
// duplicates.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/micromdm/nanorollout/utils/uuid"
	"github.com/micromdm/nanorollout/workflow"
)

// CommandType is the kind of command sent to a device.
type CommandType string

const (
	// CommandUpdate instructs a device to download, verify and apply a
	// firmware binary.
	CommandUpdate CommandType = "update"

	// CommandRevert instructs a device to discard a downloaded binary
	// or revert to its previously running firmware.
	CommandRevert CommandType = "revert"
)

// ErrInvalidCommand is wrapped by all command validation errors.
// Sending an invalid command again will not make it valid.
var ErrInvalidCommand = errors.New("invalid command")

var (
	ErrEmptyCommand       = fmt.Errorf("%w: empty command", ErrInvalidCommand)
	ErrMissingCommandID   = fmt.Errorf("%w: missing command id", ErrInvalidCommand)
	ErrMissingDeviceID    = fmt.Errorf("%w: missing device id", ErrInvalidCommand)
	ErrMissingTenantID    = fmt.Errorf("%w: missing tenant id", ErrInvalidCommand)
	ErrInvalidCommandType = fmt.Errorf("%w: invalid command type", ErrInvalidCommand)
)

// Command is a command sent to a single device.
type Command struct {
	ID         string      `json:"command_id"`
	Type       CommandType `json:"type"`
	DeviceID   string      `json:"device_id"`
	TenantID   string      `json:"tenant_id"`
	WorkflowID string      `json:"workflow_id"`

	// firmware details; only for update commands.
	FirmwareID string `json:"firmware_id,omitempty"`
	Version    string `json:"version,omitempty"`
	Location   string `json:"location,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// Validate checks for missing values.
func (c *Command) Validate() error {
	if c == nil {
		return ErrEmptyCommand
	}
	if c.ID == "" {
		return ErrMissingCommandID
	}
	if c.DeviceID == "" {
		return ErrMissingDeviceID
	}
	if c.TenantID == "" {
		return ErrMissingTenantID
	}
	if c.Type != CommandUpdate && c.Type != CommandRevert {
		return ErrInvalidCommandType
	}
	return nil
}

// CommandID returns the stable command ID for a command type within a workflow.
// Re-sending a command (e.g. on retry) re-uses the same ID.
func CommandID(workflowID string, t CommandType) string {
	return uuid.Deterministic(workflowID + "/" + string(t))
}

// Sender sends commands to devices.
// Send returns once the transport accepted the command.
type Sender interface {
	Send(ctx context.Context, cmd *Command) error
}

// Receiver receives status reports from devices.
type Receiver interface {
	Receive(ctx context.Context, r *workflow.Report) error
}
