// Package redis implements a device command channel using Redis pub/sub.
//
// Each command is stored under a per-device key (so a device that
// reconnects can pick up its latest command) and published on the
// device's command channel. Devices publish status reports on a single
// shared reports channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/micromdm/nanorollout/channel"
	"github.com/micromdm/nanorollout/log/logkeys"
	"github.com/micromdm/nanorollout/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix     = "nanorollout"
	DefaultCommandTTL = 24 * time.Hour
)

// ErrNoSubscriber is returned when no device is listening on the device's command channel.
var ErrNoSubscriber = errors.New("no subscriber for device command channel")

// sendScript stores the command for later pick-up and publishes it.
// Returns the number of subscribers that received the message.
var sendScript = redis.NewScript(`
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return redis.call("PUBLISH", KEYS[2], ARGV[1])
`)

// Channel sends commands and receives reports over Redis.
type Channel struct {
	client redis.UniversalClient
	logger log.Logger

	prefix        string
	commandTTL    time.Duration
	reqSubscriber bool
}

// Option configures the channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// WithPrefix sets the prefix of all keys and channel names.
func WithPrefix(prefix string) Option {
	return func(c *Channel) {
		c.prefix = prefix
	}
}

// WithCommandTTL sets how long a stored command is kept for pick-up.
func WithCommandTTL(ttl time.Duration) Option {
	return func(c *Channel) {
		c.commandTTL = ttl
	}
}

// WithoutSubscriberCheck accepts commands even when the device is not
// currently subscribed. The device is expected to pick up the stored
// command when it reconnects.
func WithoutSubscriberCheck() Option {
	return func(c *Channel) {
		c.reqSubscriber = false
	}
}

// New creates a new Redis channel using client.
func New(client redis.UniversalClient, opts ...Option) *Channel {
	c := &Channel{
		client:        client,
		logger:        log.NopLogger,
		prefix:        DefaultPrefix,
		commandTTL:    DefaultCommandTTL,
		reqSubscriber: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient creates a Redis client for addr.
func NewClient(addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), nil
}

func (c *Channel) commandKey(deviceID string) string {
	return c.prefix + ":device:" + deviceID + ":command"
}

func (c *Channel) commandChannel(deviceID string) string {
	return c.prefix + ".commands." + deviceID
}

func (c *Channel) reportChannel() string {
	return c.prefix + ".reports"
}

// Send stores and publishes cmd for the device.
func (c *Channel) Send(ctx context.Context, cmd *channel.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	received, err := sendScript.Run(
		ctx,
		c.client,
		[]string{c.commandKey(cmd.DeviceID), c.commandChannel(cmd.DeviceID)},
		payload,
		c.commandTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("publishing command: %w", err)
	}
	if c.reqSubscriber && received < 1 {
		return fmt.Errorf("%w: %s", ErrNoSubscriber, cmd.DeviceID)
	}
	ctxlog.Logger(ctx, c.logger).Debug(
		logkeys.Message, "published command",
		logkeys.DeviceID, cmd.DeviceID,
		logkeys.WorkflowID, cmd.WorkflowID,
		"command_id", cmd.ID,
		logkeys.GenericCount, received,
	)
	return nil
}

// decodeReport decodes and validates a report message payload.
func decodeReport(payload []byte, now time.Time) (*workflow.Report, error) {
	r := new(workflow.Report)
	if err := json.Unmarshal(payload, r); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("validating report: %w", err)
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = now
	}
	return r, nil
}

// Run subscribes to the reports channel and hands reports to recv
// until ctx is done. Bad reports are logged and skipped.
func (c *Channel) Run(ctx context.Context, recv channel.Receiver) error {
	sub := c.client.Subscribe(ctx, c.reportChannel())
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to reports: %w", err)
	}
	c.logger.Debug(logkeys.Message, "subscribed to reports", "channel", c.reportChannel())

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("report subscription closed")
			}
			report, err := decodeReport([]byte(msg.Payload), time.Now())
			if err != nil {
				c.logger.Info(logkeys.Message, "report message", logkeys.Error, err)
				continue
			}
			if err = recv.Receive(ctx, report); err != nil {
				c.logger.Info(
					logkeys.Message, "receive report",
					logkeys.DeviceID, report.DeviceID,
					logkeys.Error, err,
				)
			}
		}
	}
}
