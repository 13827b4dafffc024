package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carebridge-health/intake-engine/internal/observability/metrics"
	"github.com/carebridge-health/intake-engine/internal/workflow"
	"github.com/carebridge-health/intake-engine/pkg/logging"
)

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	defaultMaxAttempts   = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5

	// Stays under the 30s SQS default visibility timeout so a hung handler is
	// cut off before the message becomes visible to another worker.
	defaultHandleTimeout = 25 * time.Second
)

// Handler processes one stage message. Returning an error asks the
// dispatcher to retry; handlers deal with non-retryable failures themselves
// and return nil.
type Handler interface {
	Handle(ctx context.Context, msg workflow.Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg workflow.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg workflow.Message) error {
	return f(ctx, msg)
}

type channelQueues struct {
	main       QueueClient
	deadLetter QueueClient
}

// Dispatcher routes workflow messages between stage channels. Every channel
// gets its own queue pair (main + dead letter) and at most one handler.
type Dispatcher struct {
	queues   map[workflow.Channel]channelQueues
	handlers map[workflow.Channel]Handler
	logger   *logging.Logger
	metrics  *metrics.IntakeMetrics

	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	maxAttempts      int
	handleTimeout    time.Duration

	wg sync.WaitGroup
}

// Option customizes dispatcher behavior.
type Option func(*Dispatcher)

// WithWorkerCount sets the number of consumer goroutines per channel.
func WithWorkerCount(count int) Option {
	return func(d *Dispatcher) {
		if count > 0 {
			d.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) Option {
	return func(d *Dispatcher) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		d.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) Option {
	return func(d *Dispatcher) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		d.receiveBatchSize = size
	}
}

// WithMaxAttempts caps delivery attempts before a message is dead-lettered.
func WithMaxAttempts(attempts int) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.maxAttempts = attempts
		}
	}
}

// WithHandleTimeout bounds how long a single message may be processed.
func WithHandleTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.handleTimeout = timeout
		}
	}
}

// WithMetrics wires Prometheus instrumentation.
func WithMetrics(m *metrics.IntakeMetrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New creates a dispatcher. Queues for every stage channel must be provided
// up front; handlers are registered before Start.
func New(logger *logging.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	d := &Dispatcher{
		queues:           make(map[workflow.Channel]channelQueues),
		handlers:         make(map[workflow.Channel]Handler),
		logger:           logger,
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		maxAttempts:      defaultMaxAttempts,
		handleTimeout:    defaultHandleTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterChannel attaches the queue pair for a stage channel.
func (d *Dispatcher) RegisterChannel(channel workflow.Channel, main, deadLetter QueueClient) {
	if main == nil {
		panic("dispatch: main queue cannot be nil")
	}
	if deadLetter == nil {
		panic("dispatch: dead-letter queue cannot be nil")
	}
	d.queues[channel] = channelQueues{main: main, deadLetter: deadLetter}
}

// RegisterHandler attaches the single consumer for a channel.
func (d *Dispatcher) RegisterHandler(channel workflow.Channel, handler Handler) {
	if handler == nil {
		panic("dispatch: handler cannot be nil")
	}
	if _, ok := d.handlers[channel]; ok {
		panic(fmt.Sprintf("dispatch: handler already registered for %s", channel))
	}
	d.handlers[channel] = handler
}

// Publish encodes and sends a message on its channel. Failures surface as
// DeliveryError; a dropped message stalls the workflow, so callers must not
// ignore them.
func (d *Dispatcher) Publish(ctx context.Context, msg workflow.Message) error {
	queues, ok := d.queues[msg.Channel]
	if !ok {
		return &workflow.DeliveryError{Channel: string(msg.Channel), Err: errors.New("dispatch: unknown channel")}
	}

	body, err := msg.Encode()
	if err != nil {
		return &workflow.DeliveryError{Channel: string(msg.Channel), Err: err}
	}
	if err := queues.main.Send(ctx, body); err != nil {
		d.metrics.ObservePublish(string(msg.Channel), "error")
		return &workflow.DeliveryError{Channel: string(msg.Channel), Err: err}
	}

	d.metrics.ObservePublish(string(msg.Channel), "ok")
	d.logger.Debug("published workflow message",
		"channel", msg.Channel,
		"record_id", msg.RecordID,
		"correlation_id", msg.CorrelationID,
		"attempt", msg.Attempt,
	)
	return nil
}

// Start launches consumer goroutines for every registered handler until ctx
// is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for channel := range d.handlers {
		if _, ok := d.queues[channel]; !ok {
			panic(fmt.Sprintf("dispatch: no queues registered for %s", channel))
		}
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.run(ctx, channel, i+1)
		}
	}
}

// Wait blocks until all consumer goroutines exit.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, channel workflow.Channel, workerID int) {
	defer d.wg.Done()
	d.logger.Debug("stage consumer started", "channel", channel, "worker_id", workerID)

	queues := d.queues[channel]
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("stage consumer stopping", "channel", channel, "worker_id", workerID)
			return
		default:
		}

		messages, err := queues.main.Receive(ctx, d.receiveBatchSize, d.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.logger.Error("failed to receive stage messages", "error", err, "channel", channel, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			d.handleMessage(ctx, channel, queues, msg)
		}
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, channel workflow.Channel, queues channelQueues, raw QueueMessage) {
	msg, err := workflow.Decode(raw.Body)
	if err != nil {
		// Undecodable bodies can never succeed; dead-letter them directly.
		d.logger.Error("failed to decode stage message", "error", err, "channel", channel)
		d.deadLetter(ctx, channel, queues, raw.Body)
		d.deleteMessage(ctx, queues.main, raw.ReceiptHandle)
		return
	}

	// Every call a handler makes inherits this deadline, so a wedged store or
	// remote API cannot hold the consumer loop forever.
	handleCtx, cancel := context.WithTimeout(ctx, d.handleTimeout)
	handler := d.handlers[channel]
	start := time.Now()
	err = handler.Handle(handleCtx, msg)
	cancel()
	d.metrics.ObserveStage(string(channel), statusLabel(err), time.Since(start).Seconds())

	if err == nil {
		d.deleteMessage(ctx, queues.main, raw.ReceiptHandle)
		return
	}

	d.logger.Error("stage handler failed",
		"error", err,
		"channel", channel,
		"record_id", msg.RecordID,
		"correlation_id", msg.CorrelationID,
		"attempt", msg.Attempt,
	)

	switch {
	case !workflow.Retryable(err):
		// Handlers terminate non-retryable work themselves; reaching here
		// means one slipped through, so keep it inspectable.
		d.deadLetter(ctx, channel, queues, raw.Body)
	case msg.Attempt >= d.maxAttempts:
		d.logger.Warn("stage message exhausted attempts",
			"channel", channel,
			"record_id", msg.RecordID,
			"attempts", msg.Attempt,
		)
		d.deadLetter(ctx, channel, queues, raw.Body)
	default:
		if pubErr := d.Publish(ctx, msg.NextAttempt()); pubErr != nil {
			// Leave the original in the queue; visibility timeout will
			// redeliver it rather than lose the message.
			d.logger.Error("failed to requeue stage message", "error", pubErr, "channel", channel, "record_id", msg.RecordID)
			return
		}
	}

	d.deleteMessage(ctx, queues.main, raw.ReceiptHandle)
}

func (d *Dispatcher) deadLetter(ctx context.Context, channel workflow.Channel, queues channelQueues, body string) {
	if err := queues.deadLetter.Send(ctx, body); err != nil {
		d.logger.Error("failed to dead-letter stage message", "error", err, "channel", channel)
		return
	}
	d.metrics.ObserveDeadLetter(string(channel))
}

// DeadLetters returns up to max messages from a channel's dead-letter queue
// without removing them (the queue's visibility timeout returns them).
func (d *Dispatcher) DeadLetters(ctx context.Context, channel workflow.Channel, max int) ([]workflow.Message, error) {
	queues, ok := d.queues[channel]
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown channel %s", channel)
	}
	if max <= 0 || max > maxReceiveBatchSize {
		max = maxReceiveBatchSize
	}

	raw, err := queues.deadLetter.Receive(ctx, max, 0)
	if err != nil {
		return nil, fmt.Errorf("dispatch: failed to read dead letters for %s: %w", channel, err)
	}

	messages := make([]workflow.Message, 0, len(raw))
	for _, item := range raw {
		msg, err := workflow.Decode(item.Body)
		if err != nil {
			d.logger.Warn("undecodable dead letter", "error", err, "channel", channel)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// RedriveDeadLetters moves up to max dead letters back onto the main channel
// with a reset attempt counter. Returns how many were moved.
func (d *Dispatcher) RedriveDeadLetters(ctx context.Context, channel workflow.Channel, max int) (int, error) {
	queues, ok := d.queues[channel]
	if !ok {
		return 0, fmt.Errorf("dispatch: unknown channel %s", channel)
	}
	if max <= 0 || max > maxReceiveBatchSize {
		max = maxReceiveBatchSize
	}

	raw, err := queues.deadLetter.Receive(ctx, max, 0)
	if err != nil {
		return 0, fmt.Errorf("dispatch: failed to read dead letters for %s: %w", channel, err)
	}

	moved := 0
	for _, item := range raw {
		msg, err := workflow.Decode(item.Body)
		if err != nil {
			d.logger.Warn("skipping undecodable dead letter", "error", err, "channel", channel)
			continue
		}
		msg.Attempt = 1
		if err := d.Publish(ctx, msg); err != nil {
			return moved, err
		}
		d.deleteMessage(ctx, queues.deadLetter, item.ReceiptHandle)
		moved++
	}
	return moved, nil
}

func (d *Dispatcher) deleteMessage(ctx context.Context, queue QueueClient, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := queue.Delete(deleteCtx, receiptHandle); err != nil {
		d.logger.Error("failed to delete stage message", "error", err)
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
