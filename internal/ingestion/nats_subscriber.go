package ingestion

import (
	"CustodyBank/internal/core"
	"CustodyBank/internal/observability"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	SubmitStream   = "CUSTODY_TX"
	SubmitSubjects = "custody.tx.submit.>"
	SubmitConsumer = "custodybank-submit"
)

// Executor is implemented by *core.Executor.
type Executor interface {
	Execute(ctx context.Context, tx *core.Transaction) (*core.Receipt, error)
}

// NATSSubscriber consumes wire-format transactions from JetStream and runs
// them through the executor. A message is acked once it has a receipt, so
// redelivery after a crash is absorbed by the executor's dedup.
type NATSSubscriber struct {
	js       jetstream.JetStream
	exec     Executor
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	consumer jetstream.ConsumeContext

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

func NewNATSSubscriber(js jetstream.JetStream, exec Executor, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		exec:    exec,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Subscribe creates the durable consumer and starts consuming.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, SubmitStream, jetstream.ConsumerConfig{
		Durable:       SubmitConsumer,
		FilterSubject: SubmitSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", SubmitConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ns.dispatch(ctx, msg.Subject(), msg.Data(), msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", SubmitConsumer, err)
	}

	ns.consumer = cc
	ns.logger.Info().Str("subject", SubmitSubjects).Str("consumer", SubmitConsumer).Msg("subscribed")
	return nil
}

// acker is the subset of jetstream.Msg the handler settles messages with.
type acker interface {
	Ack() error
	Nak() error
	Term() error
}

// dispatch runs handle unless the subscriber has stopped, in which case the
// message is handed back for redelivery.
func (ns *NATSSubscriber) dispatch(ctx context.Context, subject string, data []byte, msg acker) {
	ns.mu.Lock()
	if ns.stopped {
		ns.mu.Unlock()
		settle(ns.logger, msg.Nak)
		return
	}
	ns.inflight.Add(1)
	ns.mu.Unlock()
	defer ns.inflight.Done()

	ns.handle(ctx, subject, data, msg)
}

func (ns *NATSSubscriber) handle(ctx context.Context, subject string, data []byte, msg acker) {
	if ns.metrics != nil {
		ns.metrics.IngestReceived.WithLabelValues("nats").Inc()
	}

	tx, err := ParseTransaction(data, "nats", ns.now())
	if err != nil {
		if ns.metrics != nil {
			ns.metrics.IngestParseFail.WithLabelValues("nats").Inc()
		}
		ns.logger.Warn().Err(err).Str("subject", subject).Msg("terminating unparseable message")
		settle(ns.logger, msg.Term)
		return
	}

	receipt, err := ns.exec.Execute(ctx, tx)
	switch {
	case err == nil:
		ns.logger.Debug().
			Str("tx_id", tx.ID.String()).
			Int64("sequence", receipt.Sequence).
			Str("status", receipt.Status.String()).
			Msg("executed")
		settle(ns.logger, msg.Ack)
	case errors.Is(err, core.ErrDuplicate):
		// Already has a receipt; a redelivery or a client resubmit.
		settle(ns.logger, msg.Ack)
	case errors.Is(err, core.ErrInvalidTransaction):
		ns.logger.Warn().Err(err).Str("tx_id", tx.ID.String()).Msg("terminating invalid transaction")
		settle(ns.logger, msg.Term)
	default:
		ns.logger.Error().Err(err).Str("tx_id", tx.ID.String()).Msg("execute failed, requesting redelivery")
		settle(ns.logger, msg.Nak)
	}
}

func settle(logger zerolog.Logger, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn().Err(err).Msg("settle message")
	}
}

// Stop drains the consumer and returns once no handler is running, so the
// executor sees no further NATS traffic. Buffered messages are processed
// until ctx expires; after that they are left for redelivery.
func (ns *NATSSubscriber) Stop(ctx context.Context) {
	if ns.consumer != nil {
		ns.consumer.Drain()
		select {
		case <-ns.consumer.Closed():
		case <-ctx.Done():
			ns.logger.Warn().Msg("drain timed out, leaving buffered messages for redelivery")
			ns.consumer.Stop()
		}
	}

	ns.mu.Lock()
	ns.stopped = true
	ns.mu.Unlock()
	ns.inflight.Wait()

	ns.logger.Info().Msg("NATS subscriber stopped")
}

// EnsureStreams creates the inbound and receipt streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      SubmitStream,
			Subjects:  []string{SubmitSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      ReceiptStream,
			Subjects:  []string{ReceiptSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("custodybank"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
