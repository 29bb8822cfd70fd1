package ingestion

import (
	"CustodyBank/internal/core"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	ReceiptStream   = "CUSTODY_RECEIPTS"
	ReceiptSubjects = "custody.tx.receipts.>"
)

// ReceiptSubject returns the subject a receipt with status is published on.
func ReceiptSubject(status core.Status) string {
	return "custody.tx.receipts." + status.String()
}

// Publisher is the part of jetstream.JetStream the receipt publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// ReceiptPublisher publishes executor receipts to NATS for downstream
// consumers. Publishing is best effort: the executor drops outputs when
// this loop falls behind, and consumers can always read the invocation log.
type ReceiptPublisher struct {
	js        Publisher
	inputChan <-chan core.Output
	logger    zerolog.Logger
}

func NewReceiptPublisher(js Publisher, inputChan <-chan core.Output, logger zerolog.Logger) *ReceiptPublisher {
	return &ReceiptPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the channel closes.
func (rp *ReceiptPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-rp.inputChan:
			if !ok {
				return nil
			}
			if err := rp.publish(ctx, out.Receipt); err != nil {
				rp.logger.Warn().Err(err).Int64("sequence", out.Receipt.Sequence).Msg("receipt publish failed")
			}
		}
	}
}

// publish sends one receipt. The tx id is the JetStream message id, so a
// retried publish is deduplicated by the server.
func (rp *ReceiptPublisher) publish(ctx context.Context, r *core.Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = rp.js.Publish(ctx, ReceiptSubject(r.Status), data, jetstream.WithMsgID(r.TxID.String()))
	return err
}
