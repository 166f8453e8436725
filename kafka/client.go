// Package kafka publishes the derived flow data for downstream consumers.
package kafka

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// KafkaClient is the subset of the franz-go client the publisher uses.
type KafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Client publishes flow hops and epoch summaries. The hops of one trace
// window are produced asynchronously and awaited as a batch, summaries are
// single records and go out synchronously.
type Client struct {
	kcl          KafkaClient
	hopsTopic    string
	summaryTopic string
	logger       *zap.SugaredLogger
}

func NewClient(kcl KafkaClient, hopsTopic, summaryTopic string, logger *zap.SugaredLogger) *Client {
	return &Client{
		kcl:          kcl,
		hopsTopic:    hopsTopic,
		summaryTopic: summaryTopic,
		logger:       logger,
	}
}

// PublishFlowHops produces one record per hop. Records are keyed by emission
// epoch so consumers see the hops of an epoch in partition order.
func (c *Client) PublishFlowHops(ctx context.Context, hops []*domain.FlowHop) error {
	if len(hops) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errorChannel := make(chan error, len(hops))

	for _, hop := range hops {
		payload, err := json.Marshal(hop)
		if err != nil {
			return errors.Wrap(err, "marshalling flow hop to json")
		}
		record := &kgo.Record{
			Topic: c.hopsTopic,
			Key:   epochKey(hop.EmissionEpoch),
			Value: payload,
		}

		wg.Add(1)
		c.kcl.Produce(ctx, record, func(_ *kgo.Record, err error) {
			defer wg.Done()
			if err != nil {
				c.logger.Errorw("producing flow hop record", "error", err)
				errorChannel <- err
			}
		})
	}

	wg.Wait()
	close(errorChannel)

	var failed int
	for range errorChannel {
		failed++
	}
	if failed > 0 {
		return errors.Errorf("producing flow hop records: [%d] of [%d] failed", failed, len(hops))
	}
	return nil
}

func (c *Client) PublishEpochSummary(ctx context.Context, summary *domain.EpochFlowSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return errors.Wrap(err, "marshalling epoch summary to json")
	}
	record := &kgo.Record{
		Topic: c.summaryTopic,
		Key:   epochKey(summary.Epoch),
		Value: payload,
	}

	if err := c.kcl.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrap(err, "producing epoch summary record")
	}
	return nil
}

func epochKey(epoch uint32) []byte {
	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, epoch)
	return key
}
