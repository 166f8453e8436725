package elastic

import (
	"context"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
	"go.uber.org/zap"
)

// LabelClient reads labeled addresses from the classification layer.
type LabelClient interface {
	GetLabeledAddresses(ctx context.Context, labels []string) ([]string, error)
}

// Classifier builds the terminal address set for the tracing engine by
// merging the statically configured addresses with the labeled ones. A load
// error fails the whole trace run instead of returning a partial set, a
// missing terminal label would turn exchange inflows into bogus intermediary
// rows.
type Classifier struct {
	client          LabelClient
	labels          []string
	staticAddresses []string
	logger          *zap.SugaredLogger
}

// NewClassifier creates a classifier. A nil client or an empty label list
// restricts the terminal set to the static addresses.
func NewClassifier(client LabelClient, labels, staticAddresses []string, logger *zap.SugaredLogger) *Classifier {
	return &Classifier{
		client:          client,
		labels:          labels,
		staticAddresses: staticAddresses,
		logger:          logger,
	}
}

func (c *Classifier) Load(ctx context.Context) (domain.TerminalSet, error) {
	set := domain.NewTerminalSet(c.staticAddresses...)
	if c.client == nil || len(c.labels) == 0 {
		return set, nil
	}

	addresses, err := c.client.GetLabeledAddresses(ctx, c.labels)
	if err != nil {
		return nil, errors.Wrap(err, "loading labeled addresses")
	}
	for _, address := range addresses {
		set.Add(address)
	}
	c.logger.Infow("loaded terminal address set",
		"static", len(c.staticAddresses), "labeled", len(addresses), "total", len(set))
	return set, nil
}
