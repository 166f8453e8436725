// Package elastic reads the address labels maintained by the classification
// layer. Labeled addresses (exchanges, custodians) terminate flow traces.
package elastic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const labelsQuery = `{ "query": { "terms": { "label": %s } } }`

// pageSize bounds one label query. The labels index holds hundreds of rows,
// a full page means addresses are missing and the query needs paging.
const pageSize = 1024

type Client struct {
	esClient    *elasticsearch.Client
	labelsIndex string
	logger      *zap.SugaredLogger
}

func NewClient(esClient *elasticsearch.Client, labelsIndex string, logger *zap.SugaredLogger) *Client {
	return &Client{
		esClient:    esClient,
		labelsIndex: labelsIndex,
		logger:      logger,
	}
}

type elasticHits struct {
	Took int
	Hits struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		}
	}
}

// GetLabeledAddresses returns the addresses carrying one of the given labels.
// The document id is the address.
func (c *Client) GetLabeledAddresses(ctx context.Context, labels []string) ([]string, error) {
	terms, err := json.Marshal(labels)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling labels")
	}

	res, err := c.esClient.Search(
		c.esClient.Search.WithContext(ctx),
		c.esClient.Search.WithSize(pageSize),
		c.esClient.Search.WithSource("false"), // the id (== address) is enough for us
		c.esClient.Search.WithIndex(c.labelsIndex),
		c.esClient.Search.WithBody(strings.NewReader(fmt.Sprintf(labelsQuery, terms))),
	)
	if err != nil {
		return nil, errors.Wrap(err, "calling elastic")
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			c.logger.Errorw("closing elastic response body", "error", err)
		}
	}()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "decoding error information")
		}
		return nil, errors.Errorf("[%s] searching labels: %v", res.Status(), e["error"])
	}

	var response elasticHits
	if err = json.NewDecoder(res.Body).Decode(&response); err != nil {
		return nil, errors.Wrap(err, "decoding response information")
	}
	if len(response.Hits.Hits) == pageSize {
		c.logger.Warnw("label query returned a full page, addresses might be missing", "size", pageSize)
	}

	addresses := make([]string, 0, len(response.Hits.Hits))
	for _, hit := range response.Hits.Hits {
		addresses = append(addresses, hit.ID)
	}
	return addresses, nil
}
