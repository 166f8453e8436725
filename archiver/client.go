package archiver

import (
	"context"
	"encoding/base64"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/qubic/flow-tracer/domain"
	"github.com/qubic/go-archiver/protobuff"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client reads epoch metadata from the archive: processed tick intervals and
// the computor identity list per epoch. The live tick payloads come from the
// event stream, not from here.
type Client struct {
	api protobuff.ArchiveServiceClient
}

func NewClient(host string) (*Client, error) {
	archiverConn, err := grpc.NewClient(host, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrap(err, "creating archiver api connection")
	}
	cl := Client{
		api: protobuff.NewArchiveServiceClient(archiverConn),
	}
	return &cl, nil
}

func (c *Client) GetStatus(ctx context.Context) (*domain.Status, error) {
	s, err := c.api.GetStatus(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "calling archiver")
	}
	return convertStatus(s), nil
}

func (c *Client) GetEpochComputors(ctx context.Context, epoch uint32) (*domain.EpochComputors, error) {
	request := protobuff.GetComputorsRequest{
		Epoch: epoch,
	}
	response, err := c.api.GetComputors(ctx, &request)
	if err != nil {
		return nil, errors.Wrapf(err, "getting archiver computor list for epoch [%d]", epoch)
	}
	if response.GetComputors() == nil {
		return nil, errors.New("nil epoch computor list")
	}

	computorList, err := convertComputorList(response.GetComputors())
	if err != nil {
		return nil, errors.Wrap(err, "converting epoch computor list")
	}
	if computorList.Epoch != epoch {
		return nil, errors.Errorf("wrong epoch computor list returned by archiver. expected [%d] got [%d]", epoch, computorList.Epoch)
	}

	return computorList, nil
}

func convertStatus(s *protobuff.GetStatusResponse) *domain.Status {
	var intervals []domain.TickInterval
	for _, epochIntervals := range s.GetProcessedTickIntervalsPerEpoch() {
		for _, interval := range epochIntervals.Intervals {
			intervals = append(intervals, domain.TickInterval{
				Epoch: epochIntervals.Epoch,
				From:  uint64(interval.InitialProcessedTick),
				To:    uint64(interval.LastProcessedTick),
			})
		}
	}
	return &domain.Status{
		LatestTick:    uint64(s.GetLastProcessedTick().GetTickNumber()),
		LatestEpoch:   s.GetLastProcessedTick().GetEpoch(),
		TickIntervals: intervals,
	}
}

func convertComputorList(computors *protobuff.Computors) (*domain.EpochComputors, error) {
	sigBytes, err := hex.DecodeString(computors.SignatureHex)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding computor list signature [%s]", computors.SignatureHex)
	}

	return &domain.EpochComputors{
		Epoch:      computors.Epoch,
		Identities: computors.Identities,
		Signature:  base64.StdEncoding.EncodeToString(sigBytes),
	}, nil
}
