package elastic

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type FakeLabelClient struct {
	addresses      []string
	receivedLabels []string
	shouldError    bool
}

func (f *FakeLabelClient) GetLabeledAddresses(_ context.Context, labels []string) ([]string, error) {
	f.receivedLabels = labels
	if f.shouldError {
		return nil, errors.New("search failed")
	}
	return f.addresses, nil
}

func TestClassifier_Load_thenMergeStaticAndLabeled(t *testing.T) {
	client := &FakeLabelClient{addresses: []string{"EXCHANGE-ONE", "EXCHANGE-TWO", "STATIC-ONE"}}
	classifier := NewClassifier(client, []string{"exchange"}, []string{"STATIC-ONE", "STATIC-TWO"}, zap.NewNop().Sugar())

	set, err := classifier.Load(context.Background())
	require.NoError(t, err)

	// STATIC-ONE appears in both sources and counts once
	assert.Len(t, set, 4)
	assert.True(t, set.Contains("EXCHANGE-ONE"))
	assert.True(t, set.Contains("EXCHANGE-TWO"))
	assert.True(t, set.Contains("STATIC-ONE"))
	assert.True(t, set.Contains("STATIC-TWO"))
	assert.False(t, set.Contains("SOMETHING-ELSE"))
	assert.Equal(t, []string{"exchange"}, client.receivedLabels)
}

func TestClassifier_Load_givenNoClient_thenStaticOnly(t *testing.T) {
	classifier := NewClassifier(nil, []string{"exchange"}, []string{"STATIC-ONE"}, zap.NewNop().Sugar())

	set, err := classifier.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, set, 1)
	assert.True(t, set.Contains("STATIC-ONE"))
}

func TestClassifier_Load_givenNoLabels_thenClientNotCalled(t *testing.T) {
	client := &FakeLabelClient{addresses: []string{"EXCHANGE-ONE"}}
	classifier := NewClassifier(client, nil, []string{"STATIC-ONE"}, zap.NewNop().Sugar())

	set, err := classifier.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, set, 1)
	assert.Nil(t, client.receivedLabels)
}

func TestClassifier_Load_givenClientError_thenError(t *testing.T) {
	client := &FakeLabelClient{shouldError: true}
	classifier := NewClassifier(client, []string{"exchange"}, []string{"STATIC-ONE"}, zap.NewNop().Sugar())

	set, err := classifier.Load(context.Background())
	require.Error(t, err)
	assert.Nil(t, set)
}
