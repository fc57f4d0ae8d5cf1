package anthropic

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPollBatch_CompletesImmediately(t *testing.T) {
	mc := new(MockClient)

	mc.On("GetBatch", mock.Anything, "batch_123").Return(&BatchResponse{
		ID:               "batch_123",
		ProcessingStatus: "ended",
		RequestCounts:    RequestCounts{Succeeded: 5},
	}, nil)

	resp, err := PollBatch(context.Background(), mc, "batch_123",
		WithPollInterval(10*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Equal(t, int64(5), resp.RequestCounts.Succeeded)

	mc.AssertExpectations(t)
}

// countingGetBatchMock returns in_progress until the threshold call,
// avoiding testify's functional return pattern.
type countingGetBatchMock struct {
	MockClient
	calls     atomic.Int32
	threshold int32
	endResp   *BatchResponse
}

func (m *countingGetBatchMock) GetBatch(_ context.Context, batchID string) (*BatchResponse, error) {
	n := m.calls.Add(1)
	if n < m.threshold {
		return &BatchResponse{
			ID:               batchID,
			ProcessingStatus: "in_progress",
		}, nil
	}
	return m.endResp, nil
}

func TestPollBatch_CompletesAfterRetries(t *testing.T) {
	mc := &countingGetBatchMock{
		threshold: 3,
		endResp: &BatchResponse{
			ID:               "batch_456",
			ProcessingStatus: "ended",
			RequestCounts:    RequestCounts{Succeeded: 10},
		},
	}

	resp, err := PollBatch(context.Background(), mc, "batch_456",
		WithPollInterval(10*time.Millisecond),
		WithPollCap(20*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, "ended", resp.ProcessingStatus)
	assert.Equal(t, int64(10), resp.RequestCounts.Succeeded)
	assert.Equal(t, int32(3), mc.calls.Load())
}

func TestPollBatch_Timeout(t *testing.T) {
	mc := new(MockClient)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	mc.On("GetBatch", mock.Anything, "batch_timeout").Return(&BatchResponse{
		ID:               "batch_timeout",
		ProcessingStatus: "in_progress",
	}, nil)

	_, err := PollBatch(ctx, mc, "batch_timeout",
		WithPollInterval(10*time.Millisecond),
		WithPollCap(15*time.Millisecond),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollBatch_DefaultTimeout(t *testing.T) {
	mc := new(MockClient)

	mc.On("GetBatch", mock.Anything, "batch_def").Return(&BatchResponse{
		ID:               "batch_def",
		ProcessingStatus: "in_progress",
	}, nil)

	_, err := PollBatch(context.Background(), mc, "batch_def",
		WithPollInterval(5*time.Millisecond),
		WithPollCap(10*time.Millisecond),
		WithPollTimeout(50*time.Millisecond),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollBatch_Expired(t *testing.T) {
	mc := new(MockClient)

	mc.On("GetBatch", mock.Anything, "batch_exp").Return(&BatchResponse{
		ID:               "batch_exp",
		ProcessingStatus: "expired",
	}, nil)

	resp, err := PollBatch(context.Background(), mc, "batch_exp",
		WithPollInterval(10*time.Millisecond),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
	require.NotNil(t, resp)
	assert.Equal(t, "expired", resp.ProcessingStatus)
}

func TestPollBatch_APIError(t *testing.T) {
	mc := new(MockClient)

	mc.On("GetBatch", mock.Anything, "batch_err").Return(nil, fmt.Errorf("api error: 500"))

	_, err := PollBatch(context.Background(), mc, "batch_err",
		WithPollInterval(10*time.Millisecond),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api error: 500")
}

func TestPollBatch_ExponentialBackoff(t *testing.T) {
	var timestamps []time.Time
	var calls atomic.Int32

	wrapper := &getBatchFuncClient{fn: func(_ context.Context, batchID string) (*BatchResponse, error) {
		timestamps = append(timestamps, time.Now())
		n := calls.Add(1)
		if n < 4 {
			return &BatchResponse{
				ID:               batchID,
				ProcessingStatus: "in_progress",
			}, nil
		}
		return &BatchResponse{
			ID:               batchID,
			ProcessingStatus: "ended",
			RequestCounts:    RequestCounts{Succeeded: 1},
		}, nil
	}}

	_, err := PollBatch(context.Background(), wrapper, "batch_backoff",
		WithPollInterval(20*time.Millisecond),
		WithPollCap(100*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())

	// Intervals double: 20ms then 40ms, allowing timing slack.
	if len(timestamps) >= 3 {
		gap1 := timestamps[1].Sub(timestamps[0])
		gap2 := timestamps[2].Sub(timestamps[1])
		assert.Greater(t, gap2.Milliseconds(), gap1.Milliseconds()-5,
			"backoff should increase: gap1=%v gap2=%v", gap1, gap2)
	}
}

// getBatchFuncClient is a minimal Client that delegates GetBatch to a function.
type getBatchFuncClient struct {
	fn func(context.Context, string) (*BatchResponse, error)
}

func (c *getBatchFuncClient) CreateMessage(context.Context, MessageRequest) (*MessageResponse, error) {
	return nil, nil
}
func (c *getBatchFuncClient) CreateBatch(context.Context, BatchRequest) (*BatchResponse, error) {
	return nil, nil
}
func (c *getBatchFuncClient) GetBatch(ctx context.Context, id string) (*BatchResponse, error) {
	return c.fn(ctx, id)
}
func (c *getBatchFuncClient) GetBatchResults(context.Context, string) (BatchResultIterator, error) {
	return nil, nil
}

func TestPollBatch_JitterRange(t *testing.T) {
	var timestamps []time.Time
	var calls atomic.Int32

	wrapper := &getBatchFuncClient{fn: func(_ context.Context, batchID string) (*BatchResponse, error) {
		timestamps = append(timestamps, time.Now())
		n := calls.Add(1)
		if n < 8 {
			return &BatchResponse{
				ID:               batchID,
				ProcessingStatus: "in_progress",
			}, nil
		}
		return &BatchResponse{
			ID:               batchID,
			ProcessingStatus: "ended",
			RequestCounts:    RequestCounts{Succeeded: 1},
		}, nil
	}}

	_, err := PollBatch(context.Background(), wrapper, "batch_jitter",
		WithPollInterval(20*time.Millisecond),
		WithPollCap(200*time.Millisecond),
	)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(timestamps), 4, "need enough data points")

	// Gaps grow with the backoff but jitter keeps them near the base
	// interval; only sanity-check the lower bound to stay CI-safe.
	for i := 1; i < len(timestamps); i++ {
		gap := timestamps[i].Sub(timestamps[i-1])
		assert.Greater(t, gap.Milliseconds(), int64(5),
			"gap %d too small: %v", i, gap)
	}
}

func TestPollBatch_ContextCancelled(t *testing.T) {
	mc := new(MockClient)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mc.On("GetBatch", mock.Anything, "batch_cancel").Return(nil, context.Canceled)

	_, err := PollBatch(ctx, mc, "batch_cancel",
		WithPollInterval(10*time.Millisecond),
	)
	require.Error(t, err)
}

func TestCollectBatchResults_SplitsFailures(t *testing.T) {
	items := []BatchResultItem{
		{
			CustomID: "weight",
			Type:     "succeeded",
			Message: &MessageResponse{
				ID:      "msg_1",
				Content: []ContentBlock{{Type: "text", Text: `{"value":"61","unit":"g"}`}},
			},
		},
		{
			CustomID: "dpi_max",
			Type:     "errored",
			Message:  nil,
		},
		{
			CustomID: "polling_rate",
			Type:     "succeeded",
			Message: &MessageResponse{
				ID:      "msg_3",
				Content: []ContentBlock{{Type: "text", Text: `{"value":"1000","unit":"Hz"}`}},
			},
		},
		{
			CustomID: "sensor_model",
			Type:     "canceled",
			Message:  nil,
		},
	}

	iter := NewMockBatchResultIterator(items)
	result, err := CollectBatchResults(iter)
	require.NoError(t, err)

	assert.Len(t, result.Succeeded, 2)
	assert.Contains(t, result.Succeeded["weight"].Content[0].Text, `"61"`)
	assert.Contains(t, result.Succeeded["polling_rate"].Content[0].Text, `"1000"`)

	require.Len(t, result.Failures, 2)
	assert.Equal(t, BatchFailure{CustomID: "dpi_max", Type: "errored"}, result.Failures[0])
	assert.Equal(t, BatchFailure{CustomID: "sensor_model", Type: "canceled"}, result.Failures[1])
}

func TestCollectBatchResults_Empty(t *testing.T) {
	iter := NewMockBatchResultIterator(nil)
	result, err := CollectBatchResults(iter)
	require.NoError(t, err)
	assert.Empty(t, result.Succeeded)
	assert.Empty(t, result.Failures)
}

func TestCollectBatchResults_IteratorError(t *testing.T) {
	items := []BatchResultItem{
		{
			CustomID: "weight",
			Type:     "succeeded",
			Message: &MessageResponse{
				ID:      "msg_1",
				Content: []ContentBlock{{Type: "text", Text: `{"value":"61"}`}},
			},
		},
	}

	iter := NewMockBatchResultIteratorWithError(items, fmt.Errorf("stream interrupted"))
	_, err := CollectBatchResults(iter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream interrupted")
}
