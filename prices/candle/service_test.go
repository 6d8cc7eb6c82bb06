package candle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linluma/pricehub/prices/provider"
	"github.com/linluma/pricehub/shared/logging"
	"github.com/linluma/pricehub/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockKlineSource struct {
	mock.Mock
}

func (m *mockKlineSource) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	args := m.Called(ctx, symbol, interval, limit)
	bars, _ := args.Get(0).([]models.Candle)
	return bars, args.Error(1)
}

var sampleBars = []models.Candle{
	{Open: 100, High: 110, Low: 95, Close: 105, Volume: 1_000_000},
	{Open: 105, High: 106, Low: 99, Close: 100, Volume: 500},
}

func TestAnalyze(t *testing.T) {
	source := new(mockKlineSource)
	source.On("Klines", mock.Anything, "BTC", "1h", 24).Return(sampleBars, nil).Once()

	svc := NewService(source, logging.Discard())
	out, err := svc.Analyze(context.Background(), " btc ", "1h", 24)
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.True(t, out[0].IsBullish)
	assert.False(t, out[1].IsBullish)
	source.AssertExpectations(t)
}

func TestAnalyze_LimitBounds(t *testing.T) {
	source := new(mockKlineSource)
	source.On("Klines", mock.Anything, "ETH", "1d", DefaultLimit).Return(sampleBars, nil).Once()
	source.On("Klines", mock.Anything, "ETH", "1d", MaxLimit).Return(sampleBars, nil).Once()

	svc := NewService(source, logging.Discard())

	_, err := svc.Analyze(context.Background(), "ETH", "1d", 0)
	require.NoError(t, err)
	_, err = svc.Analyze(context.Background(), "ETH", "1d", 5000)
	require.NoError(t, err)

	source.AssertExpectations(t)
}

func TestAnalyze_Validation(t *testing.T) {
	source := new(mockKlineSource)
	svc := NewService(source, logging.Discard())

	_, err := svc.Analyze(context.Background(), "BTC", "7m", 10)
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = svc.Analyze(context.Background(), "BTC-USD", "1h", 10)
	assert.ErrorIs(t, err, ErrInvalidSymbol)

	_, err = svc.Analyze(context.Background(), "", "1h", 10)
	assert.ErrorIs(t, err, ErrInvalidSymbol)

	source.AssertNotCalled(t, "Klines", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAnalyze_ProviderError(t *testing.T) {
	source := new(mockKlineSource)
	source.On("Klines", mock.Anything, "BTC", "1h", 10).Return(nil, provider.ErrProviderUnavailable)

	svc := NewService(source, logging.Discard())
	_, err := svc.Analyze(context.Background(), "BTC", "1h", 10)
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestAnalyze_CollapsesConcurrentRequests(t *testing.T) {
	release := make(chan time.Time)
	source := new(mockKlineSource)
	source.On("Klines", mock.Anything, "SOL", "5m", 50).
		WaitUntil(release).
		Return(sampleBars, nil)

	svc := NewService(source, logging.Discard())

	const callers = 5
	var wg sync.WaitGroup
	results := make([][]models.ProcessedCandle, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := svc.Analyze(context.Background(), "SOL", "5m", 50)
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}

	// let every caller join the in-flight request
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	source.AssertNumberOfCalls(t, "Klines", 1)
	for _, out := range results {
		assert.Len(t, out, 2)
	}

	// results are independent copies
	results[0][0].Momentum = -1
	assert.NotEqual(t, -1.0, results[1][0].Momentum)
}
