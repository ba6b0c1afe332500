package stops

import (
	"context"
	"errors"
	"testing"

	"vigil/internal/venue"
	"vigil/internal/venue/venuetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSync_PlaceRoundsAndTracks(t *testing.T) {
	fake := &venuetest.Fake{}
	s := NewSync(fake)

	id, err := s.Place(context.Background(), "BTCUSDT", venue.Long, 94999.1234567891, 0.5)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.Len(t, fake.Placed, 1)
	assert.Equal(t, 94999.123457, fake.Placed[0].StopPrice)
	assert.Equal(t, 0.5, fake.Placed[0].Quantity)

	tracked := s.ActiveStops("BTCUSDT")
	require.Len(t, tracked, 1)
	assert.Equal(t, id, tracked[0].OrderID)
	assert.Equal(t, 1, s.ActiveCount())
}

func TestSync_PlaceCancelsExistingFirst(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.AddStopOrder("BTCUSDT", "old-1", 94000, 0.5)
	s := NewSync(fake)

	_, err := s.Place(context.Background(), "BTCUSDT", venue.Long, 95000, 0.5)
	require.NoError(t, err)

	assert.Equal(t, []string{"old-1"}, fake.Cancelled)
	orders, _ := fake.FetchOpenOrders(context.Background(), "BTCUSDT")
	require.Len(t, orders, 1)
	assert.Equal(t, 95000.0, orders[0].StopPrice)
}

func TestSync_PlaceRejectsBadInputs(t *testing.T) {
	s := NewSync(&venuetest.Fake{})
	_, err := s.Place(context.Background(), "BTCUSDT", venue.Long, 0, 1)
	assert.Error(t, err)
	_, err = s.Place(context.Background(), "BTCUSDT", venue.Long, 95000, 0)
	assert.Error(t, err)
}

func TestSync_PlacePropagatesVenueError(t *testing.T) {
	fake := &venuetest.Fake{PlaceErr: venue.ErrRejected}
	s := NewSync(fake)
	_, err := s.Place(context.Background(), "BTCUSDT", venue.Long, 95000, 0.5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, venue.ErrRejected))
	assert.Equal(t, 0, s.ActiveCount())
}

func TestSync_SyncWithVenueAdoptsExistingStops(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.AddStopOrder("BTCUSDT", "venue-7", 93000, 0.25)
	s := NewSync(fake)

	n := s.SyncWithVenue(context.Background(), []string{"BTCUSDT", "ETHUSDT"})
	assert.Equal(t, 1, n)

	tracked := s.ActiveStops("BTCUSDT")
	require.Len(t, tracked, 1)
	assert.Equal(t, "venue-7", tracked[0].OrderID)
	assert.Equal(t, 93000.0, tracked[0].StopPrice)
	assert.Empty(t, s.ActiveStops("ETHUSDT"))
}

func TestSync_SyncWithVenueSurvivesFetchError(t *testing.T) {
	fake := &venuetest.Fake{OrdersErr: venue.ErrTransport}
	s := NewSync(fake)
	assert.Equal(t, 0, s.SyncWithVenue(context.Background(), []string{"BTCUSDT"}))
}

func TestSync_CancelAllSkipsNonStopOrders(t *testing.T) {
	fake := &venuetest.Fake{Orders: map[string][]venue.Order{
		"BTCUSDT": {
			{ID: "limit-1", Symbol: "BTCUSDT", Type: "LIMIT"},
			{ID: "stop-1", Symbol: "BTCUSDT", Type: "STOP_MARKET", StopPrice: 93000},
		},
	}}
	s := NewSync(fake)

	n := s.CancelAll(context.Background(), "BTCUSDT")
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"stop-1"}, fake.Cancelled)
}

func TestSync_UpdateReplacesStopOnQuantityDrift(t *testing.T) {
	fake := &venuetest.Fake{}
	fake.SetPosition("BTCUSDT", 0.25, 94000, 0)
	s := NewSync(fake)
	_, err := s.Place(context.Background(), "BTCUSDT", venue.Long, 93000, 0.5)
	require.NoError(t, err)

	require.NoError(t, s.Update(context.Background(), "BTCUSDT", venue.Long))

	tracked := s.ActiveStops("BTCUSDT")
	require.Len(t, tracked, 1)
	assert.Equal(t, 0.25, tracked[0].Quantity)
	assert.Equal(t, 93000.0, tracked[0].StopPrice)
}

func TestSync_UpdateCancelsWhenPositionGone(t *testing.T) {
	fake := &venuetest.Fake{}
	s := NewSync(fake)
	_, err := s.Place(context.Background(), "BTCUSDT", venue.Long, 93000, 0.5)
	require.NoError(t, err)

	require.NoError(t, s.Update(context.Background(), "BTCUSDT", venue.Long))
	assert.Equal(t, 0, s.ActiveCount())
	orders, _ := fake.FetchOpenOrders(context.Background(), "BTCUSDT")
	assert.Empty(t, orders)
}

func TestStopPrice_RawPayloadFallback(t *testing.T) {
	o := venue.Order{Type: "STOP_MARKET", Raw: []byte(`{"stopPrice":"91500.5"}`)}
	assert.Equal(t, 91500.5, stopPrice(o))

	o = venue.Order{Type: "STOP_MARKET", Raw: []byte(`{"info":{"stopPrice":90000}}`)}
	assert.Equal(t, 90000.0, stopPrice(o))

	o = venue.Order{Type: "STOP_MARKET", StopPrice: 89000}
	assert.Equal(t, 89000.0, stopPrice(o))
}
