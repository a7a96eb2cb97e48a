package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rms/internal/codec"
	"rms/internal/schema"
)

func TestParsePolicy(t *testing.T) {
	cases := map[string]Policy{
		"":            PolicyAccount,
		"account":     PolicyAccount,
		"ORDER":       PolicyOrder,
		"round_robin": PolicyRoundRobin,
	}
	for in, want := range cases {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("hash")
	assert.Error(t, err)
}

func TestRouteByAccount(t *testing.T) {
	for _, shards := range []int{4, 3} {
		r := NewRouter(PolicyAccount, shards)
		for acct := uint32(0); acct < 20; acct++ {
			frame := codec.EncodeOrderFrame(nil, schema.Order{OrderID: 1000, AccountID: acct, InstrumentID: 1, Quantity: 1, Price: 1})
			s, ok := r.Route(frame)
			require.True(t, ok)
			assert.Equal(t, int(acct)%shards, s)
			assert.Equal(t, s, r.ForAccount(acct))
		}
	}
}

func TestRouteByOrder(t *testing.T) {
	r := NewRouter(PolicyOrder, 4)
	frame := codec.EncodeTradeFrame(nil, schema.TradeExecution{OrderID: 7, AccountID: 1, InstrumentID: 1, Quantity: 1, Price: 1, IsBuy: true})
	s, ok := r.Route(frame)
	require.True(t, ok)
	assert.Equal(t, 3, s)
}

func TestRouteRoundRobin(t *testing.T) {
	r := NewRouter(PolicyRoundRobin, 3)
	var got []int
	for i := 0; i < 5; i++ {
		s, ok := r.Route([]byte{1})
		require.True(t, ok)
		got = append(got, s)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1}, got)
}

func TestRouteRejectsShortFrames(t *testing.T) {
	r := NewRouter(PolicyAccount, 4)
	_, ok := r.Route(nil)
	assert.False(t, ok)
	_, ok = r.Route([]byte{1, 2, 3})
	assert.False(t, ok)
}
