package stats

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looperhq/looper/catalog"
)

func TestParseBlobEmpty(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage("{}")} {
		b, err := parseBlob(raw)
		require.NoError(t, err)
		_, ok := b.entry.value(KindSpotsCount)
		assert.False(t, ok, "missing key means not computed")
	}
}

func TestParseBlobMalformed(t *testing.T) {
	_, err := parseBlob(json.RawMessage(`{"spotsCount":`))
	require.Error(t, err)
}

func TestBlobRoundTrip(t *testing.T) {
	b := &blob{}
	b.entry.set(Value{Kind: KindSpotsCount, Count: 10})
	b.entry.set(Value{Kind: KindMPVTotal, Total: decimal.RequireFromString("12.5")})

	studio := b.ensure(catalog.ForStudio(7))
	studio.set(Value{Kind: KindSpotsCount, Count: 4})
	studio.set(Value{Kind: KindShareOfVoice, Ratio: 0.4})

	raw, err := b.marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"spotsCount": 10,
		"mpvTotal": 12.5,
		"studio": {"7": {"spotsCount": 4, "shareOfVoice": 0.4}}
	}`, string(raw), "uncomputed keys stay absent, mpvTotal is a bare number")

	parsed, err := parseBlob(raw)
	require.NoError(t, err)

	v, ok := parsed.entry.value(KindSpotsCount)
	require.True(t, ok)
	assert.Equal(t, int64(10), v.Count)

	v, ok = parsed.entry.value(KindMPVTotal)
	require.True(t, ok)
	assert.Equal(t, "12.5", v.Total.String())

	_, ok = parsed.entry.value(KindMediumATFSpotsCount)
	assert.False(t, ok)

	e := parsed.lookup(catalog.ForStudio(7))
	require.NotNil(t, e)
	v, ok = e.value(KindShareOfVoice)
	require.True(t, ok)
	assert.InDelta(t, 0.4, v.Ratio, 1e-9)

	assert.Nil(t, parsed.lookup(catalog.ForStudio(8)))
	assert.Nil(t, parsed.lookup(catalog.ForTitle(7)))
}

func TestBlobClearAndDrop(t *testing.T) {
	b := &blob{}
	scope := catalog.ForTitle(3)
	b.ensure(scope).set(Value{Kind: KindSpotsCount, Count: 2})

	e := b.lookup(scope)
	require.NotNil(t, e)
	e.clear(KindSpotsCount)
	require.True(t, e.empty())
	b.drop(scope)

	assert.Nil(t, b.lookup(scope))
	raw, err := b.marshal()
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(raw))
}
