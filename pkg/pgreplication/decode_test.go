package pgreplication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWAL2JSON_Insert(t *testing.T) {
	raw := []byte(`{"kind":"insert","schema":"public","table":"orders","columnnames":["id","total"],"columnvalues":[1,42.5]}`)

	decoded, err := DecodeWAL2JSON(raw, "")
	require.NoError(t, err)
	assert.Equal(t, "public.orders", decoded.PartitionKey)
	assert.Equal(t, raw, decoded.Payload)
}

func TestDecodeWAL2JSON_DefaultsSchemaToPublic(t *testing.T) {
	raw := []byte(`{"kind":"update","table":"widgets","columnnames":["id"],"columnvalues":[7]}`)

	decoded, err := DecodeWAL2JSON(raw, "")
	require.NoError(t, err)
	assert.Equal(t, "public.widgets", decoded.PartitionKey)
}

func TestDecodeWAL2JSON_RoutesByFirstPrimaryKeyColumn(t *testing.T) {
	raw := []byte(`{"kind":"insert","schema":"public","table":"orders","columnnames":["id","total"],"columnvalues":[1,42.5],"pk":[{"name":"id","type":"integer"}]}`)

	decoded, err := DecodeWAL2JSON(raw, "")
	require.NoError(t, err)
	assert.Equal(t, "public.orders:1", decoded.PartitionKey)
}

func TestDecodeWAL2JSON_FallsBackToConfiguredColumnWhenNoPKReported(t *testing.T) {
	raw := []byte(`{"kind":"insert","schema":"public","table":"orders","columnnames":["order_uuid","total"],"columnvalues":["abc-123",42.5]}`)

	decoded, err := DecodeWAL2JSON(raw, "order_uuid")
	require.NoError(t, err)
	assert.Equal(t, "public.orders:abc-123", decoded.PartitionKey)
}

func TestDecodeWAL2JSON_FallbackColumnMatchIsCaseInsensitive(t *testing.T) {
	raw := []byte(`{"kind":"insert","schema":"public","table":"orders","columnnames":["OrderUUID"],"columnvalues":["abc-123"]}`)

	decoded, err := DecodeWAL2JSON(raw, "orderuuid")
	require.NoError(t, err)
	assert.Equal(t, "public.orders:abc-123", decoded.PartitionKey)
}

func TestDecodeWAL2JSON_FallsBackToTableWhenConfiguredColumnAbsent(t *testing.T) {
	raw := []byte(`{"kind":"insert","schema":"public","table":"widgets","columnnames":["id"],"columnvalues":[7]}`)

	decoded, err := DecodeWAL2JSON(raw, "sku")
	require.NoError(t, err)
	assert.Equal(t, "public.widgets", decoded.PartitionKey)
}

func TestDecodeWAL2JSON_PKReportedTakesPrecedenceOverFallbackColumn(t *testing.T) {
	raw := []byte(`{"kind":"insert","schema":"public","table":"orders","columnnames":["id","order_uuid"],"columnvalues":[1,"abc-123"],"pk":[{"name":"id","type":"integer"}]}`)

	decoded, err := DecodeWAL2JSON(raw, "order_uuid")
	require.NoError(t, err)
	assert.Equal(t, "public.orders:1", decoded.PartitionKey)
}

func TestDecodeWAL2JSON_MissingTableErrors(t *testing.T) {
	_, err := DecodeWAL2JSON([]byte(`{"kind":"insert"}`), "")
	assert.Error(t, err)
}

func TestDecodeWAL2JSON_InvalidJSONErrors(t *testing.T) {
	_, err := DecodeWAL2JSON([]byte(`not json`), "")
	assert.Error(t, err)
}

func TestAdvisoryLockKey_StableForSameSlotName(t *testing.T) {
	a := AdvisoryLockKey("my_slot", 0, false)
	b := AdvisoryLockKey("my_slot", 0, false)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, AdvisoryLockKey("other_slot", 0, false))
}

func TestAdvisoryLockKey_OverrideWins(t *testing.T) {
	assert.EqualValues(t, 12345, AdvisoryLockKey("my_slot", 12345, true))
}
