package services

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetadataTyped(t *testing.T) {
	src := Metadata{
		UserID: 42, HostName: "Finland", PlanID: 3, Operation: "extend",
		KeyID: 7, Price: decimal.NewFromInt(150), Months: 1,
	}
	got, err := ParseMetadata([]byte(src.JSON()))
	require.NoError(t, err)
	assert.Equal(t, src.UserID, got.UserID)
	assert.Equal(t, src.HostName, got.HostName)
	assert.Equal(t, src.KeyID, got.KeyID)
	assert.True(t, got.Price.Equal(src.Price))
}

func TestParseMetadataLoose(t *testing.T) {
	// payment gateways stringify every value
	raw := []byte(`{"user_id":"42","plan_id":"3","key_id":"7","operation":"new","price":"150.50","months":"1","is_trial":"true"}`)
	got, err := ParseMetadata(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.UserID)
	assert.EqualValues(t, 3, got.PlanID)
	assert.EqualValues(t, 7, got.KeyID)
	assert.Equal(t, "new", got.Operation)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("150.50")))
	assert.Equal(t, 1, got.Months)
	assert.True(t, got.IsTrial)
}

func TestParseMetadataEmptyAndInvalid(t *testing.T) {
	got, err := ParseMetadata(nil)
	require.NoError(t, err)
	assert.Zero(t, got.UserID)

	_, err = ParseMetadata([]byte("not json"))
	assert.Error(t, err)
}

func TestMetadataMerge(t *testing.T) {
	stored := Metadata{UserID: 42, HostName: "Finland", Price: decimal.NewFromInt(100)}
	event := Metadata{UserID: 99, HostName: "Sweden", HostCode: "swe", PlanID: 5, Months: 2}

	merged := stored.Merge(event)
	assert.EqualValues(t, 42, merged.UserID, "stored fields keep precedence")
	assert.Equal(t, "Finland", merged.HostName, "stored host binding wins outright")
	assert.Empty(t, merged.HostCode)
	assert.EqualValues(t, 5, merged.PlanID, "gaps fill from the event")
	assert.Equal(t, 2, merged.Months)
	assert.True(t, merged.Price.Equal(decimal.NewFromInt(100)))
}

func TestMetadataMergeDurationTrio(t *testing.T) {
	stored := Metadata{Days: 5}
	event := Metadata{Months: 1, Hours: 3}

	merged := stored.Merge(event)
	assert.Equal(t, 0, merged.Months, "a partially set duration is never mixed with the event's")
	assert.Equal(t, 5, merged.Days)
	assert.Equal(t, 0, merged.Hours)
}
