package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	when := time.Date(2024, 3, 9, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		datatype Datatype
		in       any
		want     any
		wantErr  bool
	}{
		{DatatypeString, "Alice", "Alice", false},
		{DatatypeString, 7, nil, true},
		{DatatypeInt64, 7, int64(7), false},
		{DatatypeInt64, float64(7), int64(7), false},
		{DatatypeInt64, json.Number("42"), int64(42), false},
		{DatatypeInt64, 7.5, nil, true},
		{DatatypeDouble, 3, float64(3), false},
		{DatatypeBoolean, true, true, false},
		{DatatypeDate, when, "2024-03-09", false},
		{DatatypeDate, "2024-03-09", "2024-03-09", false},
		{DatatypeDate, "yesterday", nil, true},
		{DatatypeDateTime, when, "2024-03-09T10:30:00Z", false},
		{DatatypeBinary, []byte("hi"), "aGk=", false},
		{DatatypeBinary, "!!", nil, true},
	}
	for _, tt := range tests {
		pt := &PropertyType{ID: uuid.New(), Datatype: tt.datatype}
		got, err := pt.Normalize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "%s %v", tt.datatype, tt.in)
			continue
		}
		require.NoError(t, err, "%s %v", tt.datatype, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseTime(t *testing.T) {
	got, ok := ParseTime("2024-03-09")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), got)

	_, ok = ParseTime(12)
	assert.False(t, ok)
}
