package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestColumns(t *testing.T) {
	cols := Columns{Col("name", "Lisbon"), Col("city_rank", 3)}

	assert.Equal(t, []string{"name", "city_rank"}, cols.Names())
	assert.Equal(t, []any{"Lisbon", 3}, cols.Values())

	v, ok := cols.Get("city_rank")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	_, ok = cols.Get("missing")
	assert.False(t, ok)
}

func TestUpsertSpec_UpdateColumns(t *testing.T) {
	spec := UpsertSpec{
		Columns:  []string{"city_id", "attribute_id", "month_number", "attribute_value", "description"},
		Conflict: []string{"city_id", "attribute_id", "month_number"},
	}
	assert.Equal(t, []string{"attribute_value", "description"}, spec.UpdateColumns())
}

func TestEqual(t *testing.T) {
	url := "https://example.test"
	var nilURL *string

	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{"int kinds", int32(3), int64(3), true},
		{"int vs float", 3, 3.0, true},
		{"float32 vs float64", float32(0.5), 0.5, true},
		{"bytes vs string", []byte("8"), "8", true},
		{"string pointer", &url, "https://example.test", true},
		{"nil pointer vs nil", nilURL, nil, true},
		{"nil vs empty string", nil, "", false},
		{"string vs number", "8", 8, false},
		{"different strings", "8", "9", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

type pingStore struct {
	Store
	err error
}

func (p pingStore) Ping(ctx context.Context) error { return p.err }

func TestCheck(t *testing.T) {
	h := Check(context.Background(), pingStore{err: errors.New("down")})
	assert.False(t, h.Healthy)
	assert.EqualError(t, h.Error, "down")

	h = Check(context.Background(), pingStore{})
	assert.True(t, h.Healthy)
}
