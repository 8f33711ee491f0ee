package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStoreRoundTrip(t *testing.T) {
	s := NewMemStore()

	require.NoError(t, s.Put(t.Context(), "k", []byte("v")))

	data, err := s.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)

	require.NoError(t, s.Delete(t.Context(), "k"))
	_, err = s.Get(t.Context(), "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreCopiesData(t *testing.T) {
	s := NewMemStore()

	data := []byte("original")
	require.NoError(t, s.Put(t.Context(), "k", data))
	data[0] = 'X'

	stored, err := s.Get(t.Context(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), stored)
}

func TestJSONHelpers(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	s := NewMemStore()
	require.NoError(t, Put(t.Context(), s, "p", payload{Name: "x", Count: 3}))

	out, err := Get[payload](t.Context(), s, "p")
	require.NoError(t, err)
	assert.Equal(t, payload{Name: "x", Count: 3}, out)

	_, err = Get[payload](t.Context(), s, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
