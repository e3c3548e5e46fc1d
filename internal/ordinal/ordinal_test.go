package ordinal

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/nitamono/internal/contentid"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idOf(name string) models.Identifier {
	return contentid.Data([]byte(name))
}

func TestMap_CountUninitialized(t *testing.T) {
	m := New(storage.NewMemoryKVS())
	n, err := m.Count()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Zero(t, n)
}

func TestMap_AppendIdempotent(t *testing.T) {
	kvs := storage.NewMemoryKVS()
	m := New(kvs)

	added, err := m.Append(idOf("x"), "img/x.jpg")
	require.NoError(t, err)
	assert.True(t, added)

	n, err := m.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	id, ok, err := m.At(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idOf("x"), id)

	added, err = m.Append(idOf("x"), "img/other.jpg")
	require.NoError(t, err)
	assert.False(t, added)

	n, err = m.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	_, ok, err = m.At(1)
	require.NoError(t, err)
	assert.False(t, ok, "no second counter for the same identifier")
	ref, _, err := m.Resolve(idOf("x"))
	require.NoError(t, err)
	assert.Equal(t, "img/x.jpg", ref, "first reference wins")
}

func TestMap_CountersContiguous(t *testing.T) {
	m := New(storage.NewMemoryKVS())
	for _, name := range []string{"a", "b", "a", "c", "b", "d"} {
		id := idOf(name)
		_, err := m.Append(id, "ref-"+string(id))
		require.NoError(t, err)
	}
	var got []Entry
	require.NoError(t, m.Each(func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 4)
	for i, e := range got {
		assert.EqualValues(t, i, e.Ordinal)
		assert.Equal(t, "ref-"+string(e.ID), e.Reference)
	}
}

func TestMap_ConcurrentAppend(t *testing.T) {
	m := New(storage.NewMemoryKVS())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := contentid.Data([]byte{byte(i % 25)})
			_, err := m.Append(id, "ref")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	n, err := m.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 25, n)

	seen := make(map[models.Identifier]bool)
	require.NoError(t, m.Each(func(e Entry) error {
		assert.False(t, seen[e.ID], "identifier %s mapped twice", e.ID)
		seen[e.ID] = true
		return nil
	}))
	assert.Len(t, seen, 25)
}

func TestMap_SampleWithReplacement(t *testing.T) {
	m := New(storage.NewMemoryKVS(), WithRand(rand.New(rand.NewPCG(1, 2))))
	_, err := m.Append(idOf("only"), "img/only.jpg")
	require.NoError(t, err)

	got, err := m.Sample(5)
	require.NoError(t, err)
	only := idOf("only")
	assert.Equal(t, []models.Identifier{only, only, only, only, only}, got)
}

func TestMap_SampleSkipsMisses(t *testing.T) {
	kvs := storage.NewMemoryKVS()
	m := New(kvs, WithRand(rand.New(rand.NewPCG(3, 4))))
	_, err := m.Append(idOf("a"), "img/a.jpg")
	require.NoError(t, err)
	_, err = m.Append(idOf("b"), "img/b.jpg")
	require.NoError(t, err)
	require.NoError(t, kvs.Delete("1"))

	got, err := m.Sample(100)
	require.NoError(t, err)
	assert.Less(t, len(got), 100, "misses are dropped, not retried")
	assert.NotEmpty(t, got)
	for _, id := range got {
		assert.Equal(t, idOf("a"), id)
	}
}

func TestMap_SampleEmpty(t *testing.T) {
	m := New(storage.NewMemoryKVS())
	_, err := m.Sample(3)
	assert.ErrorIs(t, err, ErrNotInitialized)

	kvs := storage.NewMemoryKVS()
	require.NoError(t, kvs.Set(CountKey, "0"))
	got, err := New(kvs).Sample(3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMap_ReverseResolve(t *testing.T) {
	m := New(storage.NewMemoryKVS())
	_, err := m.Append(idOf("a"), "ukbench00000.jpg")
	require.NoError(t, err)
	_, err = m.Append(idOf("b"), "ukbench00001.jpg")
	require.NoError(t, err)

	id, ok, err := m.ReverseResolve("ukbench00001.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, idOf("b"), id)

	_, ok, err = m.ReverseResolve("nope.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	idx, err := m.ReverseIndex()
	require.NoError(t, err)
	assert.Equal(t, map[string]models.Identifier{"ukbench00000.jpg": idOf("a"), "ukbench00001.jpg": idOf("b")}, idx)
}

func TestMap_Import(t *testing.T) {
	m := New(storage.NewMemoryKVS())
	a := contentid.Data([]byte("a"))
	b := contentid.Data([]byte("b"))
	input := strings.Join([]string{
		string(a) + " images/with space.jpg",
		"",
		string(b) + " images/b.jpg",
		string(a) + " images/dup.jpg",
	}, "\n")

	added, err := m.Import(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	ref, ok, err := m.Resolve(a)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "images/with space.jpg", ref)
}

func TestMap_ImportRejectsBadIdentifier(t *testing.T) {
	m := New(storage.NewMemoryKVS())
	_, err := m.Import(strings.NewReader("not-an-id images/x.jpg\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidContent))
}

func TestMap_AppendRejectsReservedKeys(t *testing.T) {
	m := New(storage.NewMemoryKVS())
	_, err := m.Append(idOf("a"), "img/a.jpg")
	require.NoError(t, err)

	for _, bad := range []models.Identifier{CountKey, "0", "3", ""} {
		_, err := m.Append(bad, "img/evil.jpg")
		assert.ErrorIs(t, err, models.ErrInvalidContent, "identifier %q", bad)
	}
	n, err := m.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	id, ok, err := m.At(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idOf("a"), id)
}
