package idgen

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorel/data/orm"
)

func testSchema(t *testing.T) *orm.Schema {
	t.Helper()
	b := orm.NewSchemaBuilder()
	b.Entity("Book").GeneratedID("id", "snowflake").Scalar("name")
	b.Entity("Author").GeneratedID("id", "uuid").Scalar("name")
	b.Entity("Tag").ID("id")
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func TestNewSnowflake_Range(t *testing.T) {
	_, err := NewSnowflake(-1, 1)
	assert.Error(t, err)
	_, err = NewSnowflake(1, 32)
	assert.Error(t, err)
	g, err := NewSnowflake(31, 0)
	require.NoError(t, err)
	assert.NotNil(t, g)
}

func TestSnowflake_UniqueUnderConcurrency(t *testing.T) {
	g, err := NewSnowflake(1, 1)
	require.NoError(t, err)

	const goroutines, perG = 8, 500
	var (
		mu  sync.Mutex
		ids = make(map[int64]struct{}, goroutines*perG)
		wg  sync.WaitGroup
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				id, err := g.NextID()
				assert.NoError(t, err)
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, goroutines*perG)
}

func TestParse(t *testing.T) {
	g, err := NewSnowflake(3, 7)
	require.NoError(t, err)
	id, err := g.NextID()
	require.NoError(t, err)

	parts := Parse(id)
	assert.Equal(t, int64(3), parts["datacenterID"])
	assert.Equal(t, int64(7), parts["workerID"])
}

func TestRegistry_For(t *testing.T) {
	s := testSchema(t)
	sf, err := NewSnowflake(1, 1)
	require.NoError(t, err)

	r := NewRegistry()
	r.Register("snowflake", sf)
	r.Register("uuid", UUID{})

	g, err := r.For(s.MustType("Book"))
	require.NoError(t, err)
	id, err := g.Generate(context.Background(), s.MustType("Book"))
	require.NoError(t, err)
	assert.IsType(t, int64(0), id)

	g, err = r.For(s.MustType("Author"))
	require.NoError(t, err)
	id, err = g.Generate(context.Background(), s.MustType("Author"))
	require.NoError(t, err)
	_, err = uuid.Parse(id.(string))
	assert.NoError(t, err)

	_, err = r.For(s.MustType("Tag"))
	assert.Error(t, err)

	empty := NewRegistry()
	_, err = empty.For(s.MustType("Book"))
	assert.Error(t, err)
}
