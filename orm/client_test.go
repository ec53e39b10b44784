package orm

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	meta "gorel/data/orm"
	"gorel/data/orm/idgen"
	"gorel/errors"
	"gorel/fetcher"
	"gorel/internal/fixture"
	"gorel/messaging"
	"gorel/mutation"
	msync "gorel/messaging/transport/sync"
	"gorel/trigger"
)

type queryCounter struct {
	mu sync.Mutex
	n  int
}

func (c *queryCounter) listen(context.Context, fetcher.Query) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

// take 返回并清零计数
func (c *queryCounter) take() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.n
	c.n = 0
	return n
}

// idFunc 从 start 开始依次分配主键
func idFunc(start int64) idgen.Generator {
	next := start - 1
	var mu sync.Mutex
	return idgen.GeneratorFunc(func(context.Context, *meta.EntityType) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		next++
		return next, nil
	})
}

type harness struct {
	client  *Client
	schema  *meta.Schema
	queries *queryCounter
	events  *trigger.Recorder
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	return newSchemaHarness(t, fixture.Schema(), cfg, opts...)
}

// newSchemaHarness opts 可以引用 schema 中的类型
func newSchemaHarness(t *testing.T, schema *meta.Schema, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{schema: schema, queries: &queryCounter{}, events: &trigger.Recorder{}}
	cfg.Dialect = "sqlite"
	opts = append([]Option{
		WithCache(h.schema.MustType("Book")),
		WithQueryListener(h.queries.listen),
		WithEventSink(h.events),
	}, opts...)
	c, err := New(fixture.OpenSQLite(t), h.schema, cfg, opts...)
	require.NoError(t, err)
	h.client = c
	return h
}

func (h *harness) price(t *testing.T, ctx context.Context, c *Client, id int64) any {
	t.Helper()
	book := h.schema.MustType("Book")
	found, err := c.FindByIDs(ctx, fetcher.NewPlan(book).Add("price"), []any{id})
	require.NoError(t, err)
	require.Len(t, found, 1)
	v, ok := found[0].Value("price")
	require.True(t, ok)
	return v
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInListSize = 0
	_, err := New(fixture.OpenSQLite(t), fixture.Schema(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeValidation))
}

func TestClient_SaveInvalidatesObjectCache(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	book := h.schema.MustType("Book")

	assert.EqualValues(t, 50, h.price(t, ctx, h.client, 1))
	assert.Equal(t, 1, h.queries.take())
	assert.EqualValues(t, 50, h.price(t, ctx, h.client, 1))
	assert.Equal(t, 0, h.queries.take(), "第二次读取命中缓存")

	_, err := h.client.SaveEntity(ctx, meta.New(book).Put("id", int64(1)).Put("price", 60))
	require.NoError(t, err)
	require.NotEmpty(t, h.events.EntityEvents())

	assert.EqualValues(t, 60, h.price(t, ctx, h.client, 1))
	assert.Equal(t, 1, h.queries.take(), "保存后缓存失效")
}

func TestClient_TransactionCommitPublishesAfterCommit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	book := h.schema.MustType("Book")

	h.price(t, ctx, h.client, 1)
	h.queries.take()

	err := h.client.Transaction(ctx, func(ctx context.Context, tx *Client) error {
		assert.True(t, tx.InTransaction())
		if _, err := tx.SaveEntity(ctx, meta.New(book).Put("id", int64(1)).Put("price", 70)); err != nil {
			return err
		}
		assert.Empty(t, h.events.Events(), "提交前不发布事件")
		assert.EqualValues(t, 70, h.price(t, ctx, tx, 1), "事务内读到未提交的数据")
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h.events.EntityEvents())

	h.queries.take()
	assert.EqualValues(t, 70, h.price(t, ctx, h.client, 1))
	assert.Equal(t, 1, h.queries.take())
}

func TestClient_TransactionRollback(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	book := h.schema.MustType("Book")
	boom := stderrors.New("boom")

	err := h.client.Transaction(ctx, func(ctx context.Context, tx *Client) error {
		if _, err := tx.SaveEntity(ctx, meta.New(book).Put("id", int64(1)).Put("price", 99)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, h.events.Events())
	assert.Equal(t, 1, fixture.Count(t, h.client.DB(), `SELECT COUNT(*) FROM BOOK WHERE ID = 1 AND PRICE = 50`))
}

func TestClient_TransactionRollbackOnPanic(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	book := h.schema.MustType("Book")

	assert.Panics(t, func() {
		_ = h.client.Transaction(context.Background(), func(ctx context.Context, tx *Client) error {
			if _, err := tx.SaveEntity(ctx, meta.New(book).Put("id", int64(1)).Put("price", 99)); err != nil {
				return err
			}
			panic("boom")
		})
	})
	assert.Empty(t, h.events.Events())
	assert.Equal(t, 1, fixture.Count(t, h.client.DB(), `SELECT COUNT(*) FROM BOOK WHERE ID = 1 AND PRICE = 50`))
}

func TestClient_NestedTransactionReusesOuter(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	err := h.client.Transaction(context.Background(), func(ctx context.Context, tx *Client) error {
		return tx.Transaction(ctx, func(_ context.Context, inner *Client) error {
			assert.Same(t, tx, inner)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestClient_SnowflakeIDGenerator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IDGenerator = IDGeneratorSnowflake
	cfg.Snowflake = SnowflakeConfig{DatacenterID: 1, WorkerID: 2}
	h := newHarness(t, cfg)
	author := h.schema.MustType("Author")

	res, err := h.client.SaveEntity(context.Background(),
		meta.New(author).Put("firstName", "Jon").Put("lastName", "Bodner"))
	require.NoError(t, err)
	id, ok := meta.IDOf(res.Entity())
	require.True(t, ok)
	require.IsType(t, int64(0), id)
	assert.Positive(t, id.(int64))
}

func TestClient_ExplicitIDGeneratorWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IDGenerator = IDGeneratorUUID
	h := newHarness(t, cfg, WithIDGenerator(fixture.AuthorIDGenerator, idFunc(500)))
	author := h.schema.MustType("Author")

	res, err := h.client.SaveEntity(context.Background(),
		meta.New(author).Put("firstName", "Jon").Put("lastName", "Bodner"))
	require.NoError(t, err)
	id, _ := meta.IDOf(res.Entity())
	assert.Equal(t, int64(500), id)
}

func TestClient_MessageBusDrivesInvalidation(t *testing.T) {
	tpt := msync.NewSyncTransport()
	require.NoError(t, tpt.Start(context.Background()))
	defer tpt.Close()
	bus := messaging.NewMessageBus(tpt)

	h := newHarness(t, DefaultConfig(), WithMessageBus(bus))
	ctx := context.Background()
	book := h.schema.MustType("Book")

	h.price(t, ctx, h.client, 1)
	h.queries.take()

	_, err := h.client.SaveEntity(ctx, meta.New(book).Put("id", int64(1)).Put("price", 65))
	require.NoError(t, err)
	assert.EqualValues(t, 65, h.price(t, ctx, h.client, 1))
	assert.Equal(t, 1, h.queries.take(), "经总线收到的事件使缓存失效")
}

// bookIDs 经由客户端读取书店的 books 关联
func (h *harness) bookIDs(t *testing.T, ctx context.Context, storeID int64) []any {
	t.Helper()
	store := h.schema.MustType("BookStore")
	found, err := h.client.FindByIDs(ctx, fetcher.NewPlan(store).Add("books"), []any{storeID})
	require.NoError(t, err)
	require.Len(t, found, 1)
	var ids []any
	for _, b := range meta.Items(found[0], store.Prop("books")) {
		id, _ := meta.IDOf(b)
		ids = append(ids, meta.KeyOf(id))
	}
	return ids
}

func TestClient_DeleteInvalidatesParentAssociation(t *testing.T) {
	s := fixture.Schema()
	h := newSchemaHarness(t, s, DefaultConfig(), WithCache(s.MustType("BookStore")))
	ctx := context.Background()
	book := h.schema.MustType("Book")

	assert.ElementsMatch(t, []any{int64(1), int64(2), int64(3)}, h.bookIDs(t, ctx, 1))
	h.queries.take()
	assert.ElementsMatch(t, []any{int64(1), int64(2), int64(3)}, h.bookIDs(t, ctx, 1))
	assert.Equal(t, 0, h.queries.take(), "关联命中缓存")

	_, err := h.client.Delete(ctx, book, []any{int64(1)}, mutation.WithDeleteMode(mutation.DeletePhysical))
	require.NoError(t, err)

	assert.ElementsMatch(t, []any{int64(2), int64(3)}, h.bookIDs(t, ctx, 1))
}

func TestClient_ForeignKeyMoveInvalidatesBothParents(t *testing.T) {
	s := fixture.Schema()
	h := newSchemaHarness(t, s, DefaultConfig(), WithCache(s.MustType("BookStore")))
	ctx := context.Background()
	book, store := h.schema.MustType("Book"), h.schema.MustType("BookStore")

	assert.ElementsMatch(t, []any{int64(1), int64(2), int64(3)}, h.bookIDs(t, ctx, 1))
	before := h.bookIDs(t, ctx, 2)
	assert.NotContains(t, before, int64(3))

	_, err := h.client.SaveEntity(ctx, meta.New(book).Put("id", int64(3)).
		Put("store", meta.New(store).Put("id", int64(2))))
	require.NoError(t, err)

	assert.ElementsMatch(t, []any{int64(1), int64(2)}, h.bookIDs(t, ctx, 1))
	assert.Contains(t, h.bookIDs(t, ctx, 2), int64(3))
}
