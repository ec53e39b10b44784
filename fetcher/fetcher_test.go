package fetcher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorel/cache"
	"gorel/data/db/dialect"
	"gorel/data/orm"
	"gorel/errors"
	"gorel/internal/fixture"
)

type queryLog struct {
	mu      sync.Mutex
	queries []Query
}

func (l *queryLog) listen(_ context.Context, q Query) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = append(l.queries, q)
}

func (l *queryLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queries)
}

func (l *queryLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries = nil
}

func sqliteFetcher(t *testing.T, opts ...Option) (*Fetcher, *orm.Schema, *queryLog) {
	t.Helper()
	db := fixture.OpenSQLite(t)
	log := &queryLog{}
	opts = append([]Option{WithQueryListener(log.listen)}, opts...)
	return New(db, dialect.New("sqlite"), opts...), fixture.Schema(), log
}

func idsOf(t *testing.T, list []*orm.Object) []any {
	t.Helper()
	out := make([]any, 0, len(list))
	for _, o := range list {
		id, ok := orm.IDOf(o)
		require.True(t, ok)
		out = append(out, orm.KeyOf(id))
	}
	return out
}

func valueOf(t *testing.T, o *orm.Object, name string) any {
	t.Helper()
	v, ok := o.Value(name)
	require.True(t, ok, "%s not loaded on %s", name, o)
	return v
}

func TestFetch_NestedAssociationsOneQueryPerLevel(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	store, book, author := s.MustType("BookStore"), s.MustType("Book"), s.MustType("Author")

	roots := []*orm.Object{orm.Ref(store, int64(1)), orm.Ref(store, int64(2))}
	plan := NewPlan(store).
		Add("name").
		AddWith("books", NewPlan(book).
			Add("name").
			AddWith("authors", NewPlan(author).Add("firstName")))

	require.NoError(t, f.Fetch(context.Background(), roots, plan))

	// 书店整行、书店的书、书的作者各一次；书名与作者名来自已加载的整行
	assert.Equal(t, 3, log.count())

	assert.Equal(t, "O'REILLY", valueOf(t, roots[0], "name"))
	books := orm.Items(roots[0], store.Prop("books"))
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, idsOf(t, books))
	assert.Equal(t, []any{int64(10), int64(11)}, idsOf(t, orm.Items(roots[1], store.Prop("books"))))
	assert.Equal(t, "Learning GraphQL", valueOf(t, books[0], "name"))

	authors := orm.Items(books[0], book.Prop("authors"))
	assert.Equal(t, []any{int64(1), int64(2)}, idsOf(t, authors))
	assert.Equal(t, "Eve", valueOf(t, authors[0], "firstName"))

	book11 := orm.Items(roots[1], store.Prop("books"))[1]
	assert.True(t, book11.IsLoaded(book.Prop("authors").Index()))
	assert.Empty(t, orm.Items(book11, book.Prop("authors")))
}

func TestFetch_ManyToManyInverseSide(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	author := s.MustType("Author")

	roots := []*orm.Object{orm.Ref(author, int64(1)), orm.Ref(author, int64(3))}
	require.NoError(t, f.Fetch(context.Background(), roots, NewPlan(author).Add("books")))

	assert.Equal(t, 1, log.count())
	assert.Equal(t, []any{int64(1), int64(2)}, idsOf(t, orm.Items(roots[0], author.Prop("books"))))
	assert.Equal(t, []any{int64(3), int64(10)}, idsOf(t, orm.Items(roots[1], author.Prop("books"))))
	assert.False(t, orm.Items(roots[0], author.Prop("books"))[0].IsLoaded(s.MustType("Book").Prop("name").Index()),
		"id-only plan yields references")
}

func TestFetch_ForeignKeyReference(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	book, store := s.MustType("Book"), s.MustType("BookStore")
	ctx := context.Background()

	books, err := f.FindByIDs(ctx, NewPlan(book).Add("store"), []any{int64(1), int64(10), int64(999)})
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, 1, log.count(), "foreign key comes with the row")
	ref := orm.RefOf(books[1], book.Prop("store"))
	require.NotNil(t, ref)
	id, _ := orm.IDOf(ref)
	assert.Equal(t, int64(2), id)

	log.reset()
	books, err = f.FindByIDs(ctx, NewPlan(book).AddWith("store", NewPlan(store).Add("name")), []any{int64(1), int64(2), int64(10)})
	require.NoError(t, err)
	assert.Equal(t, 2, log.count())
	assert.Equal(t, "O'REILLY", valueOf(t, orm.RefOf(books[0], book.Prop("store")), "name"))
	assert.Equal(t, "MANNING", valueOf(t, orm.RefOf(books[2], book.Prop("store")), "name"))
	assert.NotSame(t, orm.RefOf(books[0], book.Prop("store")), orm.RefOf(books[1], book.Prop("store")))
}

func TestFetch_ForeignKeyOfIDOnlyDrafts(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	book := s.MustType("Book")

	drafts := []*orm.Object{orm.Ref(book, int64(1)), orm.Ref(book, int64(10))}
	require.NoError(t, f.Fetch(context.Background(), drafts, NewPlan(book).Add("store")))
	assert.Equal(t, 1, log.count())
	id, _ := orm.IDOf(orm.RefOf(drafts[1], book.Prop("store")))
	assert.Equal(t, int64(2), id)
}

func TestFetch_RecursionDepth(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	node := s.MustType("TreeNode")
	children := node.Prop("childNodes")

	plan := NewPlan(node).AddWith("childNodes", NewPlan(node), Recursive(Depth(2)))
	roots, err := f.FindByIDs(context.Background(), plan, []any{int64(1)})
	require.NoError(t, err)
	require.Len(t, roots, 1)

	// 根、第一层、第二层
	assert.Equal(t, 3, log.count())
	level1 := orm.Items(roots[0], children)
	assert.Equal(t, []any{int64(2), int64(3)}, idsOf(t, level1))
	level2 := orm.Items(level1[0], children)
	assert.Equal(t, []any{int64(4), int64(5)}, idsOf(t, level2))
	assert.Equal(t, "Drinks", valueOf(t, level2[0], "name"))
	assert.False(t, level2[0].IsLoaded(children.Index()), "depth 3 is not expanded")
}

func TestFetch_RecursionPredicate(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	node := s.MustType("TreeNode")
	children := node.Prop("childNodes")

	skipFood := func(n orm.Immutable, _ int) bool {
		name, _ := n.(*orm.Object).Value("name")
		return name != "Food"
	}
	plan := NewPlan(node).AddWith("childNodes", NewPlan(node), Recursive(skipFood))
	roots, err := f.FindByIDs(context.Background(), plan, []any{int64(1)})
	require.NoError(t, err)

	// 根、Home、Clothing、Woman
	assert.Equal(t, 4, log.count())
	level1 := orm.Items(roots[0], children)
	assert.False(t, level1[0].IsLoaded(children.Index()))
	woman := orm.Items(level1[1], children)[0]
	assert.Equal(t, "Woman", valueOf(t, woman, "name"))
	assert.True(t, woman.IsLoaded(children.Index()))
	assert.Empty(t, orm.Items(woman, children))
}

func TestFetch_RecursionUnboundedStopsAtLeaves(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	node := s.MustType("TreeNode")

	plan := NewPlan(node).Add("childNodes", Recursive(nil))
	_, err := f.FindByIDs(context.Background(), plan, []any{int64(1)})
	require.NoError(t, err)
	assert.Equal(t, 4, log.count())
}

func TestFetch_RecursiveParentChain(t *testing.T) {
	f, s, _ := sqliteFetcher(t)
	node := s.MustType("TreeNode")
	parent := node.Prop("parent")

	plan := NewPlan(node).AddWith("parent", NewPlan(node), Recursive(nil))
	nodes, err := f.FindByIDs(context.Background(), plan, []any{int64(4)})
	require.NoError(t, err)

	food := orm.RefOf(nodes[0], parent)
	require.NotNil(t, food)
	assert.Equal(t, "Food", valueOf(t, food, "name"))
	home := orm.RefOf(food, parent)
	require.NotNil(t, home)
	assert.Equal(t, "Home", valueOf(t, home, "name"))
	assert.True(t, home.IsLoaded(parent.Index()))
	assert.Nil(t, orm.RefOf(home, parent))
}

func TestFetch_BatchSize(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	book := s.MustType("Book")

	var drafts []*orm.Object
	for _, id := range []int64{1, 2, 3, 10, 11} {
		drafts = append(drafts, orm.Ref(book, id))
	}
	require.NoError(t, f.Fetch(context.Background(), drafts, NewPlan(book).Add("authors", BatchSize(2))))
	assert.Equal(t, 3, log.count())
	assert.Equal(t, []any{int64(3)}, idsOf(t, orm.Items(drafts[3], book.Prop("authors"))))
}

func TestFetch_LimitPerParent(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	store, book := s.MustType("BookStore"), s.MustType("Book")
	ctx := context.Background()

	roots := []*orm.Object{orm.Ref(store, int64(1)), orm.Ref(store, int64(2))}
	require.NoError(t, f.Fetch(ctx, roots, NewPlan(store).AddWith("books", NewPlan(book), Limit(2, 0))))
	assert.Equal(t, 2, log.count(), "limit forces one query per parent")
	assert.Equal(t, []any{int64(1), int64(2)}, idsOf(t, orm.Items(roots[0], store.Prop("books"))))
	assert.Equal(t, []any{int64(10), int64(11)}, idsOf(t, orm.Items(roots[1], store.Prop("books"))))

	roots = []*orm.Object{orm.Ref(store, int64(1))}
	require.NoError(t, f.Fetch(ctx, roots, NewPlan(store).Add("books", Limit(1, 1))))
	assert.Equal(t, []any{int64(2)}, idsOf(t, orm.Items(roots[0], store.Prop("books"))))
}

func TestFetch_EmbeddedIDWithoutTupleIn(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	item, key, order := s.MustType("OrderItem"), s.MustType("OrderItemKey"), s.MustType("Order")

	ids := []any{
		orm.New(key).Put("a", int64(1)).Put("b", int64(2)),
		orm.New(key).Put("a", int64(2)).Put("b", int64(1)),
	}
	items, err := f.FindByIDs(context.Background(), NewPlan(item).AddWith("order", NewPlan(order)), ids)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "i-1-2", valueOf(t, items[0], "name"))
	assert.Equal(t, "order-1", valueOf(t, orm.RefOf(items[1], item.Prop("order")), "name"))
	assert.Contains(t, log.queries[0].SQL, `("COL_A" = ? AND "COL_B" = ?) OR ("COL_A" = ? AND "COL_B" = ?)`)
}

func TestFetch_LogicallyDeletedTargetsAreSkipped(t *testing.T) {
	f, s, _ := sqliteFetcher(t)
	dept, emp := s.MustType("Department"), s.MustType("Employee")
	ctx := context.Background()

	_, err := f.db.Exec(ctx, `UPDATE DEPARTMENT SET DELETED = TRUE WHERE ID = 1`)
	require.NoError(t, err)

	emps, err := f.FindByIDs(ctx, NewPlan(emp).AddWith("department", NewPlan(dept)), []any{int64(1)})
	require.NoError(t, err)
	require.Len(t, emps, 1)
	assert.True(t, emps[0].IsLoaded(emp.Prop("department").Index()))
	assert.Nil(t, orm.RefOf(emps[0], emp.Prop("department")))

	depts, err := f.FindByIDs(ctx, NewPlan(dept), []any{int64(1)})
	require.NoError(t, err)
	assert.Empty(t, depts)
}

func TestFetch_ThroughCaches(t *testing.T) {
	s := fixture.Schema()
	store, book := s.MustType("BookStore"), s.MustType("Book")
	registry := cache.NewRegistry()
	books := cache.NewObjectChain(book, cache.Tiers{LRU: &cache.LRUConfig{}})
	storeBooks := cache.NewAssociationChain(store.Prop("books"), cache.Tiers{LRU: &cache.LRUConfig{}})
	registry.RegisterObject(book, books)
	registry.RegisterAssociation(store.Prop("books"), storeBooks)

	db := fixture.OpenSQLite(t)
	log := &queryLog{}
	f := New(db, dialect.New("sqlite"), WithCaches(registry), WithQueryListener(log.listen))
	plan := NewPlan(store).AddWith("books", NewPlan(book).Add("name"))

	fetch := func() []*orm.Object {
		roots := []*orm.Object{orm.Ref(store, int64(1)), orm.Ref(store, int64(2))}
		require.NoError(t, f.Fetch(context.Background(), roots, plan))
		return roots
	}

	roots := fetch()
	assert.Equal(t, 2, log.count(), "association ids, then book rows")
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, idsOf(t, orm.Items(roots[0], store.Prop("books"))))

	log.reset()
	roots = fetch()
	assert.Equal(t, 0, log.count())
	assert.Equal(t, "GraphQL in Action", valueOf(t, orm.Items(roots[1], store.Prop("books"))[0], "name"))

	// 挂到草稿上的是副本，修改不会污染缓存
	orm.Items(roots[0], store.Prop("books"))[0].Put("name", "changed")
	log.reset()
	require.NoError(t, books.DeleteAll(context.Background(), []any{int64(2)}, cache.ReasonTrigger))
	roots = fetch()
	require.Equal(t, 1, log.count())
	assert.Equal(t, []any{int64(2)}, log.queries[0].Args)
	assert.Equal(t, "Learning GraphQL", valueOf(t, orm.Items(roots[0], store.Prop("books"))[0], "name"))
}

func TestFetch_SharedSession(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	book := s.MustType("Book")
	ctx := WithSession(context.Background())
	assert.Equal(t, ctx, WithSession(ctx))

	drafts := []*orm.Object{orm.Ref(book, int64(1)), orm.Ref(book, int64(2))}
	require.NoError(t, f.Fetch(ctx, drafts, NewPlan(book).Add("name")))
	assert.Equal(t, 1, log.count())

	// 同一会话内的嵌套调用复用已加载的行
	found, err := f.FindByIDs(ctx, NewPlan(book).Add("price"), []any{int64(2), int64(1)})
	require.NoError(t, err)
	assert.Equal(t, 1, log.count())
	assert.Equal(t, []any{int64(2), int64(1)}, idsOf(t, found))

	Invalidate(ctx, book)
	_, err = f.FindByIDs(ctx, NewPlan(book), []any{int64(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, log.count())

	// 新的 context 不共享
	_, err = f.FindByIDs(context.Background(), NewPlan(book), []any{int64(1)})
	require.NoError(t, err)
	assert.Equal(t, 3, log.count())
}

func TestFetch_KeepsLoadedValues(t *testing.T) {
	f, s, log := sqliteFetcher(t)
	book := s.MustType("Book")

	draft := orm.Ref(book, int64(1)).Put("name", "draft name")
	require.NoError(t, f.Fetch(context.Background(), []*orm.Object{draft}, NewPlan(book).Add("name")))
	assert.Equal(t, 0, log.count())
	assert.Equal(t, "draft name", valueOf(t, draft, "name"))
}

func TestFetch_InvalidInput(t *testing.T) {
	f, s, _ := sqliteFetcher(t)
	book, store := s.MustType("Book"), s.MustType("BookStore")
	ctx := context.Background()

	err := f.Fetch(ctx, []*orm.Object{orm.New(book)}, NewPlan(book).Add("name"))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))

	err = f.Fetch(ctx, []*orm.Object{orm.Ref(store, int64(1))}, NewPlan(book).Add("name"))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))

	err = f.Fetch(ctx, []*orm.Object{orm.Freeze(orm.Ref(book, int64(1)))}, NewPlan(book).Add("name"))
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeInvalidInput))

	assert.NoError(t, f.Fetch(ctx, nil, NewPlan(book).Add("name")))
}

func TestFetch_QueryErrorIsWrapped(t *testing.T) {
	f, s, _ := sqliteFetcher(t)
	book := s.MustType("Book")
	ctx := context.Background()

	_, err := f.db.Exec(ctx, `DROP TABLE BOOK_AUTHOR_MAPPING`)
	require.NoError(t, err)

	err = f.Fetch(ctx, []*orm.Object{orm.Ref(book, int64(1))}, NewPlan(book).Add("authors"))
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeExecution))
	app, ok := errors.AsAppError(err)
	require.True(t, ok)
	path, _ := app.Detail("path")
	assert.Equal(t, "Book.authors", path)
}
