package mutation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorel/data/orm"
	"gorel/errors"
	"gorel/internal/fixture"
	"gorel/trigger"
)

func TestSave_InsertStoreWithBooks(t *testing.T) {
	e, db, log := sqliteEngine(t)
	s := e.Schema()
	storeT, bookT := mustType(t, s, "BookStore"), mustType(t, s, "Book")

	store := orm.New(storeT).Put("name", "APRESS").Put("books", []*orm.Object{
		orm.New(bookT).Put("name", "Pro Go").Put("edition", 1).Put("price", 45),
		orm.New(bookT).Put("name", "Pro Go").Put("edition", 2).Put("price", 48),
	})
	res, err := e.SaveEntity(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"BOOK_STORE": 1, "BOOK": 2}, res.CountsByTable())
	saved := res.Entity()
	id, ok := orm.IDOf(saved)
	require.True(t, ok)
	version, _ := saved.Value("version")
	assert.Equal(t, int64(0), version)
	for _, b := range orm.Items(saved, storeT.Prop("books")) {
		_, ok := orm.IDOf(b)
		assert.True(t, ok, "自增主键回填到子对象")
	}
	assert.Equal(t, 2, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK WHERE STORE_ID = ?`, id))

	// 同 Shape 的两本书共用一条 INSERT
	var bookInserts []Statement
	for _, st := range log.all() {
		if len(st.SQL) > 18 && st.SQL[:18] == `INSERT INTO "BOOK"` {
			bookInserts = append(bookInserts, st)
		}
	}
	require.Len(t, bookInserts, 1)
	assert.Len(t, bookInserts[0].Rows, 2)

	// 输入对象不被修改
	_, ok = orm.IDOf(store)
	assert.False(t, ok)
}

func TestSave_MatchByKeyUpdatesExistingRow(t *testing.T) {
	e, db, log := sqliteEngine(t)
	storeT := mustType(t, e.Schema(), "BookStore")

	res, err := e.SaveEntity(context.Background(),
		orm.New(storeT).Put("name", "MANNING").Put("website", "https://www.manning.com"))
	require.NoError(t, err)

	id, _ := orm.IDOf(res.Entity())
	assert.Equal(t, int64(2), id)
	assert.Equal(t, int64(1), res.RowCount("BOOK_STORE"))
	assert.Equal(t, 1, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK_STORE WHERE ID = 2 AND WEBSITE = 'https://www.manning.com'`))
	assert.Equal(t, []string{`UPDATE "BOOK_STORE" SET "WEBSITE" = ? WHERE "ID" = ?`}, log.sqls("UPDATE"))
}

func TestSave_NullableKeyMatchesWithIsNull(t *testing.T) {
	e, _, log := sqliteEngine(t)
	node := mustType(t, e.Schema(), "TreeNode")

	res, err := e.SaveEntity(context.Background(), orm.New(node).Put("name", "Home").Put("parent", nil))
	require.NoError(t, err)

	id, _ := orm.IDOf(res.Entity())
	assert.Equal(t, int64(1), id)
	assert.Equal(t, int64(0), res.TotalAffectedRowCount, "只有业务键时没有可更新的列")
	assert.Equal(t, []string{`SELECT "NODE_ID", "NAME", "PARENT_ID" FROM "TREE_NODE" WHERE "NAME" = ? AND "PARENT_ID" IS NULL`}, log.sqls("SELECT"))
	assert.Empty(t, log.sqls("UPDATE"))
}

func TestSave_OptimisticLock(t *testing.T) {
	e, db, _ := sqliteEngine(t)
	storeT := mustType(t, e.Schema(), "BookStore")
	ctx := context.Background()

	res, err := e.SaveEntity(ctx, orm.New(storeT).Put("id", int64(1)).Put("name", "O'REILLY").Put("version", int64(0)))
	require.NoError(t, err)
	version, _ := res.Entity().Value("version")
	assert.Equal(t, int64(1), version)
	assert.Equal(t, 1, fixture.Count(t, db, `SELECT VERSION FROM BOOK_STORE WHERE ID = 1`))

	stale := orm.New(storeT).Put("id", int64(1)).Put("name", "O'REILLY").Put("version", int64(0))
	res, err = e.SaveEntity(ctx, stale)
	require.NoError(t, err, "默认只让失败的实体落空")
	require.Len(t, res.Failures, 1)
	assert.True(t, errors.IsOptimisticLock(res.Failures[0].Err))
	assert.Equal(t, int64(0), res.TotalAffectedRowCount)

	_, err = e.SaveEntity(ctx, stale, WithAllOrNothing(true))
	require.Error(t, err)
	assert.True(t, errors.IsOptimisticLock(err))
}

func TestSave_OptimisticLockSparesSiblings(t *testing.T) {
	e, db, _ := sqliteEngine(t)
	storeT := mustType(t, e.Schema(), "BookStore")

	res, err := e.Save(context.Background(), []orm.Immutable{
		orm.New(storeT).Put("id", int64(1)).Put("website", "stale").Put("version", int64(9)),
		orm.New(storeT).Put("id", int64(2)).Put("website", "fresh").Put("version", int64(0)),
	})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	failedID, _ := orm.IDOf(res.Failures[0].Entity)
	assert.Equal(t, int64(1), failedID)
	assert.Equal(t, int64(1), res.RowCount("BOOK_STORE"))
	assert.Equal(t, 1, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK_STORE WHERE ID = 2 AND WEBSITE = 'fresh'`))
	assert.Equal(t, 0, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK_STORE WHERE WEBSITE = 'stale'`))
}

func TestSave_NothingWritableSkipsUpdate(t *testing.T) {
	e, db, log := sqliteEngine(t)
	storeT := mustType(t, e.Schema(), "BookStore")

	res, err := e.SaveEntity(context.Background(),
		orm.New(storeT).Put("id", int64(1)).Put("version", int64(0)), WithSaveMode(SaveUpdateOnly))
	require.NoError(t, err)
	assert.Empty(t, log.sqls("UPDATE"))
	assert.Equal(t, int64(0), res.TotalAffectedRowCount)
	assert.Equal(t, 0, fixture.Count(t, db, `SELECT VERSION FROM BOOK_STORE WHERE ID = 1`))
}

func TestSave_OptimisticModeRequiresVersion(t *testing.T) {
	e, _, _ := sqliteEngine(t)
	storeT := mustType(t, e.Schema(), "BookStore")

	_, err := e.SaveEntity(context.Background(),
		orm.New(storeT).Put("id", int64(1)).Put("website", "x"),
		WithLockMode(LockOptimistic))
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeNoVersion))
}

func TestSave_UpdatesBatchedByShape(t *testing.T) {
	e, _, log := sqliteEngine(t)
	bookT := mustType(t, e.Schema(), "Book")

	books := []orm.Immutable{
		orm.New(bookT).Put("id", int64(1)).Put("price", 60),
		orm.New(bookT).Put("id", int64(3)).Put("name", "Effective TypeScript 2e").Put("price", 70),
		orm.New(bookT).Put("id", int64(2)).Put("price", 61),
	}
	res, err := e.Save(context.Background(), books, WithSaveMode(SaveUpdateOnly))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowCount("BOOK"))

	var updates []Statement
	for _, st := range log.all() {
		if len(st.SQL) > 6 && st.SQL[:6] == "UPDATE" {
			updates = append(updates, st)
		}
	}
	require.Len(t, updates, 2)
	assert.Equal(t, `UPDATE "BOOK" SET "PRICE" = ? WHERE "ID" = ?`, updates[0].SQL)
	assert.Equal(t, [][]any{{60, int64(1)}, {61, int64(2)}}, updates[0].Rows)
	assert.Equal(t, `UPDATE "BOOK" SET "NAME" = ?, "PRICE" = ? WHERE "ID" = ?`, updates[1].SQL)
	require.Len(t, res.Entities, 3)
	id, _ := orm.IDOf(res.Entities[1])
	assert.Equal(t, int64(3), id, "结果与输入同序")
}

func TestSave_ReplaceDeletesOrphanChildren(t *testing.T) {
	e, db, _ := sqliteEngine(t)
	s := e.Schema()
	storeT, bookT := mustType(t, s, "BookStore"), mustType(t, s, "Book")

	store := orm.New(storeT).
		Put("id", int64(1)).
		Put("name", "O'REILLY").
		Put("version", int64(0)).
		Put("books", []*orm.Object{orm.Ref(bookT, int64(1))})
	res, err := e.SaveEntity(context.Background(), store)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.RowCount("BOOK_STORE"))
	// book 1 的外键更新一次，book 2、3 被级联删除
	assert.Equal(t, int64(3), res.AffectedRowCountMap[AffectedTable{Table: "BOOK", Kind: KindEntity}])
	assert.Equal(t, int64(2), res.AffectedRowCountMap[AffectedTable{Table: "BOOK_AUTHOR_MAPPING", Kind: KindMiddleTable}])
	assert.Equal(t, 1, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK WHERE STORE_ID = 1`))
	assert.Equal(t, 0, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK_AUTHOR_MAPPING WHERE BOOK_ID IN (2, 3)`))
}

func TestSave_MergeNeverDissociates(t *testing.T) {
	e, db, _ := sqliteEngine(t)
	s := e.Schema()
	storeT, bookT := mustType(t, s, "BookStore"), mustType(t, s, "Book")

	store := orm.New(storeT).
		Put("id", int64(1)).
		Put("name", "O'REILLY").
		Put("version", int64(0)).
		Put("books", []*orm.Object{orm.Ref(bookT, int64(1))})
	_, err := e.SaveEntity(context.Background(), store, WithAssociatedMode(AssociatedMerge))
	require.NoError(t, err)
	assert.Equal(t, 3, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK WHERE STORE_ID = 1`))
}

func TestSave_ManyToManyWithGeneratedTarget(t *testing.T) {
	e, db, _ := sqliteEngine(t)
	s := e.Schema()
	bookT, authorT := mustType(t, s, "Book"), mustType(t, s, "Author")

	book := orm.New(bookT).Put("id", int64(3)).Put("authors", []*orm.Object{
		orm.Ref(authorT, int64(1)),
		orm.New(authorT).Put("firstName", "Boris").Put("lastName", "Cherny"),
	})
	res, err := e.SaveEntity(context.Background(), book)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.RowCount("AUTHOR"))
	// 新增两行，删除原来的 (3, 3)
	assert.Equal(t, int64(3), res.RowCount("BOOK_AUTHOR_MAPPING"))
	authors := orm.Items(res.Entity(), bookT.Prop("authors"))
	require.Len(t, authors, 2)
	id, _ := orm.IDOf(authors[1])
	assert.Equal(t, int64(101), id)
	assert.Equal(t, 1, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK_AUTHOR_MAPPING WHERE BOOK_ID = 3 AND AUTHOR_ID = 1`))
	assert.Equal(t, 1, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK_AUTHOR_MAPPING WHERE BOOK_ID = 3 AND AUTHOR_ID = 101`))
	assert.Equal(t, 0, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK_AUTHOR_MAPPING WHERE BOOK_ID = 3 AND AUTHOR_ID = 3`))
}

func TestSave_InsertIfAbsentSkipsExistingRows(t *testing.T) {
	e, db, _ := sqliteEngine(t)
	storeT := mustType(t, e.Schema(), "BookStore")

	res, err := e.SaveEntity(context.Background(),
		orm.New(storeT).Put("id", int64(1)).Put("name", "RENAMED"),
		WithSaveMode(SaveInsertIfAbsent))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.TotalAffectedRowCount)
	assert.Equal(t, 1, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK_STORE WHERE ID = 1 AND NAME = 'O''REILLY'`))
}

func TestSave_LogicalDeletedFlagInitialized(t *testing.T) {
	e, db, _ := sqliteEngine(t)
	dept := mustType(t, e.Schema(), "Department")

	_, err := e.SaveEntity(context.Background(), orm.New(dept).Put("id", int64(2)).Put("name", "Sales"))
	require.NoError(t, err)
	assert.Equal(t, 1, fixture.Count(t, db, `SELECT COUNT(*) FROM DEPARTMENT WHERE ID = 2 AND DELETED = 0`))
}

func TestSave_Errors(t *testing.T) {
	cases := []struct {
		name  string
		input func(s *orm.Schema) orm.Immutable
		opts  func(s *orm.Schema) []Option
		code  errors.ErrorCode
		path  string
	}{
		{
			name: "neither id nor key",
			input: func(s *orm.Schema) orm.Immutable {
				return orm.New(s.MustType("Book")).Put("price", 1)
			},
			code: errors.ErrCodeNeitherIDNorKey,
			path: "<root>",
		},
		{
			name: "no id generator",
			input: func(s *orm.Schema) orm.Immutable {
				return orm.New(s.MustType("Order")).Put("name", "order-2")
			},
			code: errors.ErrCodeNoIDGenerator,
			path: "<root>",
		},
		{
			name: "null target",
			input: func(s *orm.Schema) orm.Immutable {
				key := orm.New(s.MustType("OrderItemKey")).Put("a", 9).Put("b", 9)
				return orm.New(s.MustType("OrderItem")).Put("id", key).Put("name", "i-9-9").Put("order", nil)
			},
			code: errors.ErrCodeNullTarget,
			path: "<root>.order",
		},
		{
			name: "illegal target id",
			input: func(s *orm.Schema) orm.Immutable {
				return orm.New(s.MustType("Book")).Put("id", int64(1)).Put("store", orm.Ref(s.MustType("BookStore"), int64(99)))
			},
			opts: func(s *orm.Schema) []Option {
				return []Option{WithAutoChecking(s.MustType("Book").Prop("store"))}
			},
			code: errors.ErrCodeIllegalTargetID,
			path: "<root>.store",
		},
		{
			name: "key only reference not found",
			input: func(s *orm.Schema) orm.Immutable {
				return orm.New(s.MustType("Book")).Put("id", int64(1)).Put("store", orm.New(s.MustType("BookStore")).Put("name", "NOBODY"))
			},
			opts: func(s *orm.Schema) []Option {
				return []Option{WithKeyOnlyAsReference(s.MustType("Book").Prop("store"))}
			},
			code: errors.ErrCodeIllegalTargetID,
			path: "<root>.store",
		},
		{
			name: "target is not transferable",
			input: func(s *orm.Schema) orm.Immutable {
				return orm.New(s.MustType("BookStore")).
					Put("id", int64(2)).Put("name", "MANNING").Put("version", int64(0)).
					Put("books", []*orm.Object{orm.Ref(s.MustType("Book"), int64(1))})
			},
			code: errors.ErrCodeTargetIsNotTransferable,
			path: "<root>.books",
		},
		{
			name: "unloaded frozen back reference",
			input: func(s *orm.Schema) orm.Immutable {
				book := orm.Freeze(orm.New(s.MustType("Book")).Put("name", "Frozen").Put("edition", 1))
				return orm.New(s.MustType("BookStore")).Put("name", "FROZEN").Put("books", []*orm.Object{book})
			},
			code: errors.ErrCodeUnloadedFrozenBackReference,
			path: "<root>.books",
		},
		{
			name: "not unique",
			input: func(s *orm.Schema) orm.Immutable {
				return orm.New(s.MustType("Book")).Put("name", "Learning GraphQL").Put("price", 1)
			},
			opts: func(s *orm.Schema) []Option {
				book := s.MustType("Book")
				return []Option{WithKeyProps(book, book.Prop("name"))}
			},
			code: errors.ErrCodeNotUnique,
			path: "<root>",
		},
		{
			name: "mutation too deep",
			input: func(s *orm.Schema) orm.Immutable {
				author := orm.New(s.MustType("Author")).Put("firstName", "Deep").Put("lastName", "Author")
				book := orm.New(s.MustType("Book")).Put("name", "Deep").Put("edition", 1).Put("authors", []*orm.Object{author})
				return orm.New(s.MustType("BookStore")).Put("name", "DEEP").Put("books", []*orm.Object{book})
			},
			opts: func(*orm.Schema) []Option {
				return []Option{WithMaxMutationDepth(1)}
			},
			code: errors.ErrCodeMutationTooDeep,
			path: "<root>.books.authors",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _, _ := sqliteEngine(t)
			var opts []Option
			if tc.opts != nil {
				opts = tc.opts(e.Schema())
			}
			_, err := e.SaveEntity(context.Background(), tc.input(e.Schema()), opts...)
			require.Error(t, err)
			assert.Equal(t, tc.code, errors.GetErrorCode(err))
			appErr, ok := errors.AsAppError(err)
			require.True(t, ok)
			assert.Equal(t, tc.path, appErr.ExportedPath())
		})
	}
}

func TestSave_KeyOnlyReferenceResolvedByKey(t *testing.T) {
	e, db, log := sqliteEngine(t)
	s := e.Schema()
	bookT, storeT := mustType(t, s, "Book"), mustType(t, s, "BookStore")

	book := orm.New(bookT).Put("id", int64(1)).Put("store", orm.New(storeT).Put("name", "MANNING"))
	res, err := e.SaveEntity(context.Background(), book, WithKeyOnlyAsReference(bookT.Prop("store")))
	require.NoError(t, err)

	assert.Equal(t, 1, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK WHERE ID = 1 AND STORE_ID = 2`))
	assert.Zero(t, res.RowCount("BOOK_STORE"), "按键引用的目标不被保存")
	for _, st := range log.all() {
		assert.NotContains(t, st.SQL, `INSERT INTO "BOOK_STORE"`)
		assert.NotContains(t, st.SQL, `UPDATE "BOOK_STORE"`)
	}
	storeID, ok := orm.IDOf(orm.RefOf(res.Entity(), bookT.Prop("store")))
	require.True(t, ok)
	assert.Equal(t, int64(2), storeID)
}

func TestSave_TransferAllowedWhenConfigured(t *testing.T) {
	e, db, _ := sqliteEngine(t)
	s := e.Schema()
	storeT, bookT := mustType(t, s, "BookStore"), mustType(t, s, "Book")

	store := orm.New(storeT).
		Put("id", int64(2)).Put("name", "MANNING").Put("version", int64(0)).
		Put("books", []*orm.Object{orm.Ref(bookT, int64(1))})
	_, err := e.SaveEntity(context.Background(), store,
		WithTargetTransferable(storeT.Prop("books")),
		WithAssociatedMode(AssociatedMerge))
	require.NoError(t, err)
	assert.Equal(t, 1, fixture.Count(t, db, `SELECT COUNT(*) FROM BOOK WHERE ID = 1 AND STORE_ID = 2`))
}

func TestSave_EmitsEvents(t *testing.T) {
	rec := &trigger.Recorder{}
	e, _, _ := sqliteEngine(t, WithSink(rec))
	s := e.Schema()
	storeT, bookT := mustType(t, s, "BookStore"), mustType(t, s, "Book")

	store := orm.New(storeT).Put("name", "EVENTS").Put("books", []*orm.Object{
		orm.New(bookT).Put("name", "E1").Put("edition", 1).Put("price", 1),
		orm.New(bookT).Put("name", "E2").Put("edition", 1).Put("price", 2),
	})
	res, err := e.SaveEntity(context.Background(), store)
	require.NoError(t, err)
	storeID, _ := orm.IDOf(res.Entity())

	entityEvents := rec.EntityEvents()
	require.Len(t, entityEvents, 3)
	for _, ev := range entityEvents {
		assert.Equal(t, trigger.EventInsert, ev.Kind)
		assert.Equal(t, trigger.ReasonSave, ev.Reason)
		require.NotNil(t, ev.New)
		assert.True(t, ev.New.IsFrozen())
	}
	assocEvents := rec.AssociationEvents()
	require.Len(t, assocEvents, 2)
	for _, ev := range assocEvents {
		assert.Same(t, bookT.Prop("store"), ev.Prop)
		assert.Nil(t, ev.DetachedTargetID)
		assert.Equal(t, storeID, ev.AttachedTargetID)
	}
}

func TestSave_ForeignKeyMoveEmitsAssociationEvent(t *testing.T) {
	rec := &trigger.Recorder{}
	e, _, _ := sqliteEngine(t, WithSink(rec))
	s := e.Schema()
	storeT, bookT := mustType(t, s, "BookStore"), mustType(t, s, "Book")

	_, err := e.SaveEntity(context.Background(), orm.New(bookT).Put("id", int64(3)).
		Put("store", orm.New(storeT).Put("id", int64(2))))
	require.NoError(t, err)

	assoc := rec.AssociationEvents()
	require.Len(t, assoc, 1)
	assert.Same(t, bookT.Prop("store"), assoc[0].Prop)
	assert.Equal(t, int64(3), assoc[0].SourceID)
	assert.Equal(t, int64(1), assoc[0].DetachedTargetID)
	assert.Equal(t, int64(2), assoc[0].AttachedTargetID)

	rec.Reset()
	_, err = e.SaveEntity(context.Background(), orm.New(bookT).Put("id", int64(3)).
		Put("store", orm.New(storeT).Put("id", int64(2))))
	require.NoError(t, err)
	assert.Empty(t, rec.AssociationEvents(), "外键未变化")
}

func TestSave_FailedCommandDiscardsEvents(t *testing.T) {
	rec := &trigger.Recorder{}
	e, _, _ := sqliteEngine(t, WithSink(rec))
	storeT := mustType(t, e.Schema(), "BookStore")

	_, err := e.SaveEntity(context.Background(),
		orm.New(storeT).Put("id", int64(1)).Put("name", "O'REILLY").Put("version", int64(7)),
		WithAllOrNothing(true))
	require.Error(t, err)
	assert.Empty(t, rec.Events())
}
