package mutation

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorel/data/orm"
	"gorel/errors"
)

func TestDelete_CascadeDeletesChildrenBeforeParent(t *testing.T) {
	e, mock := mysqlMockEngine(t)
	store := mustType(t, e.Schema(), "BookStore")

	mock.ExpectQuery("SELECT `ID` FROM `BOOK` WHERE `STORE_ID` IN (?)").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"ID"}).AddRow(int64(1)).AddRow(int64(2)).AddRow(int64(3)))
	mock.ExpectExec("DELETE FROM `BOOK_AUTHOR_MAPPING` WHERE `BOOK_ID` IN (?, ?, ?)").
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM `BOOK` WHERE `ID` IN (?, ?, ?)").
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM `BOOK_STORE` WHERE `ID` IN (?)").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := e.Delete(context.Background(), store, []any{int64(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.TotalAffectedRowCount)
	assert.Equal(t, int64(3), res.AffectedRowCountMap[AffectedTable{Table: "BOOK_AUTHOR_MAPPING", Kind: KindMiddleTable}])
	assert.Equal(t, int64(3), res.AffectedRowCountMap[AffectedTable{Table: "BOOK", Kind: KindEntity}])
	assert.Equal(t, int64(1), res.AffectedRowCountMap[AffectedTable{Table: "BOOK_STORE", Kind: KindEntity}])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_RecursiveTreeFromLeaves(t *testing.T) {
	e, mock := mysqlMockEngine(t)
	node := mustType(t, e.Schema(), "TreeNode")

	mock.ExpectQuery("SELECT `NODE_ID` FROM `TREE_NODE` WHERE `PARENT_ID` IN (?)").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"NODE_ID"}).AddRow(int64(2)).AddRow(int64(3)))
	mock.ExpectQuery("SELECT `NODE_ID` FROM `TREE_NODE` WHERE `PARENT_ID` IN (?, ?)").
		WithArgs(int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"NODE_ID"}).AddRow(int64(4)).AddRow(int64(5)).AddRow(int64(6)))
	mock.ExpectQuery("SELECT `NODE_ID` FROM `TREE_NODE` WHERE `PARENT_ID` IN (?, ?, ?)").
		WithArgs(int64(4), int64(5), int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"NODE_ID"}))
	mock.ExpectExec("DELETE FROM `TREE_NODE` WHERE `NODE_ID` IN (?, ?, ?)").
		WithArgs(int64(4), int64(5), int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM `TREE_NODE` WHERE `NODE_ID` IN (?, ?)").
		WithArgs(int64(2), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM `TREE_NODE` WHERE `NODE_ID` IN (?)").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := e.Delete(context.Background(), node, []any{int64(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.RowCount("TREE_NODE"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_CheckFailsBeforeAnyDML(t *testing.T) {
	e, mock := mysqlMockEngine(t)
	s := e.Schema()
	store := mustType(t, s, "BookStore")
	book := mustType(t, s, "Book")

	mock.ExpectQuery("SELECT 1 FROM `BOOK` WHERE `STORE_ID` IN (?) LIMIT 1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(int64(1)))

	_, err := e.Delete(context.Background(), store, []any{int64(1)},
		WithDissociateAction(book.Prop("store"), DissociateCheck))
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeCannotDissociateTargets))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_SetNullClearsForeignKey(t *testing.T) {
	e, mock := mysqlMockEngine(t)
	s := e.Schema()
	store := mustType(t, s, "BookStore")
	book := mustType(t, s, "Book")

	mock.ExpectExec("UPDATE `BOOK` SET `STORE_ID` = NULL WHERE `STORE_ID` IN (?)").
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM `BOOK_STORE` WHERE `ID` IN (?)").
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := e.Delete(context.Background(), store, []any{int64(2)},
		WithDissociateAction(book.Prop("store"), DissociateSetNull))
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"BOOK": 2, "BOOK_STORE": 1}, res.CountsByTable())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDisconnectExcept_CompositeKeyUsesTupleNotIn(t *testing.T) {
	e, mock := mysqlMockEngine(t)
	s := e.Schema()
	order := mustType(t, s, "Order")
	key := orm.New(mustType(t, s, "OrderItemKey")).Put("a", int64(1)).Put("b", int64(1))

	mock.ExpectExec("DELETE FROM `ORDER_ITEM` WHERE `ORDER_ID` = ? AND (`COL_A`, `COL_B`) NOT IN ((?, ?))").
		WithArgs(int64(1), int64(1), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	res, err := e.DisconnectExcept(context.Background(), order.Prop("items"), []any{int64(1)},
		[]RetainedPair{{ParentID: int64(1), ChildID: key}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RowCount("ORDER_ITEM"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDisconnectExcept_CompositeKeyTwoRetainedPairs(t *testing.T) {
	e, mock := mysqlMockEngine(t)
	s := e.Schema()
	order := mustType(t, s, "Order")
	keyT := mustType(t, s, "OrderItemKey")
	first := orm.New(keyT).Put("a", int64(1)).Put("b", int64(2))
	second := orm.New(keyT).Put("a", int64(3)).Put("b", int64(4))

	mock.ExpectExec("DELETE FROM `ORDER_ITEM` WHERE `ORDER_ID` = ? AND (`COL_A`, `COL_B`) NOT IN ((?, ?), (?, ?))").
		WithArgs(int64(1), int64(1), int64(2), int64(3), int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := e.DisconnectExcept(context.Background(), order.Prop("items"), []any{int64(1)},
		[]RetainedPair{{ParentID: int64(1), ChildID: first}, {ParentID: int64(1), ChildID: second}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowCount("ORDER_ITEM"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDisconnectExcept_MiddleTableSingleParent(t *testing.T) {
	e, mock := mysqlMockEngine(t)
	book := mustType(t, e.Schema(), "Book")

	mock.ExpectExec("DELETE FROM `BOOK_AUTHOR_MAPPING` WHERE `BOOK_ID` = ? AND `AUTHOR_ID` NOT IN (?)").
		WithArgs(int64(1), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := e.DisconnectExcept(context.Background(), book.Prop("authors"), []any{int64(1)},
		[]RetainedPair{{ParentID: int64(1), ChildID: int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AffectedRowCountMap[AffectedTable{Table: "BOOK_AUTHOR_MAPPING", Kind: KindMiddleTable}])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_MaxMutationDepth(t *testing.T) {
	e, mock := mysqlMockEngine(t, WithDefaults(WithMaxMutationDepth(1)))
	node := mustType(t, e.Schema(), "TreeNode")

	mock.ExpectQuery("SELECT `NODE_ID` FROM `TREE_NODE` WHERE `PARENT_ID` IN (?)").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"NODE_ID"}).AddRow(int64(2)))
	mock.ExpectQuery("SELECT `NODE_ID` FROM `TREE_NODE` WHERE `PARENT_ID` IN (?)").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"NODE_ID"}).AddRow(int64(4)))

	_, err := e.Delete(context.Background(), node, []any{int64(1)})
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeMutationTooDeep))
	require.NoError(t, mock.ExpectationsWereMet())
}
