// Package fixture 提供各包测试共用的书店模型与 SQLite 建表语句
package fixture

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "gorel/data/db"
	"gorel/data/db/basic"
	"gorel/data/orm"
)

// AuthorIDGenerator Author 主键生成器的注册名
const AuthorIDGenerator = "author"

// Schema 书店模型：
//
//	BookStore 1-n Book n-n Author
//	TreeNode 自关联树
//	Order 1-n OrderItem（组合主键 COL_A, COL_B）
//	Department 1-n Employee（Department 支持逻辑删除）
func Schema() *orm.Schema {
	b := orm.NewSchemaBuilder()

	b.Entity("BookStore").
		IdentityID("id").
		Scalar("name").
		Scalar("website").Nullable().
		Version("version").
		OneToMany("books", "Book", "store").
		Key("name")

	b.Entity("Book").
		IdentityID("id").
		Scalar("name").
		Scalar("edition").
		Scalar("price").
		ManyToOne("store", "BookStore").Nullable().OnDelete(orm.OnDeleteCascade).
		ManyToMany("authors", "Author").
		JoinTable("BOOK_AUTHOR_MAPPING", []string{"BOOK_ID"}, []string{"AUTHOR_ID"}).
		Key("name", "edition")

	b.Entity("Author").
		GeneratedID("id", AuthorIDGenerator).
		Scalar("firstName").
		Scalar("lastName").
		ManyToManyMappedBy("books", "Book", "authors").
		Key("firstName", "lastName")

	b.Entity("TreeNode").
		Table("TREE_NODE").
		IdentityID("id").Column("NODE_ID").
		Scalar("name").
		ManyToOne("parent", "TreeNode").Column("PARENT_ID").Nullable().OnDelete(orm.OnDeleteCascade).
		OneToMany("childNodes", "TreeNode", "parent").
		Key("name", "parent")

	b.Embeddable("OrderItemKey").
		Scalar("a").Column("COL_A").
		Scalar("b").Column("COL_B")

	b.Entity("Order").
		Table("ORDER_").
		ID("id").
		Scalar("name").
		OneToMany("items", "OrderItem", "order")

	b.Entity("OrderItem").
		EmbeddedID("id", "OrderItemKey").
		Scalar("name").
		ManyToOne("order", "Order").OnDelete(orm.OnDeleteCascade)

	b.Entity("Department").
		ID("id").
		Scalar("name").
		LogicalDeleted("deleted", true, false).
		OneToMany("employees", "Employee", "department").
		Key("name")

	b.Entity("Employee").
		ID("id").
		Scalar("name").
		ManyToOne("department", "Department").OnDelete(orm.OnDeleteCascade)

	return b.MustBuild()
}

// DDL 与 Schema 对应的 SQLite 建表语句
var DDL = []string{
	`PRAGMA foreign_keys = ON`,
	`CREATE TABLE BOOK_STORE (
		ID INTEGER PRIMARY KEY,
		NAME TEXT NOT NULL UNIQUE,
		WEBSITE TEXT,
		VERSION INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE BOOK (
		ID INTEGER PRIMARY KEY,
		NAME TEXT NOT NULL,
		EDITION INTEGER NOT NULL,
		PRICE REAL,
		STORE_ID INTEGER REFERENCES BOOK_STORE(ID),
		UNIQUE (NAME, EDITION)
	)`,
	`CREATE TABLE AUTHOR (
		ID INTEGER PRIMARY KEY,
		FIRST_NAME TEXT NOT NULL,
		LAST_NAME TEXT NOT NULL,
		UNIQUE (FIRST_NAME, LAST_NAME)
	)`,
	`CREATE TABLE BOOK_AUTHOR_MAPPING (
		BOOK_ID INTEGER NOT NULL REFERENCES BOOK(ID),
		AUTHOR_ID INTEGER NOT NULL REFERENCES AUTHOR(ID),
		PRIMARY KEY (BOOK_ID, AUTHOR_ID)
	)`,
	`CREATE TABLE TREE_NODE (
		NODE_ID INTEGER PRIMARY KEY,
		NAME TEXT NOT NULL,
		PARENT_ID INTEGER REFERENCES TREE_NODE(NODE_ID)
	)`,
	`CREATE TABLE ORDER_ (
		ID INTEGER PRIMARY KEY,
		NAME TEXT NOT NULL
	)`,
	`CREATE TABLE ORDER_ITEM (
		COL_A INTEGER NOT NULL,
		COL_B INTEGER NOT NULL,
		NAME TEXT NOT NULL,
		ORDER_ID INTEGER NOT NULL REFERENCES ORDER_(ID),
		PRIMARY KEY (COL_A, COL_B)
	)`,
	`CREATE TABLE DEPARTMENT (
		ID INTEGER PRIMARY KEY,
		NAME TEXT NOT NULL UNIQUE,
		DELETED BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE EMPLOYEE (
		ID INTEGER PRIMARY KEY,
		NAME TEXT NOT NULL,
		DEPARTMENT_ID INTEGER NOT NULL REFERENCES DEPARTMENT(ID)
	)`,
}

// Seed 基础数据：两家书店、五本书、三位作者，以及一棵三层的树
var Seed = []string{
	`INSERT INTO BOOK_STORE (ID, NAME, WEBSITE, VERSION) VALUES (1, 'O''REILLY', NULL, 0), (2, 'MANNING', NULL, 0)`,
	`INSERT INTO BOOK (ID, NAME, EDITION, PRICE, STORE_ID) VALUES
		(1, 'Learning GraphQL', 1, 50, 1),
		(2, 'Learning GraphQL', 2, 55, 1),
		(3, 'Effective TypeScript', 1, 73, 1),
		(10, 'GraphQL in Action', 1, 80, 2),
		(11, 'GraphQL in Action', 2, 81, 2)`,
	`INSERT INTO AUTHOR (ID, FIRST_NAME, LAST_NAME) VALUES (1, 'Eve', 'Procello'), (2, 'Alex', 'Banks'), (3, 'Dan', 'Vanderkam')`,
	`INSERT INTO BOOK_AUTHOR_MAPPING (BOOK_ID, AUTHOR_ID) VALUES (1, 1), (1, 2), (2, 1), (3, 3), (10, 3)`,
	`INSERT INTO TREE_NODE (NODE_ID, NAME, PARENT_ID) VALUES
		(1, 'Home', NULL),
		(2, 'Food', 1), (3, 'Clothing', 1),
		(4, 'Drinks', 2), (5, 'Bread', 2), (6, 'Woman', 3)`,
	`INSERT INTO ORDER_ (ID, NAME) VALUES (1, 'order-1')`,
	`INSERT INTO ORDER_ITEM (COL_A, COL_B, NAME, ORDER_ID) VALUES (1, 1, 'i-1-1', 1), (1, 2, 'i-1-2', 1), (2, 1, 'i-2-1', 1)`,
	`INSERT INTO DEPARTMENT (ID, NAME, DELETED) VALUES (1, 'Market', FALSE)`,
	`INSERT INTO EMPLOYEE (ID, NAME, DEPARTMENT_ID) VALUES (1, 'Sam', 1), (2, 'Jessica', 1)`,
}

// OpenSQLite 打开内存库并建表、写入种子数据
func OpenSQLite(t testing.TB) *basic.DB {
	t.Helper()
	db, err := basic.New(core.DBConfig{Driver: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	d := db.(*basic.DB)
	ctx := context.Background()
	require.NoError(t, d.ExecDDL(ctx, DDL...))
	require.NoError(t, d.ExecDDL(ctx, Seed...))
	return d
}

// Count 统计满足条件的行数
func Count(t testing.TB, db core.IDatabase, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}
