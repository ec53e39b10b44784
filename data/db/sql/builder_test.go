package sql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "gorel/data/db"
	"gorel/data/db/basic"
	"gorel/data/db/dialect"
)

func TestUpsert_NativeRendering(t *testing.T) {
	cases := []struct {
		dialect string
		want    string
	}{
		{"postgres", `INSERT INTO "BOOK" ("ID", "NAME", "EDITION") VALUES (?, ?, ?) ON CONFLICT ("ID") DO UPDATE SET "NAME" = excluded."NAME", "EDITION" = excluded."EDITION"`},
		{"mysql", "INSERT INTO `BOOK` (`ID`, `NAME`, `EDITION`) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE `NAME` = VALUES(`NAME`), `EDITION` = VALUES(`EDITION`)"},
	}
	for _, tc := range cases {
		t.Run(tc.dialect, func(t *testing.T) {
			s := NewWithDialect(nil, dialect.New(tc.dialect))
			b := s.UpsertInto("BOOK").Columns("ID", "NAME", "EDITION").Values(1, "Go", 2).Key("ID")
			require.True(t, b.Native())
			q, args := b.Build()
			assert.Equal(t, tc.want, q)
			assert.Equal(t, []any{1, "Go", 2}, args)
		})
	}
}

func TestUpsert_KeyOnlyBecomesInsertIgnore(t *testing.T) {
	my := NewWithDialect(nil, dialect.New("mysql"))
	q, _ := my.UpsertInto("BOOK_AUTHOR_MAPPING").
		Columns("BOOK_ID", "AUTHOR_ID").Values(1, 2).
		Key("BOOK_ID", "AUTHOR_ID").Build()
	assert.Equal(t, "INSERT IGNORE INTO `BOOK_AUTHOR_MAPPING` (`BOOK_ID`, `AUTHOR_ID`) VALUES (?, ?)", q)

	lite := NewWithDialect(nil, dialect.New("sqlite"))
	q, _ = lite.InsertInto("BOOK_AUTHOR_MAPPING").
		Columns("BOOK_ID", "AUTHOR_ID").Values(1, 2).
		IgnoreConflict("BOOK_ID", "AUTHOR_ID").Build()
	assert.Equal(t, `INSERT INTO "BOOK_AUTHOR_MAPPING" ("BOOK_ID", "AUTHOR_ID") VALUES (?, ?) ON CONFLICT ("BOOK_ID", "AUTHOR_ID") DO NOTHING`, q)
}

func TestUpsert_FallbackInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	db, err := basic.New(core.DBConfig{Driver: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(ctx, `CREATE TABLE BOOK (ID INTEGER PRIMARY KEY, NAME TEXT)`)
	require.NoError(t, err)

	// 关闭原生 upsert，强制走插入后更新
	s := NewWithDialect(db, dialect.New("sqlite").WithCapabilities(dialect.Capabilities{TupleIn: true}))
	for _, name := range []string{"first", "second"} {
		b := s.UpsertInto("BOOK").Columns("ID", "NAME").Values(1, name).Key("ID")
		require.False(t, b.Native())
		_, err = b.Exec(ctx)
		require.NoError(t, err)
	}

	var name string
	require.NoError(t, db.QueryRow(ctx, `SELECT NAME FROM BOOK WHERE ID = 1`).Scan(&name))
	assert.Equal(t, "second", name)
}

func TestSelect_ForUpdateDependsOnDialect(t *testing.T) {
	q, args := NewWithDialect(nil, dialect.New("postgres")).
		Select("ID").From("BOOK").Where("STORE_ID = ?", 3).Limit(1).ForUpdate().Build()
	assert.Equal(t, "SELECT ID FROM BOOK WHERE STORE_ID = ? LIMIT ? FOR UPDATE", q)
	assert.Equal(t, []any{3, 1}, args)

	q, _ = NewWithDialect(nil, dialect.New("sqlite")).
		Select("ID").From("BOOK").ForUpdate().Build()
	assert.Equal(t, "SELECT ID FROM BOOK", q)
}

func TestDeleteAndUpdateBuilders(t *testing.T) {
	s := NewWithDialect(nil, dialect.New("mysql"))
	q, args := s.DeleteFrom("BOOK").Where("`STORE_ID` IN (?, ?)", 1, 2).Build()
	assert.Equal(t, "DELETE FROM `BOOK` WHERE `STORE_ID` IN (?, ?)", q)
	assert.Equal(t, []any{1, 2}, args)

	q, args = s.DeleteFrom("BOOK_AUTHOR_MAPPING").Where("`BOOK_ID` = ?", 1).Where("`AUTHOR_ID` = ? OR `AUTHOR_ID` = ?", 2, 3).Build()
	assert.Equal(t, "DELETE FROM `BOOK_AUTHOR_MAPPING` WHERE (`BOOK_ID` = ?) AND (`AUTHOR_ID` = ? OR `AUTHOR_ID` = ?)", q)
	assert.Equal(t, []any{1, 2, 3}, args)

	q, args = s.Update("BOOK").Set("NAME", "Go").SetExpr("`VERSION` = `VERSION` + 1").
		Where("`ID` = ?", 7).Where("`VERSION` = ?", 3).Build()
	assert.Equal(t, "UPDATE `BOOK` SET `NAME` = ?, `VERSION` = `VERSION` + 1 WHERE `ID` = ? AND `VERSION` = ?", q)
	assert.Equal(t, []any{"Go", 7, 3}, args)
}
