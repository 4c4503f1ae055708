package db

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"002_blocks.sql": {Data: []byte("CREATE TABLE or_block (id uuid);")},
		"001_rooms.sql":  {Data: []byte("CREATE TABLE or_room (id uuid);")},
		"README.md":      {Data: []byte("docs")},
		"notes.sql":      {Data: []byte("-- no version")},
		"abc_bad.sql":    {Data: []byte("-- bad prefix")},
	}
}

func TestLoadMigrations(t *testing.T) {
	migs, err := NewMigrator(nil, testMigrations()).LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migs, 2)
	assert.Equal(t, 1, migs[0].Version)
	assert.Equal(t, "001_rooms.sql", migs[0].Name)
	assert.Equal(t, 2, migs[1].Version)
	assert.Equal(t, "CREATE TABLE or_block (id uuid);", migs[1].SQL)
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := testMigrations()
	fsys["02_again.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	_, err := NewMigrator(nil, fsys).LoadMigrations()
	assert.Error(t, err)
}

func TestMigratorUp_AppliesPending(t *testing.T) {
	mock := newMock(t)
	applied := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "tenant_acme"."_migrations"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery(`SELECT version, applied_at FROM "tenant_acme"."_migrations"`).
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, applied))
	mock.ExpectBegin()
	mock.ExpectExec(`SET search_path TO "tenant_acme", public`).WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE or_block (id uuid);")).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`INSERT INTO "tenant_acme"."_migrations"`).
		WithArgs(2, "002_blocks.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := NewMigrator(mock, testMigrations()).Up(context.Background(), "tenant_acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorUp_FailureRollsBack(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery(`SELECT version, applied_at`).
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}))
	mock.ExpectBegin()
	mock.ExpectExec(`SET search_path`).WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE or_room (id uuid);")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	n, err := NewMigrator(mock, testMigrations()).Up(context.Background(), "tenant_acme")
	require.Error(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorStatus(t *testing.T) {
	mock := newMock(t)
	applied := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectQuery(`SELECT version, applied_at`).
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, applied))

	st, err := NewMigrator(mock, testMigrations()).Status(context.Background(), "public")
	require.NoError(t, err)
	require.Len(t, st, 2)

	assert.True(t, st[0].Applied)
	require.NotNil(t, st[0].AppliedAt)
	assert.True(t, st[0].AppliedAt.Equal(applied))
	assert.False(t, st[1].Applied, "002 should be pending")
	assert.Nil(t, st[1].AppliedAt)
}
