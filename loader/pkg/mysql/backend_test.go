package mysql_test

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/streamlake/loader/pkg/mysql"
	"github.com/malbeclabs/streamlake/loader/pkg/pipeline"
	"github.com/malbeclabs/streamlake/loader/pkg/schema"
	streamlaketesting "github.com/malbeclabs/streamlake/utils/pkg/testing"
	"github.com/malbeclabs/streamlake/utils/pkg/retry"
)

const insertArtist = "INSERT INTO `artist` (`artist_id`, `artist_spotify_uri`, `name`, `followers`, `popularity`) VALUES (?, ?, ?, ?, ?)"

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func newPipeline(t *testing.T, db *sql.DB) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(pipeline.Config{
		Logger:         streamlaketesting.NewLogger(),
		Registry:       schema.Spotify(),
		Backend:        mysql.NewBackend(db),
		FlushThreshold: 100,
		Retry:          retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	return p
}

func TestStreamlake_MySQL_Dialect(t *testing.T) {
	t.Parallel()

	d := mysql.Dialect{}
	require.Equal(t, "?", d.Placeholder(2))
	require.Equal(t, "`track`", d.QuoteIdent("track"))
	require.Equal(t, "`we``ird`", d.QuoteIdent("we`ird"))
	require.Equal(t, mysql.MaxParams, d.MaxParams())

	col := schema.Column{Name: "end_time", Type: schema.TypeTimestamp}
	require.NoError(t, d.CheckValue(col, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.Error(t, d.CheckValue(col, time.Date(999, 1, 1, 0, 0, 0, 0, time.UTC)))

	uri := schema.Column{Name: "track_spotify_uri", Type: schema.TypeVarchar}
	require.NoError(t, d.CheckValue(uri, strings.Repeat("é", 255)))
	require.ErrorContains(t, d.CheckValue(uri, strings.Repeat("é", 256)), "exceeds VARCHAR(255)")
	reason := schema.Column{Name: "reason_end", Type: schema.TypeVarchar}
	require.Error(t, d.CheckValue(reason, strings.Repeat("x", 65)))
	require.Equal(t, 512, mysql.VarcharLength("name"))
}

func TestStreamlake_MySQL_IsTransient(t *testing.T) {
	t.Parallel()

	b := mysql.NewBackend(nil)
	require.True(t, b.IsTransient(&gomysql.MySQLError{Number: 1213, Message: "Deadlock found"}))
	require.True(t, b.IsTransient(fmt.Errorf("exec: %w", &gomysql.MySQLError{Number: 1205})))
	require.True(t, b.IsTransient(gomysql.ErrInvalidConn))
	require.False(t, b.IsTransient(&gomysql.MySQLError{Number: 1452, Message: "Cannot add or update a child row"}))
	require.False(t, b.IsTransient(&gomysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	require.False(t, b.IsTransient(nil))
}

func TestStreamlake_MySQL_DSN(t *testing.T) {
	t.Parallel()

	cfg := mysql.Config{Database: "spotify", Username: "loader", Password: "secret"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "localhost:3306", cfg.Addr)

	parsed, err := gomysql.ParseDSN(cfg.DSN())
	require.NoError(t, err)
	require.Equal(t, "tcp", parsed.Net)
	require.Equal(t, "localhost:3306", parsed.Addr)
	require.Equal(t, "spotify", parsed.DBName)
	require.Equal(t, "loader", parsed.User)
	require.Equal(t, "secret", parsed.Passwd)
	require.True(t, parsed.ParseTime)
	require.Equal(t, time.UTC, parsed.Loc)

	missing := mysql.Config{Database: "spotify"}
	require.ErrorContains(t, missing.Validate(), "MYSQL_USER is required")
}

func TestStreamlake_MySQL_FlushInTransaction(t *testing.T) {
	t.Parallel()

	db, mock := newMock(t)
	p := newPipeline(t, db)
	ctx := t.Context()

	artistID, err := p.ResolveValues(ctx, schema.TableArtist, schema.Values{"artist_spotify_uri": "spotify:artist:1", "name": "A"})
	require.NoError(t, err)
	end := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	_, err = p.ResolveValues(ctx, schema.TableFavorite, schema.Values{"year": 2024, "added_at": end})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(insertArtist).
		WithArgs(artistID, "spotify:artist:1", "A", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `favorite` (`favorite_id`, `track_id`, `year`, `added_at`) VALUES (?, ?, ?, ?)").
		WithArgs(int64(1), nil, int64(2024), end).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := p.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.TotalRows())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStreamlake_MySQL_RetriesDeadlock(t *testing.T) {
	t.Parallel()

	db, mock := newMock(t)
	p := newPipeline(t, db)
	ctx := t.Context()

	_, err := p.ResolveValues(ctx, schema.TableArtist, schema.Values{"artist_spotify_uri": "spotify:artist:1"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(insertArtist).WillReturnError(&gomysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(insertArtist).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err = p.Flush(ctx)
	require.NoError(t, err)
	require.Empty(t, p.Pending())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStreamlake_MySQL_ConstraintViolationRollsBack(t *testing.T) {
	t.Parallel()

	db, mock := newMock(t)
	p := newPipeline(t, db)
	ctx := t.Context()

	_, err := p.ResolveValues(ctx, schema.TableArtist, schema.Values{"artist_spotify_uri": "spotify:artist:1"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(insertArtist).WillReturnError(&gomysql.MySQLError{Number: 1062, Message: "Duplicate entry '1' for key 'PRIMARY'"})
	mock.ExpectRollback()

	_, err = p.Flush(ctx)
	var berr *pipeline.BackendExecutionError
	require.ErrorAs(t, err, &berr)
	require.False(t, berr.Transient())
	require.Equal(t, schema.TableArtist, berr.Table)
	require.Equal(t, map[string]int{schema.TableArtist: 1}, p.Pending())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStreamlake_MySQL_OverlongTextIsSkipped(t *testing.T) {
	t.Parallel()

	db, mock := newMock(t)
	p := newPipeline(t, db)
	ctx := t.Context()

	longURI := "urn:streamlake:artist:" + strings.Repeat("Wolfgang Amadeus Mozart ", 12)
	okID, err := p.ResolveValues(ctx, schema.TableArtist, schema.Values{"artist_spotify_uri": "spotify:artist:1", "name": "A"})
	require.NoError(t, err)
	longID, err := p.ResolveValues(ctx, schema.TableArtist, schema.Values{"artist_spotify_uri": longURI, "name": "Mozart"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(insertArtist).
		WithArgs(okID, "spotify:artist:1", "A", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report, err := p.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Rows[schema.TableArtist])
	require.Len(t, report.Skipped, 1)
	require.Equal(t, longID, report.Skipped[0].ID)
	var serr *schema.SerializationError
	require.ErrorAs(t, report.Skipped[0].Err, &serr)
	require.Equal(t, "artist_spotify_uri", serr.Column)
	require.Empty(t, p.Pending())
	require.NoError(t, mock.ExpectationsWereMet())
}
