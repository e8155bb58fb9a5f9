package schema

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamlake_Schema_ParseColumn(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		col, err := ParseColumn("ms_played:bigint")
		require.NoError(t, err)
		require.Equal(t, "ms_played", col.Name)
		require.Equal(t, TypeBigInt, col.Type)
	})

	t.Run("missing type", func(t *testing.T) {
		t.Parallel()
		_, err := ParseColumn("ms_played")
		require.Error(t, err)
		require.Contains(t, err.Error(), "expected format")
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		_, err := ParseColumn("ms_played:UUID")
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown type")
	})
}

func TestStreamlake_Schema_ColumnCoerce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		col     Column
		in      any
		want    any
		wantErr bool
	}{
		{name: "bigint from int", col: Column{Type: TypeBigInt}, in: 42, want: int64(42)},
		{name: "bigint from string", col: Column{Type: TypeBigInt}, in: " 7 ", want: int64(7)},
		{name: "bigint from integral float", col: Column{Type: TypeBigInt}, in: float64(3), want: int64(3)},
		{name: "bigint rejects fraction", col: Column{Type: TypeBigInt}, in: 3.5, wantErr: true},
		{name: "bigint rejects uint64 overflow", col: Column{Type: TypeBigInt}, in: uint64(math.MaxUint64), wantErr: true},
		{name: "integer range", col: Column{Type: TypeInteger}, in: int64(math.MaxInt32) + 1, wantErr: true},
		{name: "double from int", col: Column{Type: TypeDouble}, in: 2, want: float64(2)},
		{name: "double rejects NaN", col: Column{Type: TypeDouble}, in: math.NaN(), wantErr: true},
		{name: "double rejects Inf", col: Column{Type: TypeDouble}, in: math.Inf(1), wantErr: true},
		{name: "varchar from number", col: Column{Type: TypeVarchar}, in: 12, want: "12"},
		{name: "varchar rejects invalid utf8", col: Column{Type: TypeVarchar}, in: string([]byte{0xff, 0xfe}), wantErr: true},
		{name: "boolean from string", col: Column{Type: TypeBoolean}, in: "true", want: true},
		{name: "boolean rejects 2", col: Column{Type: TypeBoolean}, in: 2, wantErr: true},
		{name: "timestamp from rfc3339", col: Column{Type: TypeTimestamp}, in: "2024-01-02T03:04:05Z", want: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{name: "timestamp rejects garbage", col: Column{Type: TypeTimestamp}, in: "yesterday", wantErr: true},
		{name: "nil stays nil", col: Column{Type: TypeBigInt}, in: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.col.Coerce(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestStreamlake_Schema_ColumnDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", Column{Name: "name", Type: TypeVarchar}.Default())
	require.Nil(t, Column{Name: "popularity", Type: TypeInteger}.Default())
	require.Nil(t, Column{Name: "track_id", Type: TypeBigInt, References: "track"}.Default())
	require.Nil(t, Column{Name: "end_time", Type: TypeTimestamp}.Default())
}

func TestStreamlake_Schema_NewTable(t *testing.T) {
	t.Parallel()

	t.Run("junction natural key defaults to foreign keys", func(t *testing.T) {
		t.Parallel()
		tbl, err := NewTable(TableDef{
			Name:        "track_artist",
			Kind:        KindJunction,
			PrimaryKey:  "track_artist_id",
			Columns:     []string{"track_id:BIGINT", "artist_id:BIGINT"},
			ForeignKeys: map[string]string{"artist_id": "artist", "track_id": "track"},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"track_id", "artist_id"}, tbl.NaturalKeyColumns())
		require.Len(t, tbl.ForeignKeys(), 2)
	})

	t.Run("fact natural key defaults to every column", func(t *testing.T) {
		t.Parallel()
		tbl, err := NewTable(TableDef{
			Name:       "play",
			Kind:       KindFact,
			PrimaryKey: "play_id",
			Columns:    []string{"track_id:BIGINT", "ms_played:BIGINT"},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"track_id", "ms_played"}, tbl.NaturalKeyColumns())
	})

	t.Run("insert columns lead with primary key", func(t *testing.T) {
		t.Parallel()
		tbl := MustTable(TableDef{
			Name:       "genre",
			Kind:       KindDimension,
			PrimaryKey: "genre_id",
			Columns:    []string{"genre:VARCHAR"},
			NaturalKey: []string{"genre"},
		})
		cols := tbl.InsertColumns()
		require.Len(t, cols, 2)
		require.Equal(t, "genre_id", cols[0].Name)
		require.Equal(t, TypeBigInt, cols[0].Type)
	})

	errCases := []struct {
		name string
		def  TableDef
		want string
	}{
		{
			name: "dimension without natural key",
			def:  TableDef{Name: "genre", Kind: KindDimension, PrimaryKey: "genre_id", Columns: []string{"genre:VARCHAR"}},
			want: "must declare a natural key",
		},
		{
			name: "unknown kind",
			def:  TableDef{Name: "genre", Kind: "cube", PrimaryKey: "genre_id", Columns: []string{"genre:VARCHAR"}},
			want: "unknown kind",
		},
		{
			name: "duplicate column",
			def:  TableDef{Name: "genre", Kind: KindFact, PrimaryKey: "genre_id", Columns: []string{"genre:VARCHAR", "genre:VARCHAR"}},
			want: "duplicate column",
		},
		{
			name: "primary key listed as column",
			def:  TableDef{Name: "genre", Kind: KindFact, PrimaryKey: "genre_id", Columns: []string{"genre_id:BIGINT"}},
			want: "must not be listed",
		},
		{
			name: "foreign key on text column",
			def: TableDef{Name: "play", Kind: KindFact, PrimaryKey: "play_id", Columns: []string{"track:VARCHAR"},
				ForeignKeys: map[string]string{"track": "track"}},
			want: "must be an integer column",
		},
		{
			name: "natural key on undeclared column",
			def: TableDef{Name: "genre", Kind: KindDimension, PrimaryKey: "genre_id", Columns: []string{"genre:VARCHAR"},
				NaturalKey: []string{"name"}},
			want: "natural key column name",
		},
	}
	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewTable(tc.def)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestStreamlake_Schema_NewRecord(t *testing.T) {
	t.Parallel()

	artist, err := Spotify().Table(TableArtist)
	require.NoError(t, err)

	t.Run("fields ordered by declaration", func(t *testing.T) {
		t.Parallel()
		rec, err := artist.NewRecord(Values{"popularity": 80, "name": "A", "artist_spotify_uri": "spotify:artist:1"})
		require.NoError(t, err)
		require.Equal(t, TableArtist, rec.Table())
		fields := rec.Fields()
		require.Len(t, fields, 3)
		require.Equal(t, "artist_spotify_uri", fields[0].Column)
		require.Equal(t, "name", fields[1].Column)
		require.Equal(t, "popularity", fields[2].Column)
		require.Equal(t, int64(80), fields[2].Value)
	})

	t.Run("unknown column", func(t *testing.T) {
		t.Parallel()
		_, err := artist.NewRecord(Values{"genre": "rock"})
		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		require.Equal(t, "genre", serr.Column)
	})

	t.Run("primary key is rejected", func(t *testing.T) {
		t.Parallel()
		_, err := artist.NewRecord(Values{"artist_id": 4})
		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		require.Contains(t, serr.Error(), "assigned by the pipeline")
	})

	t.Run("value that does not fit", func(t *testing.T) {
		t.Parallel()
		_, err := artist.NewRecord(Values{"followers": "many"})
		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		require.Equal(t, TableArtist, serr.Table)
		require.Equal(t, "followers", serr.Column)
		require.Equal(t, "many", serr.Value)
	})
}

func TestStreamlake_Schema_RecordMerge(t *testing.T) {
	t.Parallel()

	artist, err := Spotify().Table(TableArtist)
	require.NoError(t, err)

	base := artist.MustRecord(Values{"artist_spotify_uri": "spotify:artist:1", "name": "A"})
	update := artist.MustRecord(Values{"name": "B", "followers": 10})

	merged := base.Merge(update)
	require.Equal(t, 3, merged.Len())
	v, ok := merged.Get("name")
	require.True(t, ok)
	require.Equal(t, "B", v)
	v, ok = merged.Get("artist_spotify_uri")
	require.True(t, ok)
	require.Equal(t, "spotify:artist:1", v)
	_, ok = merged.Get("popularity")
	require.False(t, ok)

	// originals are untouched
	v, _ = base.Get("name")
	require.Equal(t, "A", v)
}

func TestStreamlake_Schema_RegistryDependencyOrder(t *testing.T) {
	t.Parallel()

	t.Run("spotify", func(t *testing.T) {
		t.Parallel()
		var names []string
		for _, tbl := range Spotify().DependencyOrder() {
			names = append(names, tbl.Name())
		}
		require.Equal(t, []string{
			TableAlbum, TableArtist, TableTrack, TableGenre, TableCategory,
			TableGenreCategory, TableTrackArtist, TableAlbumTrack, TableAlbumArtist, TableGenreArtist,
			TablePlay, TableFavorite,
		}, names)
	})

	t.Run("declared out of order", func(t *testing.T) {
		t.Parallel()
		play := MustTable(TableDef{Name: "play", Kind: KindFact, PrimaryKey: "play_id",
			Columns: []string{"track_id:BIGINT"}, ForeignKeys: map[string]string{"track_id": "track"}})
		track := MustTable(TableDef{Name: "track", Kind: KindDimension, PrimaryKey: "track_id",
			Columns: []string{"uri:VARCHAR", "parent_id:BIGINT"}, ForeignKeys: map[string]string{"parent_id": "track"},
			NaturalKey: []string{"uri"}})
		r, err := NewRegistry(play, track)
		require.NoError(t, err)
		order := r.DependencyOrder()
		require.Equal(t, "track", order[0].Name())
		require.Equal(t, "play", order[1].Name())
	})

	t.Run("cycle", func(t *testing.T) {
		t.Parallel()
		a := MustTable(TableDef{Name: "a", Kind: KindFact, PrimaryKey: "a_id",
			Columns: []string{"b_id:BIGINT"}, ForeignKeys: map[string]string{"b_id": "b"}})
		b := MustTable(TableDef{Name: "b", Kind: KindFact, PrimaryKey: "b_id",
			Columns: []string{"a_id:BIGINT"}, ForeignKeys: map[string]string{"a_id": "a"}})
		_, err := NewRegistry(a, b)
		require.Error(t, err)
		require.Contains(t, err.Error(), "cycle")
	})

	t.Run("dangling foreign key", func(t *testing.T) {
		t.Parallel()
		play := MustTable(TableDef{Name: "play", Kind: KindFact, PrimaryKey: "play_id",
			Columns: []string{"track_id:BIGINT"}, ForeignKeys: map[string]string{"track_id": "track"}})
		_, err := NewRegistry(play)
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown table track")
	})
}

func TestStreamlake_Schema_UnknownTable(t *testing.T) {
	t.Parallel()

	_, err := Spotify().Table("podcast")
	var uerr *UnknownTableError
	require.True(t, errors.As(err, &uerr))
	require.Equal(t, "podcast", uerr.Table)
}

func TestStreamlake_Schema_LoadFile(t *testing.T) {
	t.Parallel()

	doc := `
tables:
  - name: artist
    kind: dimension
    primary_key: artist_id
    columns: ["artist_spotify_uri:VARCHAR", "name:VARCHAR"]
    natural_key: [artist_spotify_uri]
  - name: play
    kind: fact
    primary_key: play_id
    columns: ["artist_id:BIGINT", "ms_played:BIGINT"]
    foreign_keys:
      artist_id: artist
    flush_trigger: true
`
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	r, err := LoadFile(path)
	require.NoError(t, err)
	play, err := r.Table("play")
	require.NoError(t, err)
	require.True(t, play.FlushTrigger())
	require.Equal(t, []string{"artist_id", "ms_played"}, play.NaturalKeyColumns())

	_, err = Parse([]byte("tables:\n  - name: x\n    unexpected: 1\n"))
	require.Error(t, err)

	_, err = Parse(nil)
	require.Error(t, err)
}
