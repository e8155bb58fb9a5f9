package schema

// Spotify table names.
const (
	TableAlbum         = "album"
	TableArtist        = "artist"
	TableTrack         = "track"
	TableGenre         = "genre"
	TableCategory      = "category"
	TableGenreCategory = "genre_category"
	TableTrackArtist   = "track_artist"
	TableAlbumTrack    = "album_track"
	TableAlbumArtist   = "album_artist"
	TableGenreArtist   = "genre_artist"
	TablePlay          = "play"
	TableFavorite      = "favorite"
)

// SpotifyTables returns the definitions of the streaming history schema.
// Plays are the growth-bounded table that triggers flushes.
func SpotifyTables() []TableDef {
	return []TableDef{
		{
			Name:       TableAlbum,
			Kind:       KindDimension,
			PrimaryKey: "album_id",
			Columns: []string{
				"album_spotify_uri:VARCHAR",
				"title:VARCHAR",
				"release_date:VARCHAR",
				"total_tracks:INTEGER",
				"label:VARCHAR",
				"popularity:INTEGER",
			},
			NaturalKey: []string{"album_spotify_uri"},
		},
		{
			Name:       TableArtist,
			Kind:       KindDimension,
			PrimaryKey: "artist_id",
			Columns: []string{
				"artist_spotify_uri:VARCHAR",
				"name:VARCHAR",
				"followers:BIGINT",
				"popularity:INTEGER",
			},
			NaturalKey: []string{"artist_spotify_uri"},
		},
		{
			Name:       TableTrack,
			Kind:       KindDimension,
			PrimaryKey: "track_id",
			Columns: []string{
				"track_spotify_uri:VARCHAR",
				"name:VARCHAR",
				"duration_ms:BIGINT",
				"popularity:INTEGER",
				"danceability:DOUBLE",
				"energy:DOUBLE",
				"track_key:INTEGER",
				"loudness:DOUBLE",
				"mode:INTEGER",
				"speechiness:DOUBLE",
				"acousticness:DOUBLE",
				"instrumentalness:DOUBLE",
				"liveness:DOUBLE",
				"valence:DOUBLE",
				"tempo:DOUBLE",
				"time_signature:INTEGER",
			},
			NaturalKey: []string{"track_spotify_uri"},
		},
		{
			Name:       TableGenre,
			Kind:       KindDimension,
			PrimaryKey: "genre_id",
			Columns:    []string{"genre:VARCHAR"},
			NaturalKey: []string{"genre"},
		},
		{
			Name:       TableCategory,
			Kind:       KindDimension,
			PrimaryKey: "category_id",
			Columns:    []string{"category:VARCHAR"},
			NaturalKey: []string{"category"},
		},
		{
			Name:        TableGenreCategory,
			Kind:        KindJunction,
			PrimaryKey:  "genre_category_id",
			Columns:     []string{"genre_id:BIGINT", "category_id:BIGINT"},
			ForeignKeys: map[string]string{"genre_id": TableGenre, "category_id": TableCategory},
		},
		{
			Name:        TableTrackArtist,
			Kind:        KindJunction,
			PrimaryKey:  "track_artist_id",
			Columns:     []string{"track_id:BIGINT", "artist_id:BIGINT"},
			ForeignKeys: map[string]string{"track_id": TableTrack, "artist_id": TableArtist},
		},
		{
			Name:        TableAlbumTrack,
			Kind:        KindJunction,
			PrimaryKey:  "album_track_id",
			Columns:     []string{"album_id:BIGINT", "track_id:BIGINT"},
			ForeignKeys: map[string]string{"album_id": TableAlbum, "track_id": TableTrack},
		},
		{
			Name:        TableAlbumArtist,
			Kind:        KindJunction,
			PrimaryKey:  "album_artist_id",
			Columns:     []string{"album_id:BIGINT", "artist_id:BIGINT"},
			ForeignKeys: map[string]string{"album_id": TableAlbum, "artist_id": TableArtist},
		},
		{
			Name:        TableGenreArtist,
			Kind:        KindJunction,
			PrimaryKey:  "genre_artist_id",
			Columns:     []string{"genre_id:BIGINT", "artist_id:BIGINT"},
			ForeignKeys: map[string]string{"genre_id": TableGenre, "artist_id": TableArtist},
		},
		{
			Name:       TablePlay,
			Kind:       KindFact,
			PrimaryKey: "play_id",
			Columns: []string{
				"track_id:BIGINT",
				"end_time:TIMESTAMP",
				"ms_played:BIGINT",
				"platform:VARCHAR",
				"ip_addr:VARCHAR",
				"reason_start:VARCHAR",
				"reason_end:VARCHAR",
				"shuffle:BOOLEAN",
				"skipped:BOOLEAN",
				"offline:BOOLEAN",
			},
			ForeignKeys:  map[string]string{"track_id": TableTrack},
			FlushTrigger: true,
		},
		{
			Name:        TableFavorite,
			Kind:        KindFact,
			PrimaryKey:  "favorite_id",
			Columns:     []string{"track_id:BIGINT", "year:INTEGER", "added_at:TIMESTAMP"},
			ForeignKeys: map[string]string{"track_id": TableTrack},
		},
	}
}

// Spotify returns the built-in streaming history registry.
func Spotify() *Registry {
	defs := SpotifyTables()
	tables := make([]*Table, len(defs))
	for i, def := range defs {
		tables[i] = MustTable(def)
	}
	return MustRegistry(tables...)
}
