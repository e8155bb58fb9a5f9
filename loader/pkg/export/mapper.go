package export

import (
	"context"
	"fmt"

	"github.com/malbeclabs/streamlake/loader/pkg/schema"
)

// Resolver issues surrogate keys for records. *pipeline.Pipeline
// implements it.
type Resolver interface {
	ResolveValues(ctx context.Context, table string, values schema.Values) (int64, error)
}

// Extended exports carry no artist or album URIs, so those keys are
// synthesized from names. Legacy exports carry no track URI either.
func artistURI(artist string) string {
	return "urn:streamlake:artist:" + artist
}

func albumURI(artist, album string) string {
	return "urn:streamlake:album:" + artist + ":" + album
}

func trackURI(e Entry) string {
	if e.TrackURI != "" {
		return e.TrackURI
	}
	return "urn:streamlake:track:" + e.ArtistName + ":" + e.TrackName
}

// Map resolves the artist, album, track, their links and the play of e.
// It returns the play's surrogate key.
func Map(ctx context.Context, r Resolver, e Entry) (int64, error) {
	artistID, err := r.ResolveValues(ctx, schema.TableArtist, schema.Values{
		"artist_spotify_uri": artistURI(e.ArtistName),
		"name":               e.ArtistName,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to resolve artist: %w", err)
	}

	trackID, err := r.ResolveValues(ctx, schema.TableTrack, schema.Values{
		"track_spotify_uri": trackURI(e),
		"name":              e.TrackName,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to resolve track: %w", err)
	}
	if _, err := r.ResolveValues(ctx, schema.TableTrackArtist, schema.Values{"track_id": trackID, "artist_id": artistID}); err != nil {
		return 0, fmt.Errorf("failed to resolve track artist: %w", err)
	}

	if e.AlbumName != "" {
		albumID, err := r.ResolveValues(ctx, schema.TableAlbum, schema.Values{
			"album_spotify_uri": albumURI(e.ArtistName, e.AlbumName),
			"title":             e.AlbumName,
		})
		if err != nil {
			return 0, fmt.Errorf("failed to resolve album: %w", err)
		}
		if _, err := r.ResolveValues(ctx, schema.TableAlbumTrack, schema.Values{"album_id": albumID, "track_id": trackID}); err != nil {
			return 0, fmt.Errorf("failed to resolve album track: %w", err)
		}
		if _, err := r.ResolveValues(ctx, schema.TableAlbumArtist, schema.Values{"album_id": albumID, "artist_id": artistID}); err != nil {
			return 0, fmt.Errorf("failed to resolve album artist: %w", err)
		}
	}

	play := schema.Values{
		"track_id":     trackID,
		"end_time":     e.Timestamp,
		"ms_played":    e.MsPlayed,
		"platform":     e.Platform,
		"ip_addr":      e.IPAddr,
		"reason_start": e.ReasonStart,
		"reason_end":   e.ReasonEnd,
	}
	if e.Shuffle != nil {
		play["shuffle"] = *e.Shuffle
	}
	if e.Skipped != nil {
		play["skipped"] = *e.Skipped
	}
	if e.Offline != nil {
		play["offline"] = *e.Offline
	}
	playID, err := r.ResolveValues(ctx, schema.TablePlay, play)
	if err != nil {
		return playID, fmt.Errorf("failed to resolve play: %w", err)
	}
	return playID, nil
}
