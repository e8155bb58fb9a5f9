package export

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// legacyTimeLayout is the endTime format of the account data
// StreamingHistory*.json files.
const legacyTimeLayout = "2006-01-02 15:04"

var (
	ErrNoTrack = errors.New("entry has no track")
)

// Entry is one play from a Spotify streaming history export. Both the
// extended history (Streaming_History_Audio_*.json) and the legacy account
// data format (StreamingHistory*.json) decode into it.
type Entry struct {
	Timestamp   time.Time
	Platform    string
	MsPlayed    int64
	IPAddr      string
	TrackName   string
	ArtistName  string
	AlbumName   string
	TrackURI    string
	ReasonStart string
	ReasonEnd   string
	Shuffle     *bool
	Skipped     *bool
	Offline     *bool
}

type rawEntry struct {
	TS              string  `json:"ts"`
	Platform        string  `json:"platform"`
	MsPlayed        *int64  `json:"ms_played"`
	IPAddr          string  `json:"ip_addr"`
	IPAddrDecrypted string  `json:"ip_addr_decrypted"`
	TrackName       *string `json:"master_metadata_track_name"`
	ArtistName      *string `json:"master_metadata_album_artist_name"`
	AlbumName       *string `json:"master_metadata_album_album_name"`
	TrackURI        *string `json:"spotify_track_uri"`
	EpisodeURI      *string `json:"spotify_episode_uri"`
	ReasonStart     string  `json:"reason_start"`
	ReasonEnd       string  `json:"reason_end"`
	Shuffle         *bool   `json:"shuffle"`
	Skipped         *bool   `json:"skipped"`
	Offline         *bool   `json:"offline"`

	// legacy format
	EndTime      string `json:"endTime"`
	LegacyArtist string `json:"artistName"`
	LegacyTrack  string `json:"trackName"`
	LegacyMs     *int64 `json:"msPlayed"`
}

// Decode reads a JSON array of history entries. Entries that are not music
// plays (podcast episodes, audiobooks, plays with the track removed) are
// returned in skipped with the reason, the rest in order.
func Decode(r io.Reader) (entries []Entry, skipped []error, err error) {
	var raws []rawEntry
	if err := json.NewDecoder(r).Decode(&raws); err != nil {
		return nil, nil, fmt.Errorf("failed to decode history: %w", err)
	}
	entries = make([]Entry, 0, len(raws))
	for i, raw := range raws {
		e, err := raw.entry()
		if err != nil {
			skipped = append(skipped, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, skipped, nil
}

func (r rawEntry) entry() (Entry, error) {
	if r.EndTime != "" {
		return r.legacyEntry()
	}

	if r.EpisodeURI != nil && *r.EpisodeURI != "" {
		return Entry{}, fmt.Errorf("%w: episode %s", ErrNoTrack, *r.EpisodeURI)
	}
	track, artist := deref(r.TrackName), deref(r.ArtistName)
	if track == "" || artist == "" {
		return Entry{}, ErrNoTrack
	}
	ts, err := time.Parse(time.RFC3339, r.TS)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid ts %q: %w", r.TS, err)
	}
	if r.MsPlayed == nil {
		return Entry{}, errors.New("missing ms_played")
	}
	ip := r.IPAddr
	if ip == "" {
		ip = r.IPAddrDecrypted
	}
	return Entry{
		Timestamp:   ts.UTC(),
		Platform:    r.Platform,
		MsPlayed:    *r.MsPlayed,
		IPAddr:      ip,
		TrackName:   track,
		ArtistName:  artist,
		AlbumName:   deref(r.AlbumName),
		TrackURI:    deref(r.TrackURI),
		ReasonStart: r.ReasonStart,
		ReasonEnd:   r.ReasonEnd,
		Shuffle:     r.Shuffle,
		Skipped:     r.Skipped,
		Offline:     r.Offline,
	}, nil
}

func (r rawEntry) legacyEntry() (Entry, error) {
	if r.LegacyTrack == "" || r.LegacyArtist == "" || strings.EqualFold(r.LegacyTrack, "Unknown Track") {
		return Entry{}, ErrNoTrack
	}
	ts, err := time.ParseInLocation(legacyTimeLayout, r.EndTime, time.UTC)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid endTime %q: %w", r.EndTime, err)
	}
	if r.LegacyMs == nil {
		return Entry{}, errors.New("missing msPlayed")
	}
	return Entry{
		Timestamp:  ts,
		MsPlayed:   *r.LegacyMs,
		TrackName:  r.LegacyTrack,
		ArtistName: r.LegacyArtist,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
