package radio

import "time"

// Song is one track as reported by the streaming server.
type Song struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
	Album  string `json:"album,omitempty"`
	Art    string `json:"art,omitempty"`
}

// NowPlaying is the live station snapshot the site renders.
type NowPlaying struct {
	Station   string    `json:"station"`
	Listeners int       `json:"listeners"`
	Song      Song      `json:"song"`
	Elapsed   int       `json:"elapsed"`
	Duration  int       `json:"duration"`
	History   []Song    `json:"history,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}
