package main

import "time"

// SongRequest records a request the site forwarded to the streaming
// server, keyed by a public uuid the API hands back to the client.
type SongRequest struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	PublicID  string    `gorm:"uniqueIndex" json:"id"`
	SongID    string    `gorm:"index" json:"song_id"`
	Title     string    `json:"title"`
	Artist    string    `json:"artist"`
	UserID    string    `gorm:"index" json:"user_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Vote holds one user's vote on one song; repeated votes overwrite.
type Vote struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UserID    string    `gorm:"uniqueIndex:idx_vote_user_song" json:"user_id"`
	SongID    string    `gorm:"uniqueIndex:idx_vote_user_song" json:"song_id"`
	Value     int       `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reaction is a one-off emoji reaction to a song.
type Reaction struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UserID    string    `gorm:"index" json:"user_id"`
	SongID    string    `gorm:"index" json:"song_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// Session maps a bearer token to a user id. Sessions are issued by the
// Discord OAuth flow, which lives outside this service; the API only
// looks them up.
type Session struct {
	ID          uint   `gorm:"primaryKey"`
	Token       string `gorm:"uniqueIndex"`
	UserID      string `gorm:"index"`
	DisplayName string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}
