package types

import "time"

// SyncReport summarises one synchronisation run. It carries counts only so
// it can be archived without participant data.
type SyncReport struct {
	Hard           bool      `json:"hard"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	LastFill       time.Time `json:"lastFill"`
	Years          []int     `json:"years"`
	AccessGroups   int       `json:"accessGroups"`
	Users          int       `json:"users"`
	LocalUsers     int       `json:"localUsers"`
	RestoredTokens int       `json:"restoredTokens"`
	DroppedTokens  int       `json:"droppedTokens"`
	Participants   int       `json:"participants"`
}
