package models

import "time"

// Setting keys read by the worker
const (
	SettingDownloadBlocklist = "download_blocklist"
)

// Setting is a global key/value row; values are JSON documents
type Setting struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
