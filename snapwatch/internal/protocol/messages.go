package protocol

import (
	"github.com/hazyhaar/snapstory/snapwatch/internal/prefs"
	"github.com/hazyhaar/snapstory/snapwatch/media"
)

// Orchestrator verbs.
const (
	VerbUpdateBadge  = "updateBadge"
	VerbDownload     = "download"
	VerbGetSettings  = "getSettings"
	VerbSaveSettings = "saveSettings"
	VerbGetBadge     = "getBadge"
	VerbPageUpdated  = "pageUpdated"
)

// Aggregator verbs, served per page.
const (
	VerbGetMediaCount  = "getMediaCount"
	VerbGetMediaList   = "getMediaList"
	VerbDownloadAll    = "downloadAll"
	VerbDownloadSingle = "downloadSingle"
	VerbRefreshScan    = "refreshScan"
)

type Ack struct {
	Success bool `json:"success"`
}

type UpdateBadgeRequest struct {
	PageID string `json:"pageId"`
	Count  int    `json:"count"`
}

type BadgeRequest struct {
	PageID string `json:"pageId"`
}

// BadgeResponse carries what a toolbar badge would show: the count as
// text, empty when zero, and the accent color.
type BadgeResponse struct {
	PageID string `json:"pageId"`
	Count  int    `json:"count"`
	Text   string `json:"text"`
	Color  string `json:"color,omitempty"`
}

type DownloadRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type DownloadResponse struct {
	Success    bool   `json:"success"`
	DownloadID string `json:"downloadId"`
}

type SettingsResponse struct {
	Settings prefs.Settings `json:"settings"`
}

type SaveSettingsRequest struct {
	Settings prefs.Patch `json:"settings"`
}

type PageUpdatedRequest struct {
	PageID string `json:"pageId"`
	URL    string `json:"url"`
}

type PageUpdatedResponse struct {
	Reset bool `json:"reset"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type MediaListResponse struct {
	Media []media.Record `json:"media"`
}

type DownloadSingleRequest struct {
	MediaItem *media.Record `json:"mediaItem"`
}

// BulkResult summarizes an all-settled bulk download.
type BulkResult struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
