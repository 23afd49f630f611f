package domain

// MediaMetadata describes the item being cast. It is rendered into
// DIDL-Lite and handed to the renderer alongside the media URL.
type MediaMetadata struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
}

// CastRequest is the command-surface payload for starting playback.
// FallbackURL is the caller's last known playable URL; it is used only
// when MediaURL is empty.
type CastRequest struct {
	DeviceID    string        `json:"device_id" validate:"required"`
	MediaURL    string        `json:"media_url" validate:"omitempty,max=4096"`
	FallbackURL string        `json:"fallback_url,omitempty" validate:"omitempty,max=4096"`
	Metadata    MediaMetadata `json:"metadata"`
}

// CastResult reports the outcome of a cast. A non-empty Warning with
// Success=true means the URI was set but Play could not be confirmed;
// many renderers auto-start in that situation.
type CastResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Warning string `json:"warning,omitempty"`
}

// PositionInfo is the parsed GetPositionInfo response.
type PositionInfo struct {
	PositionSeconds int `json:"position_seconds"`
	DurationSeconds int `json:"duration_seconds"`
}

// TransportInfo is the parsed GetTransportInfo response.
type TransportInfo struct {
	State  string `json:"state"`
	Status string `json:"status"`
	Speed  string `json:"speed"`
}
