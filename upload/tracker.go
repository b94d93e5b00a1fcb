package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

type sessionTracker struct {
	tracker analytics.Tracker
}

func newSessionTracker(tracker analytics.Tracker) sessionTracker {
	return sessionTracker{tracker: tracker}
}

func (t sessionTracker) logSessionSucceeded(result Result) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"session_id":        result.SessionID,
		"upload_time_s":     result.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes": result.Size,
		"part_count":        result.PartCount,
		"mime_type":         result.MimeType,
	}
	t.tracker.Enqueue("upload_session_succeeded", properties)
}

func (t sessionTracker) logSessionFailed(result Result, stage State) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"session_id":        result.SessionID,
		"upload_time_s":     result.Duration.Truncate(time.Second).Seconds(),
		"upload_size_bytes": result.Size,
		"part_count":        result.PartCount,
		"stage":             stage.String(),
		"bytes_transferred": result.BytesTransferred,
	}
	t.tracker.Enqueue("upload_session_failed", properties)
}

func (t sessionTracker) logSessionCancelled(result Result, stage State) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"session_id":        result.SessionID,
		"stage":             stage.String(),
		"bytes_transferred": result.BytesTransferred,
	}
	t.tracker.Enqueue("upload_session_cancelled", properties)
}
