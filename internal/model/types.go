package model

import "time"

// Scheduled message status constants for lifecycle tracking.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Media file type categories derived from mimetype at save time.
const (
	FileTypeImage    = "image"
	FileTypeAudio    = "audio"
	FileTypeVideo    = "video"
	FileTypeDocument = "document"
	FileTypeSticker  = "sticker"
	FileTypeOther    = "other"
)

// ScheduledMessage is a persisted intent to deliver a message at a future
// time (one-time) or on a cron cadence (recurring).
type ScheduledMessage struct {
	ID             string     `json:"id" db:"id"`
	To             string     `json:"to" db:"recipient"`
	Body           string     `json:"body" db:"body"`
	MediaPath      string     `json:"media_path,omitempty" db:"media_path"`
	ScheduledTime  time.Time  `json:"scheduled_time" db:"scheduled_time"`
	Repeat         bool       `json:"repeat" db:"repeat"`
	CronExpression string     `json:"cron_expression,omitempty" db:"cron_expression"`
	Status         string     `json:"status" db:"status"`
	Sent           bool       `json:"sent" db:"sent"`
	ErrorMessage   string     `json:"error_message,omitempty" db:"error_message"`
	LastSentAt     *time.Time `json:"last_sent_at,omitempty" db:"last_sent_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Message direction constants.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// Message is one entry in the chat log (incoming or outgoing).
type Message struct {
	ID        int64     `json:"id" db:"id"`
	MessageID string    `json:"message_id" db:"message_id"`
	Direction string    `json:"direction" db:"direction"`
	Body      string    `json:"body" db:"body"`
	From      string    `json:"from" db:"sender"`
	To        string    `json:"to" db:"recipient"`
	HasMedia  bool      `json:"has_media" db:"has_media"`
	IsCommand bool      `json:"is_command" db:"is_command"`
	Command   string    `json:"command,omitempty" db:"command"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// MediaFile records a stored attachment belonging to a chat message.
type MediaFile struct {
	ID        string    `json:"id" db:"id"`
	MessageID string    `json:"message_id" db:"message_id"`
	Filename  string    `json:"filename" db:"filename"`
	FilePath  string    `json:"file_path" db:"file_path"`
	Mimetype  string    `json:"mimetype" db:"mimetype"`
	FileSize  int64     `json:"file_size" db:"file_size"`
	FileType  string    `json:"file_type" db:"file_type"`
	TempFile  bool      `json:"temp_file" db:"temp_file"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Stats is the aggregate view served by the admin dashboard.
type Stats struct {
	Messages struct {
		Total    int64 `json:"total"`
		Incoming int64 `json:"incoming"`
		Outgoing int64 `json:"outgoing"`
	} `json:"messages"`
	Media struct {
		Total    int64 `json:"total"`
		Image    int64 `json:"image"`
		Audio    int64 `json:"audio"`
		Video    int64 `json:"video"`
		Document int64 `json:"document"`
	} `json:"media"`
	RecentMessages []Message `json:"recent_messages"`
}
