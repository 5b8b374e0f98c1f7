package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"wabot/internal/model"
)

type Store struct {
	DB *sql.DB
}

// Open opens/initializes SQLite database with WAL and foreign keys, then migrates schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		// continue; non-fatal
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		// continue; non-fatal
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes underlying DB.
func (s *Store) Close() error { return s.DB.Close() }

func migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS scheduled_messages (
			id TEXT PRIMARY KEY,
			recipient TEXT NOT NULL,
			body TEXT NOT NULL DEFAULT '',
			media_path TEXT,
			scheduled_time TIMESTAMP NOT NULL,
			repeat INTEGER NOT NULL DEFAULT 0,
			cron_expression TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			sent INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			last_sent_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			direction TEXT NOT NULL DEFAULT 'incoming',
			body TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL,
			recipient TEXT,
			has_media INTEGER NOT NULL DEFAULT 0,
			is_command INTEGER NOT NULL DEFAULT 0,
			command TEXT,
			ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS media_files (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			file_path TEXT NOT NULL,
			mimetype TEXT NOT NULL,
			file_size INTEGER NOT NULL DEFAULT 0,
			file_type TEXT NOT NULL DEFAULT 'other',
			temp_file INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_status ON scheduled_messages(status);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_media_message ON media_files(message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_media_type ON media_files(file_type);`,
		`CREATE INDEX IF NOT EXISTS idx_media_temp_created ON media_files(temp_file, created_at);`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

/********** Scheduled messages **********/

// InsertScheduledMessage persists a new scheduled message. CreatedAt is
// assigned here; the record is either fully saved or not saved at all.
func (s *Store) InsertScheduledMessage(m *model.ScheduledMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT INTO scheduled_messages
		(id,recipient,body,media_path,scheduled_time,repeat,cron_expression,status,sent,error_message,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.To, m.Body, m.MediaPath, m.ScheduledTime, btoi(m.Repeat), m.CronExpression,
		m.Status, btoi(m.Sent), m.ErrorMessage, m.CreatedAt)
	return err
}

// ListPendingScheduled returns all scheduled messages still in pending status.
// Used to rehydrate the in-memory job registry at startup.
func (s *Store) ListPendingScheduled() ([]model.ScheduledMessage, error) {
	rows, err := s.DB.Query(scheduledSelect + ` WHERE status=? ORDER BY created_at ASC`, model.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduled(rows)
}

func (s *Store) GetScheduledMessage(id string) (*model.ScheduledMessage, error) {
	rows, err := s.DB.Query(scheduledSelect+` WHERE id=?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanScheduled(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, sql.ErrNoRows
	}
	return &list[0], nil
}

func (s *Store) ListScheduledMessages(limit, offset int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.Query(scheduledSelect+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanScheduled(rows)
}

// MarkScheduledSent records a successful one-time delivery: terminal status,
// sent flag mirror, and last_sent_at all in one write.
func (s *Store) MarkScheduledSent(id string, at time.Time) error {
	_, err := s.DB.Exec(`UPDATE scheduled_messages SET status=?, sent=1, error_message=NULL, last_sent_at=? WHERE id=?`,
		model.StatusSent, at, id)
	return err
}

// MarkScheduledFailed records a failure with an explanatory note.
func (s *Store) MarkScheduledFailed(id, reason string) error {
	_, err := s.DB.Exec(`UPDATE scheduled_messages SET status=?, sent=0, error_message=? WHERE id=?`,
		model.StatusFailed, reason, id)
	return err
}

// TouchScheduledLastSent updates only last_sent_at. Used after each
// successful fire of a recurring message; status stays pending.
func (s *Store) TouchScheduledLastSent(id string, at time.Time) error {
	_, err := s.DB.Exec(`UPDATE scheduled_messages SET last_sent_at=? WHERE id=?`, at, id)
	return err
}

// NoteScheduledError records an error note without changing status. Used for
// recurring messages whose trigger stays armed after a failed fire.
func (s *Store) NoteScheduledError(id, reason string) error {
	_, err := s.DB.Exec(`UPDATE scheduled_messages SET error_message=? WHERE id=?`, reason, id)
	return err
}

const scheduledSelect = `SELECT id,recipient,body,COALESCE(media_path,''),scheduled_time,repeat,
	COALESCE(cron_expression,''),status,sent,COALESCE(error_message,''),last_sent_at,created_at
	FROM scheduled_messages`

func scanScheduled(rows *sql.Rows) ([]model.ScheduledMessage, error) {
	var list []model.ScheduledMessage
	for rows.Next() {
		var m model.ScheduledMessage
		var repeatInt, sentInt int
		var lastSent sql.NullTime
		if err := rows.Scan(&m.ID, &m.To, &m.Body, &m.MediaPath, &m.ScheduledTime, &repeatInt,
			&m.CronExpression, &m.Status, &sentInt, &m.ErrorMessage, &lastSent, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Repeat = repeatInt == 1
		m.Sent = sentInt == 1
		if lastSent.Valid {
			t := lastSent.Time
			m.LastSentAt = &t
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

/********** Chat message log **********/

// InsertMessage appends a chat message to the log. Duplicate platform
// message IDs are ignored (replayed events).
func (s *Store) InsertMessage(m *model.Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if m.Direction == "" {
		m.Direction = model.DirectionIncoming
	}
	_, err := s.DB.Exec(`INSERT OR IGNORE INTO messages
		(message_id,direction,body,sender,recipient,has_media,is_command,command,ts)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		m.MessageID, m.Direction, m.Body, m.From, m.To, btoi(m.HasMedia), btoi(m.IsCommand), m.Command, m.Timestamp)
	return err
}

func (s *Store) ListMessages(limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.Query(`SELECT id,message_id,direction,body,sender,COALESCE(recipient,''),has_media,is_command,COALESCE(command,''),ts
		FROM messages ORDER BY ts DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Message
	for rows.Next() {
		var m model.Message
		var hasMedia, isCmd int
		if err := rows.Scan(&m.ID, &m.MessageID, &m.Direction, &m.Body, &m.From, &m.To, &hasMedia, &isCmd, &m.Command, &m.Timestamp); err != nil {
			return nil, err
		}
		m.HasMedia = hasMedia == 1
		m.IsCommand = isCmd == 1
		list = append(list, m)
	}
	return list, rows.Err()
}

func (s *Store) CountMessages() (int64, error) {
	var n int64
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func (s *Store) GetMessageByRowID(id int64) (*model.Message, error) {
	var m model.Message
	var hasMedia, isCmd int
	err := s.DB.QueryRow(`SELECT id,message_id,direction,body,sender,COALESCE(recipient,''),has_media,is_command,COALESCE(command,''),ts
		FROM messages WHERE id=?`, id).
		Scan(&m.ID, &m.MessageID, &m.Direction, &m.Body, &m.From, &m.To, &hasMedia, &isCmd, &m.Command, &m.Timestamp)
	if err != nil {
		return nil, err
	}
	m.HasMedia = hasMedia == 1
	m.IsCommand = isCmd == 1
	return &m, nil
}

/********** Media files **********/

func (s *Store) InsertMediaFile(f *model.MediaFile) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT INTO media_files
		(id,message_id,filename,file_path,mimetype,file_size,file_type,temp_file,created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		f.ID, f.MessageID, f.Filename, f.FilePath, f.Mimetype, f.FileSize, f.FileType, btoi(f.TempFile), f.CreatedAt)
	return err
}

func (s *Store) GetMediaFile(id string) (*model.MediaFile, error) {
	var f model.MediaFile
	var tempInt int
	err := s.DB.QueryRow(`SELECT id,message_id,filename,file_path,mimetype,file_size,file_type,temp_file,created_at
		FROM media_files WHERE id=?`, id).
		Scan(&f.ID, &f.MessageID, &f.Filename, &f.FilePath, &f.Mimetype, &f.FileSize, &f.FileType, &tempInt, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.TempFile = tempInt == 1
	return &f, nil
}

// ListMediaFiles returns media files, optionally filtered by file type.
func (s *Store) ListMediaFiles(fileType string, limit, offset int) ([]model.MediaFile, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows *sql.Rows
	var err error
	if fileType != "" {
		rows, err = s.DB.Query(`SELECT id,message_id,filename,file_path,mimetype,file_size,file_type,temp_file,created_at
			FROM media_files WHERE file_type=? ORDER BY created_at DESC LIMIT ? OFFSET ?`, fileType, limit, offset)
	} else {
		rows, err = s.DB.Query(`SELECT id,message_id,filename,file_path,mimetype,file_size,file_type,temp_file,created_at
			FROM media_files ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.MediaFile
	for rows.Next() {
		var f model.MediaFile
		var tempInt int
		if err := rows.Scan(&f.ID, &f.MessageID, &f.Filename, &f.FilePath, &f.Mimetype, &f.FileSize, &f.FileType, &tempInt, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.TempFile = tempInt == 1
		list = append(list, f)
	}
	return list, rows.Err()
}

func (s *Store) CountMediaFiles(fileType string) (int64, error) {
	var n int64
	var err error
	if fileType != "" {
		err = s.DB.QueryRow(`SELECT COUNT(*) FROM media_files WHERE file_type=?`, fileType).Scan(&n)
	} else {
		err = s.DB.QueryRow(`SELECT COUNT(*) FROM media_files`).Scan(&n)
	}
	return n, err
}

func (s *Store) ListMediaForMessage(messageID string) ([]model.MediaFile, error) {
	rows, err := s.DB.Query(`SELECT id,message_id,filename,file_path,mimetype,file_size,file_type,temp_file,created_at
		FROM media_files WHERE message_id=? ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.MediaFile
	for rows.Next() {
		var f model.MediaFile
		var tempInt int
		if err := rows.Scan(&f.ID, &f.MessageID, &f.Filename, &f.FilePath, &f.Mimetype, &f.FileSize, &f.FileType, &tempInt, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.TempFile = tempInt == 1
		list = append(list, f)
	}
	return list, rows.Err()
}

func (s *Store) DeleteMediaFile(id string) (int64, error) {
	res, err := s.DB.Exec(`DELETE FROM media_files WHERE id=?`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListExpiredTempMedia returns temp-flagged media rows older than the cutoff.
// The cleanup loop deletes both the file on disk and the row.
func (s *Store) ListExpiredTempMedia(olderThan time.Time) ([]model.MediaFile, error) {
	rows, err := s.DB.Query(`SELECT id,message_id,filename,file_path,mimetype,file_size,file_type,temp_file,created_at
		FROM media_files WHERE temp_file=1 AND created_at < ?`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.MediaFile
	for rows.Next() {
		var f model.MediaFile
		var tempInt int
		if err := rows.Scan(&f.ID, &f.MessageID, &f.Filename, &f.FilePath, &f.Mimetype, &f.FileSize, &f.FileType, &tempInt, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.TempFile = tempInt == 1
		list = append(list, f)
	}
	return list, rows.Err()
}

/********** Stats **********/

// Stats aggregates message/media counters plus recent chat activity for the
// admin dashboard.
func (s *Store) Stats() (*model.Stats, error) {
	var st model.Stats
	row := s.DB.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN direction='incoming' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN direction='outgoing' THEN 1 ELSE 0 END),0)
		FROM messages`)
	if err := row.Scan(&st.Messages.Total, &st.Messages.Incoming, &st.Messages.Outgoing); err != nil {
		return nil, err
	}
	row = s.DB.QueryRow(`SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN file_type='image' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN file_type='audio' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN file_type='video' THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN file_type='document' THEN 1 ELSE 0 END),0)
		FROM media_files`)
	if err := row.Scan(&st.Media.Total, &st.Media.Image, &st.Media.Audio, &st.Media.Video, &st.Media.Document); err != nil {
		return nil, err
	}
	recent, err := s.ListMessages(5, 0)
	if err != nil {
		return nil, err
	}
	st.RecentMessages = recent
	return &st, nil
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}
