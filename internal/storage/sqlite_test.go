package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"wabot/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScheduledMessageLifecycle(t *testing.T) {
	s := openTestStore(t)

	m := &model.ScheduledMessage{
		ID:            "sched-1",
		To:            "62811111@s.whatsapp.net",
		Body:          "hello",
		ScheduledTime: time.Now().Add(time.Hour).Truncate(time.Second),
		Status:        model.StatusPending,
	}
	if err := s.InsertScheduledMessage(m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pending, err := s.ListPendingScheduled()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "sched-1" {
		t.Fatalf("pending = %+v, want one record sched-1", pending)
	}
	if pending[0].LastSentAt != nil {
		t.Fatalf("fresh record should have nil LastSentAt")
	}

	at := time.Now().Truncate(time.Second)
	if err := s.MarkScheduledSent("sched-1", at); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	got, err := s.GetScheduledMessage("sched-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusSent || !got.Sent {
		t.Fatalf("after mark sent: status=%q sent=%v", got.Status, got.Sent)
	}
	if got.LastSentAt == nil {
		t.Fatalf("after mark sent: LastSentAt should be set")
	}

	pending, err = s.ListPendingScheduled()
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("sent record still listed as pending")
	}
}

func TestScheduledMessageFailureAndErrorNote(t *testing.T) {
	s := openTestStore(t)

	m := &model.ScheduledMessage{
		ID:             "sched-2",
		To:             "62822222@s.whatsapp.net",
		Body:           "daily",
		ScheduledTime:  time.Now().Truncate(time.Second),
		Repeat:         true,
		CronExpression: "0 9 * * *",
		Status:         model.StatusPending,
	}
	if err := s.InsertScheduledMessage(m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// An error note alone leaves the record pending
	if err := s.NoteScheduledError("sched-2", "send timed out"); err != nil {
		t.Fatalf("note error: %v", err)
	}
	got, err := s.GetScheduledMessage("sched-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Fatalf("error note changed status to %q", got.Status)
	}
	if got.ErrorMessage != "send timed out" {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}

	at := time.Now().Truncate(time.Second)
	if err := s.TouchScheduledLastSent("sched-2", at); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ = s.GetScheduledMessage("sched-2")
	if got.LastSentAt == nil {
		t.Fatalf("touch did not set LastSentAt")
	}
	if got.Status != model.StatusPending || got.Sent {
		t.Fatalf("touch changed lifecycle fields: status=%q sent=%v", got.Status, got.Sent)
	}

	if err := s.MarkScheduledFailed("sched-2", "recipient rejected"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ = s.GetScheduledMessage("sched-2")
	if got.Status != model.StatusFailed || got.Sent {
		t.Fatalf("after mark failed: status=%q sent=%v", got.Status, got.Sent)
	}
	if got.ErrorMessage != "recipient rejected" {
		t.Fatalf("failure reason = %q", got.ErrorMessage)
	}
}

func TestGetScheduledMessageNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetScheduledMessage("nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestInsertMessageIgnoresDuplicates(t *testing.T) {
	s := openTestStore(t)

	m := &model.Message{
		MessageID: "3EB0ABCDEF",
		Direction: model.DirectionIncoming,
		Body:      "!ping",
		From:      "62833333@s.whatsapp.net",
		IsCommand: true,
		Command:   "!ping",
	}
	if err := s.InsertMessage(m); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Replayed event with the same platform ID
	if err := s.InsertMessage(m); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}

	n, err := s.CountMessages()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	list, err := s.ListMessages(10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || !list[0].IsCommand || list[0].Command != "!ping" {
		t.Fatalf("list = %+v", list)
	}

	got, err := s.GetMessageByRowID(list[0].ID)
	if err != nil {
		t.Fatalf("get by row id: %v", err)
	}
	if got.MessageID != "3EB0ABCDEF" {
		t.Fatalf("got message %+v", got)
	}
}

func TestMediaFilesAndExpiredTemp(t *testing.T) {
	s := openTestStore(t)

	old := &model.MediaFile{
		ID:        "media-old",
		MessageID: "msg-1",
		Filename:  "a.jpg",
		FilePath:  "/tmp/a.jpg",
		Mimetype:  "image/jpeg",
		FileSize:  10,
		FileType:  model.FileTypeImage,
		TempFile:  true,
		CreatedAt: time.Now().Add(-100 * time.Hour),
	}
	fresh := &model.MediaFile{
		ID:        "media-new",
		MessageID: "msg-1",
		Filename:  "b.pdf",
		FilePath:  "/tmp/b.pdf",
		Mimetype:  "application/pdf",
		FileSize:  20,
		FileType:  model.FileTypeDocument,
		TempFile:  true,
	}
	kept := &model.MediaFile{
		ID:        "media-kept",
		MessageID: "msg-2",
		Filename:  "c.mp4",
		FilePath:  "/tmp/c.mp4",
		Mimetype:  "video/mp4",
		FileSize:  30,
		FileType:  model.FileTypeVideo,
		CreatedAt: time.Now().Add(-100 * time.Hour),
	}
	for _, f := range []*model.MediaFile{old, fresh, kept} {
		if err := s.InsertMediaFile(f); err != nil {
			t.Fatalf("insert %s: %v", f.ID, err)
		}
	}

	expired, err := s.ListExpiredTempMedia(time.Now().Add(-72 * time.Hour))
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "media-old" {
		t.Fatalf("expired = %+v, want only media-old", expired)
	}

	images, err := s.ListMediaFiles(model.FileTypeImage, 10, 0)
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(images) != 1 || images[0].ID != "media-old" {
		t.Fatalf("images = %+v", images)
	}
	n, err := s.CountMediaFiles("")
	if err != nil || n != 3 {
		t.Fatalf("count all = %d, %v", n, err)
	}

	forMsg, err := s.ListMediaForMessage("msg-1")
	if err != nil {
		t.Fatalf("list for message: %v", err)
	}
	if len(forMsg) != 2 {
		t.Fatalf("files for msg-1 = %d, want 2", len(forMsg))
	}

	affected, err := s.DeleteMediaFile("media-old")
	if err != nil || affected != 1 {
		t.Fatalf("delete = %d, %v", affected, err)
	}
	if _, err := s.GetMediaFile("media-old"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("deleted file still readable, err=%v", err)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)

	msgs := []*model.Message{
		{MessageID: "in-1", Direction: model.DirectionIncoming, Body: "hi", From: "62844@s.whatsapp.net"},
		{MessageID: "in-2", Direction: model.DirectionIncoming, Body: "photo", From: "62844@s.whatsapp.net", HasMedia: true},
		{MessageID: "out-1", Direction: model.DirectionOutgoing, Body: "reply", From: "me", To: "62844@s.whatsapp.net"},
	}
	for _, m := range msgs {
		if err := s.InsertMessage(m); err != nil {
			t.Fatalf("insert message: %v", err)
		}
	}
	if err := s.InsertMediaFile(&model.MediaFile{
		ID: "m1", MessageID: "in-2", Filename: "p.png", FilePath: "/tmp/p.png",
		Mimetype: "image/png", FileType: model.FileTypeImage,
	}); err != nil {
		t.Fatalf("insert media: %v", err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Messages.Total != 3 || st.Messages.Incoming != 2 || st.Messages.Outgoing != 1 {
		t.Fatalf("message counters = %+v", st.Messages)
	}
	if st.Media.Total != 1 || st.Media.Image != 1 {
		t.Fatalf("media counters = %+v", st.Media)
	}
	if len(st.RecentMessages) != 3 {
		t.Fatalf("recent = %d, want 3", len(st.RecentMessages))
	}
}
