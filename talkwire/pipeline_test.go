package talkwire

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nvoronin/talkwire-go/talkwire/rest"
)

// memMessageStore is an in-memory MessageStore keyed by both ids.
type memMessageStore struct {
	mu   sync.Mutex
	recs []MessageRecord

	failInsert bool
}

func (s *memMessageStore) Insert(_ context.Context, rec MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert {
		return errors.New("insert failed")
	}
	s.recs = append(s.recs, rec)
	return nil
}

func (s *memMessageStore) find(match func(MessageRecord) bool) (int, bool) {
	for i, rec := range s.recs {
		if match(rec) {
			return i, true
		}
	}
	return 0, false
}

func (s *memMessageStore) GetByID(_ context.Context, id string) (MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.find(func(r MessageRecord) bool { return r.ID == id }); ok {
		return s.recs[i], nil
	}
	return MessageRecord{}, ErrNotFound
}

func (s *memMessageStore) GetByClientID(_ context.Context, clientID string) (MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.find(func(r MessageRecord) bool { return r.ClientID == clientID }); ok {
		return s.recs[i], nil
	}
	return MessageRecord{}, ErrNotFound
}

func (s *memMessageStore) ConfirmSent(_ context.Context, clientID, serverID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(func(r MessageRecord) bool { return r.ClientID == clientID })
	if !ok {
		return ErrNotFound
	}
	s.recs[i].ID = serverID
	s.recs[i].Status = StatusSent
	if !at.IsZero() {
		s.recs[i].Timestamp = at
	}
	return nil
}

func (s *memMessageStore) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(func(r MessageRecord) bool { return r.ID == id })
	if !ok {
		return ErrNotFound
	}
	s.recs[i].Status = status
	return nil
}

func (s *memMessageStore) UpdateStatusByClientID(_ context.Context, clientID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(func(r MessageRecord) bool { return r.ClientID == clientID })
	if !ok {
		return ErrNotFound
	}
	s.recs[i].Status = status
	return nil
}

func (s *memMessageStore) SetStarred(_ context.Context, id string, starred bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(func(r MessageRecord) bool { return r.ID == id })
	if !ok {
		return ErrNotFound
	}
	s.recs[i].Starred = starred
	return nil
}

func (s *memMessageStore) SetReactions(_ context.Context, id string, reactions map[string][]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(func(r MessageRecord) bool { return r.ID == id })
	if !ok {
		return ErrNotFound
	}
	s.recs[i].Reactions = reactions
	return nil
}

func (s *memMessageStore) SoftDelete(_ context.Context, id string, forEveryone bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.find(func(r MessageRecord) bool { return r.ID == id })
	if !ok {
		return ErrNotFound
	}
	s.recs[i].Deleted = true
	s.recs[i].DeletedForEveryone = forEveryone
	return nil
}

func (s *memMessageStore) AllPending(_ context.Context) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []MessageRecord
	for _, rec := range s.recs {
		if rec.Status == StatusPending {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memMessageStore) byClientID(t *testing.T, clientID string) MessageRecord {
	t.Helper()
	rec, err := s.GetByClientID(context.Background(), clientID)
	if err != nil {
		t.Fatalf("record %q not found", clientID)
	}
	return rec
}

type memChatStore struct {
	mu       sync.Mutex
	previews map[string]string
	unread   map[string]int
}

func newMemChatStore() *memChatStore {
	return &memChatStore{previews: map[string]string{}, unread: map[string]int{}}
}

func (s *memChatStore) UpdateLastMessage(_ context.Context, chatID, messageID, preview string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previews[chatID] = preview
	return nil
}

func (s *memChatStore) SetUnread(_ context.Context, chatID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unread[chatID] = count
	return nil
}

type fakeWire struct {
	mu     sync.Mutex
	state  ConnectionState
	sendOK bool
	frames []Frame
}

func (w *fakeWire) State() ConnectionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWire) Send(f Frame) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.sendOK {
		return false
	}
	w.frames = append(w.frames, f)
	return true
}

// fakeFallback records REST calls and can fail selectively.
type fakeFallback struct {
	mu    sync.Mutex
	calls []string

	sendErr   error
	sendInfo  *rest.MessageInfo
	starErr   error
	reactErr  error
	deleteErr error
}

func (f *fakeFallback) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeFallback) called(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeFallback) SendMessage(_ context.Context, chatID string, req rest.SendMessageRequest) (*rest.MessageInfo, error) {
	f.record("send")
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.sendInfo != nil {
		return f.sendInfo, nil
	}
	return &rest.MessageInfo{MessageID: "srv-" + req.ClientMsgID, ClientMsgID: req.ClientMsgID, ChatID: chatID, Status: StatusSent}, nil
}

func (f *fakeFallback) MarkRead(context.Context, string, rest.MarkReadRequest) error {
	f.record("markread")
	return nil
}

func (f *fakeFallback) Star(context.Context, string, string) error {
	f.record("star")
	return f.starErr
}

func (f *fakeFallback) Unstar(context.Context, string, string) error {
	f.record("unstar")
	return f.starErr
}

func (f *fakeFallback) React(context.Context, string, string, rest.ReactRequest) error {
	f.record("react")
	return f.reactErr
}

func (f *fakeFallback) RemoveReaction(context.Context, string, string) error {
	f.record("removereaction")
	return f.reactErr
}

func (f *fakeFallback) DeleteMessage(context.Context, string, string, bool) error {
	f.record("delete")
	return f.deleteErr
}

func testToken(t *testing.T) StaticTokenSource {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u-self"}).
		SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return StaticTokenSource(token)
}

type pipelineFixture struct {
	p        *Pipeline
	wire     *fakeWire
	fallback *fakeFallback
	messages *memMessageStore
	chats    *memChatStore
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	f := &pipelineFixture{
		wire:     &fakeWire{state: StateDisconnected},
		fallback: &fakeFallback{},
		messages: &memMessageStore{},
		chats:    newMemChatStore(),
	}
	f.p = NewPipeline(f.wire, f.fallback, f.messages, f.chats, testToken(t))
	return f
}

func TestComposeOfflineStaysPending(t *testing.T) {
	f := newPipelineFixture(t)

	rec, err := f.p.ComposeAndSend(context.Background(), SendInput{ChatID: "c1", Content: "hello"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status = %q, want pending", rec.Status)
	}
	if rec.ID != rec.ClientID || rec.ClientID == "" {
		t.Fatalf("ids not seeded from client id: %+v", rec)
	}
	if rec.SenderID != "u-self" {
		t.Fatalf("sender = %q", rec.SenderID)
	}
	if len(f.wire.frames) != 0 {
		t.Fatalf("nothing should have been sent offline")
	}
	if f.chats.previews["c1"] != "hello" {
		t.Fatalf("preview = %q", f.chats.previews["c1"])
	}
}

func TestComposeConnectedGoesSending(t *testing.T) {
	f := newPipelineFixture(t)
	f.wire.state = StateConnected
	f.wire.sendOK = true

	rec, err := f.p.ComposeAndSend(context.Background(), SendInput{ChatID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if rec.Status != StatusSending {
		t.Fatalf("status = %q, want sending", rec.Status)
	}
	if len(f.wire.frames) != 1 {
		t.Fatalf("frames sent = %d, want 1", len(f.wire.frames))
	}
	frame := f.wire.frames[0]
	if frame.Event != "message.send" || frame.Ref != rec.ClientID {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	var payload struct {
		ChatID      string `json:"chat_id"`
		ClientMsgID string `json:"client_msg_id"`
		Type        string `json:"type"`
	}
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.ChatID != "c1" || payload.ClientMsgID != rec.ClientID || payload.Type != "text" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestComposeSendFailureStaysPending(t *testing.T) {
	f := newPipelineFixture(t)
	f.wire.state = StateConnected
	f.wire.sendOK = false

	rec, err := f.p.ComposeAndSend(context.Background(), SendInput{ChatID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status = %q, want pending", rec.Status)
	}
}

func TestComposeUnauthenticated(t *testing.T) {
	f := newPipelineFixture(t)
	f.p.tokens = StaticTokenSource("")

	_, err := f.p.ComposeAndSend(context.Background(), SendInput{ChatID: "c1", Content: "hi"})
	if !IsCode(err, CodeUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if len(f.messages.recs) != 0 {
		t.Fatalf("nothing should have been stored")
	}
}

func TestComposeMediaPreview(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.p.ComposeAndSend(context.Background(), SendInput{
		ChatID: "c1", Type: "image", Content: "caption", MediaID: "media-1",
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if got := f.chats.previews["c1"]; got != "\U0001F4F7 Photo" {
		t.Fatalf("preview = %q", got)
	}
}

func TestOnRemoteAckReconciliation(t *testing.T) {
	f := newPipelineFixture(t)
	rec, err := f.p.ComposeAndSend(context.Background(), SendInput{ChatID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := f.p.OnRemoteAck(context.Background(), rec.ClientID, "srv-9", at); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Resolvable by both identities after confirmation.
	byServer, err := f.messages.GetByID(context.Background(), "srv-9")
	if err != nil {
		t.Fatalf("lookup by server id: %v", err)
	}
	byClient := f.messages.byClientID(t, rec.ClientID)
	if byServer.ClientID != rec.ClientID || byClient.ID != "srv-9" {
		t.Fatalf("identities diverged: %+v vs %+v", byServer, byClient)
	}
	if byServer.Status != StatusSent || !byServer.Timestamp.Equal(at) {
		t.Fatalf("unexpected record: %+v", byServer)
	}
}

func TestOnRemoteAckUnknownClientID(t *testing.T) {
	f := newPipelineFixture(t)
	err := f.p.OnRemoteAck(context.Background(), "ghost", "srv-1", time.Time{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInboundMessageDeduplicated(t *testing.T) {
	f := newPipelineFixture(t)
	rec := MessageRecord{ID: "srv-1", ClientID: "cli-1", ChatID: "c1", Content: "hi", Status: StatusSent}

	if err := f.p.OnInboundMessage(context.Background(), rec); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := f.p.OnInboundMessage(context.Background(), rec); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(f.messages.recs) != 1 {
		t.Fatalf("records = %d, want 1", len(f.messages.recs))
	}
}

func TestInboundMessageWithoutClientID(t *testing.T) {
	f := newPipelineFixture(t)
	rec := MessageRecord{ID: "srv-2", ChatID: "c1", Content: "yo", Status: StatusSent}
	if err := f.p.OnInboundMessage(context.Background(), rec); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if got := f.messages.byClientID(t, "srv-2"); got.ID != "srv-2" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestMarkRead(t *testing.T) {
	f := newPipelineFixture(t)
	f.chats.unread["c1"] = 4
	f.wire.state = StateConnected
	f.wire.sendOK = true

	if err := f.p.MarkRead(context.Background(), "c1", "m-9"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if f.chats.unread["c1"] != 0 {
		t.Fatalf("unread = %d, want 0", f.chats.unread["c1"])
	}
	if len(f.wire.frames) != 1 || f.wire.frames[0].Event != "message.read" {
		t.Fatalf("unexpected frames: %+v", f.wire.frames)
	}
	if !f.fallback.called("markread") {
		t.Fatalf("HTTP confirmation missing")
	}
}

func TestStarRevertOnRemoteFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.messages.recs = append(f.messages.recs, MessageRecord{ID: "m1", ClientID: "m1", ChatID: "c1"})
	f.fallback.starErr = errors.New("503")

	if err := f.p.StarMessage(context.Background(), "m1", true); err == nil {
		t.Fatalf("expected error")
	}
	rec, _ := f.messages.GetByID(context.Background(), "m1")
	if rec.Starred {
		t.Fatalf("star not reverted")
	}
}

func TestStarSuccess(t *testing.T) {
	f := newPipelineFixture(t)
	f.messages.recs = append(f.messages.recs, MessageRecord{ID: "m1", ClientID: "m1", ChatID: "c1"})

	if err := f.p.StarMessage(context.Background(), "m1", true); err != nil {
		t.Fatalf("star: %v", err)
	}
	rec, _ := f.messages.GetByID(context.Background(), "m1")
	if !rec.Starred || !f.fallback.called("star") {
		t.Fatalf("star not applied: %+v", rec)
	}

	if err := f.p.StarMessage(context.Background(), "m1", false); err != nil {
		t.Fatalf("unstar: %v", err)
	}
	rec, _ = f.messages.GetByID(context.Background(), "m1")
	if rec.Starred || !f.fallback.called("unstar") {
		t.Fatalf("unstar not applied: %+v", rec)
	}
}

func TestToggleReactionAddRemove(t *testing.T) {
	f := newPipelineFixture(t)
	f.messages.recs = append(f.messages.recs, MessageRecord{
		ID: "m1", ClientID: "m1", ChatID: "c1",
		Reactions: map[string][]string{"❤": {"u-other"}},
	})

	if err := f.p.ToggleReaction(context.Background(), "c1", "m1", "❤"); err != nil {
		t.Fatalf("react: %v", err)
	}
	rec, _ := f.messages.GetByID(context.Background(), "m1")
	if len(rec.Reactions["❤"]) != 2 {
		t.Fatalf("reactions = %v", rec.Reactions)
	}

	if err := f.p.ToggleReaction(context.Background(), "c1", "m1", "❤"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rec, _ = f.messages.GetByID(context.Background(), "m1")
	if got := rec.Reactions["❤"]; len(got) != 1 || got[0] != "u-other" {
		t.Fatalf("reactions = %v", rec.Reactions)
	}
	if !f.fallback.called("react") || !f.fallback.called("removereaction") {
		t.Fatalf("calls = %v", f.fallback.calls)
	}
}

func TestToggleReactionRevertOnRemoteFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.messages.recs = append(f.messages.recs, MessageRecord{ID: "m1", ClientID: "m1", ChatID: "c1"})
	f.fallback.reactErr = errors.New("503")

	if err := f.p.ToggleReaction(context.Background(), "c1", "m1", "\U0001F44D"); err == nil {
		t.Fatalf("expected error")
	}
	rec, _ := f.messages.GetByID(context.Background(), "m1")
	if len(rec.Reactions) != 0 {
		t.Fatalf("reaction not reverted: %v", rec.Reactions)
	}
}

func TestSoftDeleteLocalFirst(t *testing.T) {
	f := newPipelineFixture(t)
	f.messages.recs = append(f.messages.recs, MessageRecord{ID: "m1", ClientID: "m1", ChatID: "c1"})
	f.fallback.deleteErr = errors.New("504")

	err := f.p.SoftDelete(context.Background(), "c1", "m1", true)
	if err == nil {
		t.Fatalf("expected error")
	}
	// Local tombstone stands even though the remote call failed.
	rec, _ := f.messages.GetByID(context.Background(), "m1")
	if !rec.Deleted || !rec.DeletedForEveryone {
		t.Fatalf("record = %+v", rec)
	}
}

func TestFlushPendingViaFallback(t *testing.T) {
	f := newPipelineFixture(t)
	rec, err := f.p.ComposeAndSend(context.Background(), SendInput{ChatID: "c1", Content: "queued"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	if err := f.p.FlushPending(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := f.messages.byClientID(t, rec.ClientID)
	if got.Status != StatusSent || got.ID != "srv-"+rec.ClientID {
		t.Fatalf("record = %+v", got)
	}

	// Nothing pending on the second sweep.
	f.fallback.calls = nil
	if err := f.p.FlushPending(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if f.fallback.called("send") {
		t.Fatalf("second sweep should be a no-op")
	}
}

func TestFlushPendingViaLiveChannel(t *testing.T) {
	f := newPipelineFixture(t)
	rec, err := f.p.ComposeAndSend(context.Background(), SendInput{ChatID: "c1", Content: "queued"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	f.wire.state = StateConnected
	f.wire.sendOK = true
	if err := f.p.FlushPending(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got := f.messages.byClientID(t, rec.ClientID)
	if got.Status != StatusSending {
		t.Fatalf("status = %q, want sending", got.Status)
	}
	if f.fallback.called("send") {
		t.Fatalf("fallback should not be used while connected")
	}
}

func TestFlushPendingKeepsFailedRecords(t *testing.T) {
	f := newPipelineFixture(t)
	rec, err := f.p.ComposeAndSend(context.Background(), SendInput{ChatID: "c1", Content: "queued"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	f.fallback.sendErr = errors.New("503")

	if err := f.p.FlushPending(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	got := f.messages.byClientID(t, rec.ClientID)
	if got.Status != StatusPending {
		t.Fatalf("status = %q, want pending", got.Status)
	}
}

func TestHandleEventRoutesMessageLifecycle(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	rec, err := f.p.ComposeAndSend(ctx, SendInput{ChatID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}

	err = f.p.HandleEvent(ctx, MessageSent{
		ClientMsgID: rec.ClientID, MessageID: "srv-1", ChatID: "c1",
		Timestamp: "2026-03-01T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("handle sent: %v", err)
	}
	if err := f.p.HandleEvent(ctx, MessageStatus{MessageID: "srv-1", Status: StatusDelivered}); err != nil {
		t.Fatalf("handle status: %v", err)
	}
	got, _ := f.messages.GetByID(ctx, "srv-1")
	if got.Status != StatusDelivered {
		t.Fatalf("status = %q", got.Status)
	}

	if err := f.p.HandleEvent(ctx, MessageDeleted{MessageID: "srv-1", ChatID: "c1", ForEveryone: true}); err != nil {
		t.Fatalf("handle deleted: %v", err)
	}
	got, _ = f.messages.GetByID(ctx, "srv-1")
	if !got.Deleted {
		t.Fatalf("record = %+v", got)
	}

	// Non-message events are ignored.
	if err := f.p.HandleEvent(ctx, Presence{UserID: "u2", Online: true}); err != nil {
		t.Fatalf("handle presence: %v", err)
	}
}

func TestHandleEventNewMessage(t *testing.T) {
	f := newPipelineFixture(t)
	raw := json.RawMessage(`{
		"message_id": "srv-5",
		"client_msg_id": "cli-5",
		"chat_id": "c1",
		"sender_id": "u-other",
		"type": "text",
		"payload": {"body": "inbound"},
		"status": "sent",
		"created_at": "2026-03-01T10:00:00Z"
	}`)

	if err := f.p.HandleEvent(context.Background(), NewMessage{ChatID: "c1", Message: raw}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got := f.messages.byClientID(t, "cli-5")
	if got.ID != "srv-5" || got.Content != "inbound" || got.SenderID != "u-other" {
		t.Fatalf("record = %+v", got)
	}
}

func TestPreviewTruncation(t *testing.T) {
	long := make([]rune, 150)
	for i := range long {
		long[i] = 'x'
	}
	got := preview("text", string(long))
	if len([]rune(got)) != 100 {
		t.Fatalf("preview length = %d, want 100", len([]rune(got)))
	}
	if preview("audio", "") != "\U0001F3A4 Voice message" {
		t.Fatalf("audio preview = %q", preview("audio", ""))
	}
}
