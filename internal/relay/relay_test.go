package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"modmail/api/internal/render"
	"modmail/api/internal/store"
	"modmail/api/internal/telemetry"
)

type fakeStore struct {
	getConversation          func(ctx context.Context, conversationID string) (store.Conversation, error)
	createMessagePair        func(ctx context.Context, pair store.MessagePair) (store.MessagePair, error)
	getMessagePair           func(ctx context.Context, conversationID string, reference int) (store.MessagePair, error)
	updateMessagePairContent func(ctx context.Context, pairID, content, attachmentURL string) error
}

func (f *fakeStore) GetConversation(ctx context.Context, conversationID string) (store.Conversation, error) {
	return f.getConversation(ctx, conversationID)
}

func (f *fakeStore) CreateMessagePair(ctx context.Context, pair store.MessagePair) (store.MessagePair, error) {
	return f.createMessagePair(ctx, pair)
}

func (f *fakeStore) GetMessagePair(ctx context.Context, conversationID string, reference int) (store.MessagePair, error) {
	return f.getMessagePair(ctx, conversationID, reference)
}

func (f *fakeStore) UpdateMessagePairContent(ctx context.Context, pairID, content, attachmentURL string) error {
	return f.updateMessagePairContent(ctx, pairID, content, attachmentURL)
}

type fakeStaffSurface struct {
	send func(ctx context.Context, channelID string, payload render.Payload) (string, error)
	edit func(ctx context.Context, channelID, messageID string, payload render.Payload) error
}

func (f *fakeStaffSurface) Send(ctx context.Context, channelID string, payload render.Payload) (string, error) {
	return f.send(ctx, channelID, payload)
}

func (f *fakeStaffSurface) Edit(ctx context.Context, channelID, messageID string, payload render.Payload) error {
	if f.edit == nil {
		return nil
	}
	return f.edit(ctx, channelID, messageID, payload)
}

type fakeUserSurface struct {
	sendDirect func(ctx context.Context, userID string, payload render.Payload) (string, error)
	editDirect func(ctx context.Context, userID, messageID string, payload render.Payload) error
}

func (f *fakeUserSurface) SendDirect(ctx context.Context, userID string, payload render.Payload) (string, error) {
	return f.sendDirect(ctx, userID, payload)
}

func (f *fakeUserSurface) EditDirect(ctx context.Context, userID, messageID string, payload render.Payload) error {
	return f.editDirect(ctx, userID, messageID, payload)
}

type fakeAck struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeAck) Acknowledge(_ context.Context, _ Actor, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func testConversation() store.Conversation {
	return store.Conversation{
		ID:           "conv-1",
		TeamID:       "team-1",
		TeamName:     "",
		UserID:       "user-1",
		StaffChannel: "chan-1",
	}
}

func testEngine(st Store, staff StaffSurface, user UserSurface, ack Acknowledger) *Engine {
	return NewEngine(st, staff, user, ack, render.New(0), telemetry.NewUnregistered(), zerolog.Nop())
}

func alice() render.Staff {
	return render.Staff{ID: "staff-1", Tag: "Alice#0001", DisplayName: "Alice"}
}

func TestSendAllocatesSequentialReferences(t *testing.T) {
	var mu sync.Mutex
	lastRef := 0
	pairs := map[int]store.MessagePair{}

	st := &fakeStore{
		getConversation: func(_ context.Context, _ string) (store.Conversation, error) {
			return testConversation(), nil
		},
		createMessagePair: func(_ context.Context, pair store.MessagePair) (store.MessagePair, error) {
			mu.Lock()
			defer mu.Unlock()
			lastRef++
			pair.Reference = lastRef
			pairs[pair.Reference] = pair
			return pair, nil
		},
	}
	staff := &fakeStaffSurface{
		send: func(_ context.Context, _ string, _ render.Payload) (string, error) { return "staff-msg", nil },
	}
	user := &fakeUserSurface{
		sendDirect: func(_ context.Context, _ string, _ render.Payload) (string, error) { return "user-msg", nil },
	}
	engine := testEngine(st, staff, user, &fakeAck{})

	const workers = 20
	var wg sync.WaitGroup
	results := make([]SendResult, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = engine.Send(context.Background(), SendRequest{
				ConversationID: "conv-1",
				Content:        "hello",
				Staff:          alice(),
				Mode:           render.ModeSimple,
			})
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("send %d failed: %v", i, errs[i])
		}
		ref := results[i].Pair.Reference
		if seen[ref] {
			t.Fatalf("reference %d allocated twice", ref)
		}
		seen[ref] = true
	}
	for ref := 1; ref <= workers; ref++ {
		if !seen[ref] {
			t.Errorf("reference %d missing from results", ref)
		}
		if _, ok := pairs[ref]; !ok {
			t.Errorf("reference %d missing from store", ref)
		}
	}
}

func TestSendFooterCorrectionUsesAllocatedReference(t *testing.T) {
	var editedID string
	var editedText string

	st := &fakeStore{
		getConversation: func(_ context.Context, _ string) (store.Conversation, error) {
			return testConversation(), nil
		},
		createMessagePair: func(_ context.Context, pair store.MessagePair) (store.MessagePair, error) {
			pair.Reference = 5
			return pair, nil
		},
	}
	staff := &fakeStaffSurface{
		send: func(_ context.Context, _ string, payload render.Payload) (string, error) {
			if payload.Text != "**(Team) Alice#0001:** hello" {
				t.Errorf("initial staff text = %q", payload.Text)
			}
			return "staff-msg-1", nil
		},
		edit: func(_ context.Context, _ string, messageID string, payload render.Payload) error {
			editedID = messageID
			editedText = payload.Text
			return nil
		},
	}
	user := &fakeUserSurface{
		sendDirect: func(_ context.Context, _ string, _ render.Payload) (string, error) { return "user-msg-1", nil },
	}
	ack := &fakeAck{}
	engine := testEngine(st, staff, user, ack)

	result, err := engine.Send(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Content:        "hello",
		Staff:          alice(),
		Mode:           render.ModeSimple,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if editedID != "staff-msg-1" {
		t.Errorf("footer correction edited message %q", editedID)
	}
	if editedText != "`5` **(Team) Alice#0001:** hello" {
		t.Errorf("corrected text = %q", editedText)
	}
	if !result.UserDelivered {
		t.Error("expected full delivery")
	}
	if result.Pair.UserMessageID != "user-msg-1" {
		t.Errorf("user message id = %q", result.Pair.UserMessageID)
	}
	if len(ack.texts) != 1 {
		t.Errorf("expected one acknowledgment, got %v", ack.texts)
	}
}

func TestSendBlockedUserStillPersistsPair(t *testing.T) {
	var created *store.MessagePair
	footerCorrected := false

	st := &fakeStore{
		getConversation: func(_ context.Context, _ string) (store.Conversation, error) {
			return testConversation(), nil
		},
		createMessagePair: func(_ context.Context, pair store.MessagePair) (store.MessagePair, error) {
			pair.Reference = 1
			created = &pair
			return pair, nil
		},
	}
	staff := &fakeStaffSurface{
		send: func(_ context.Context, _ string, _ render.Payload) (string, error) { return "staff-msg-1", nil },
		edit: func(_ context.Context, _, _ string, _ render.Payload) error {
			footerCorrected = true
			return nil
		},
	}
	user := &fakeUserSurface{
		sendDirect: func(_ context.Context, _ string, _ render.Payload) (string, error) {
			return "", ErrDeliveryBlocked
		},
	}
	ack := &fakeAck{}
	engine := testEngine(st, staff, user, ack)

	result, err := engine.Send(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Content:        "hello",
		Staff:          alice(),
		Mode:           render.ModeSimple,
	})
	if err != nil {
		t.Fatalf("blocked delivery should not fail the send: %v", err)
	}
	if result.UserDelivered {
		t.Error("expected staff-only outcome")
	}
	if created == nil {
		t.Fatal("pair was not persisted")
	}
	if created.UserMessageID != "" {
		t.Errorf("blocked delivery recorded user message id %q", created.UserMessageID)
	}
	if created.StaffMessageID != "staff-msg-1" {
		t.Errorf("staff message id = %q", created.StaffMessageID)
	}
	if !footerCorrected {
		t.Error("footer correction should run regardless of user-delivery outcome")
	}
	if len(ack.texts) != 0 {
		t.Errorf("staff-only outcome should not acknowledge success, got %v", ack.texts)
	}
}

func TestSendStaffFailureAborts(t *testing.T) {
	createCalled := false
	st := &fakeStore{
		getConversation: func(_ context.Context, _ string) (store.Conversation, error) {
			return testConversation(), nil
		},
		createMessagePair: func(_ context.Context, pair store.MessagePair) (store.MessagePair, error) {
			createCalled = true
			return pair, nil
		},
	}
	staff := &fakeStaffSurface{
		send: func(_ context.Context, _ string, _ render.Payload) (string, error) {
			return "", errors.New("channel gone")
		},
	}
	user := &fakeUserSurface{
		sendDirect: func(_ context.Context, _ string, _ render.Payload) (string, error) {
			t.Error("user surface should not be reached after a staff failure")
			return "", nil
		},
	}
	engine := testEngine(st, staff, user, &fakeAck{})

	if _, err := engine.Send(context.Background(), SendRequest{
		ConversationID: "conv-1",
		Content:        "hello",
		Staff:          alice(),
		Mode:           render.ModeSimple,
	}); err == nil {
		t.Fatal("expected error")
	}
	if createCalled {
		t.Error("no pair should be persisted when the staff send fails")
	}
}

func TestEditPropagatesToBothSurfaces(t *testing.T) {
	var staffEdited, userEdited string
	var storedContent string

	st := &fakeStore{
		getConversation: func(_ context.Context, _ string) (store.Conversation, error) {
			return testConversation(), nil
		},
		getMessagePair: func(_ context.Context, _ string, reference int) (store.MessagePair, error) {
			if reference != 3 {
				t.Errorf("looked up reference %d", reference)
			}
			return store.MessagePair{
				ID:             "pair-3",
				ConversationID: "conv-1",
				Reference:      3,
				StaffMessageID: "staff-msg-3",
				UserMessageID:  "user-msg-3",
				StaffID:        "staff-1",
				StaffTag:       "Alice#0001",
				Content:        "old",
			}, nil
		},
		updateMessagePairContent: func(_ context.Context, pairID, content, _ string) error {
			if pairID != "pair-3" {
				t.Errorf("updated pair %q", pairID)
			}
			storedContent = content
			return nil
		},
	}
	staff := &fakeStaffSurface{
		send: func(_ context.Context, _ string, _ render.Payload) (string, error) { return "", nil },
		edit: func(_ context.Context, _ string, messageID string, payload render.Payload) error {
			staffEdited = messageID
			if payload.Text != "**`3` (Team) Alice#0001:** new" {
				t.Errorf("staff edit text = %q", payload.Text)
			}
			return nil
		},
	}
	user := &fakeUserSurface{
		editDirect: func(_ context.Context, _ string, messageID string, _ render.Payload) error {
			userEdited = messageID
			return nil
		},
	}
	engine := testEngine(st, staff, user, &fakeAck{})

	result, err := engine.Edit(context.Background(), EditRequest{
		ConversationID: "conv-1",
		Reference:      3,
		Content:        "new",
		Mode:           render.ModeSimple,
	})
	if err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if result.Pair.Reference != 3 {
		t.Errorf("reference changed to %d", result.Pair.Reference)
	}
	if result.Pair.Content != "new" {
		t.Errorf("result content = %q", result.Pair.Content)
	}
	if staffEdited != "staff-msg-3" || userEdited != "user-msg-3" {
		t.Errorf("edited staff=%q user=%q", staffEdited, userEdited)
	}
	if storedContent != "new" {
		t.Errorf("stored content = %q", storedContent)
	}
	if !result.UserEdited {
		t.Error("expected user edit to be reported")
	}
}

func TestEditUnknownReference(t *testing.T) {
	st := &fakeStore{
		getConversation: func(_ context.Context, _ string) (store.Conversation, error) {
			return testConversation(), nil
		},
		getMessagePair: func(_ context.Context, _ string, _ int) (store.MessagePair, error) {
			return store.MessagePair{}, errors.New("no rows")
		},
	}
	engine := testEngine(st, &fakeStaffSurface{}, &fakeUserSurface{}, &fakeAck{})

	_, err := engine.Edit(context.Background(), EditRequest{
		ConversationID: "conv-1",
		Reference:      99,
		Content:        "new",
		Mode:           render.ModeSimple,
	})
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestEditSkipsAbsentUserMessage(t *testing.T) {
	updated := false
	st := &fakeStore{
		getConversation: func(_ context.Context, _ string) (store.Conversation, error) {
			return testConversation(), nil
		},
		getMessagePair: func(_ context.Context, _ string, _ int) (store.MessagePair, error) {
			return store.MessagePair{
				ID:             "pair-1",
				ConversationID: "conv-1",
				Reference:      1,
				StaffMessageID: "staff-msg-1",
				StaffTag:       "Alice#0001",
			}, nil
		},
		updateMessagePairContent: func(_ context.Context, _, _, _ string) error {
			updated = true
			return nil
		},
	}
	staff := &fakeStaffSurface{
		send: func(_ context.Context, _ string, _ render.Payload) (string, error) { return "", nil },
		edit: func(_ context.Context, _, _ string, _ render.Payload) error { return nil },
	}
	user := &fakeUserSurface{
		editDirect: func(_ context.Context, _, _ string, _ render.Payload) error {
			t.Error("no user-side message exists, EditDirect should not be called")
			return nil
		},
	}
	engine := testEngine(st, staff, user, &fakeAck{})

	result, err := engine.Edit(context.Background(), EditRequest{
		ConversationID: "conv-1",
		Reference:      1,
		Content:        "new",
		Mode:           render.ModeSimple,
	})
	if err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if result.UserEdited {
		t.Error("user edit reported without a user-side message")
	}
	if !updated {
		t.Error("stored content was not updated")
	}
}

func TestEditUserSurfaceFailureIsRecoverable(t *testing.T) {
	staffEdited := false
	storedContent := ""

	st := &fakeStore{
		getConversation: func(_ context.Context, _ string) (store.Conversation, error) {
			return testConversation(), nil
		},
		getMessagePair: func(_ context.Context, _ string, _ int) (store.MessagePair, error) {
			return store.MessagePair{
				ID:             "pair-4",
				ConversationID: "conv-1",
				Reference:      4,
				StaffMessageID: "staff-msg-4",
				UserMessageID:  "user-msg-4",
				StaffTag:       "Alice#0001",
				Content:        "old",
			}, nil
		},
		updateMessagePairContent: func(_ context.Context, _, content, _ string) error {
			if !staffEdited {
				t.Error("stored content updated before the staff edit")
			}
			storedContent = content
			return nil
		},
	}
	staff := &fakeStaffSurface{
		send: func(_ context.Context, _ string, _ render.Payload) (string, error) { return "", nil },
		edit: func(_ context.Context, _, _ string, _ render.Payload) error {
			staffEdited = true
			return nil
		},
	}
	user := &fakeUserSurface{
		editDirect: func(_ context.Context, _, _ string, _ render.Payload) error {
			return errors.New("message gone")
		},
	}
	ack := &fakeAck{}
	engine := testEngine(st, staff, user, ack)

	result, err := engine.Edit(context.Background(), EditRequest{
		ConversationID: "conv-1",
		Reference:      4,
		Content:        "new",
		Mode:           render.ModeSimple,
	})
	if err != nil {
		t.Fatalf("user-surface edit failure should not fail the edit: %v", err)
	}
	if result.UserEdited {
		t.Error("user edit reported despite the failure")
	}
	if !staffEdited {
		t.Error("staff copy was not edited")
	}
	if storedContent != "new" {
		t.Errorf("stored content = %q, want the new content despite the user failure", storedContent)
	}
	if result.Pair.Content != "new" {
		t.Errorf("result content = %q", result.Pair.Content)
	}
	if len(ack.texts) != 1 {
		t.Errorf("edit should still acknowledge, got %v", ack.texts)
	}
}

func TestEditKeepsOriginalAttribution(t *testing.T) {
	st := &fakeStore{
		getConversation: func(_ context.Context, _ string) (store.Conversation, error) {
			return testConversation(), nil
		},
		getMessagePair: func(_ context.Context, _ string, _ int) (store.MessagePair, error) {
			return store.MessagePair{
				ID:             "pair-2",
				ConversationID: "conv-1",
				Reference:      2,
				StaffMessageID: "staff-msg-2",
				UserMessageID:  "user-msg-2",
				StaffID:        "staff-2",
				StaffTag:       "Bob#0002",
				Anonymous:      true,
			}, nil
		},
		updateMessagePairContent: func(_ context.Context, _, _, _ string) error { return nil },
	}
	staff := &fakeStaffSurface{
		send: func(_ context.Context, _ string, _ render.Payload) (string, error) { return "", nil },
		edit: func(_ context.Context, _, _ string, payload render.Payload) error {
			if !strings.Contains(payload.Text, "Bob#0002") {
				t.Errorf("staff edit lost original attribution: %q", payload.Text)
			}
			if !strings.Contains(payload.Text, "(Anonymous)") {
				t.Errorf("staff edit lost anonymity marker: %q", payload.Text)
			}
			return nil
		},
	}
	user := &fakeUserSurface{
		editDirect: func(_ context.Context, _, _ string, payload render.Payload) error {
			if strings.Contains(payload.Text, "Bob") {
				t.Errorf("anonymous user edit leaked identity: %q", payload.Text)
			}
			return nil
		},
	}
	engine := testEngine(st, staff, user, &fakeAck{})

	if _, err := engine.Edit(context.Background(), EditRequest{
		ConversationID: "conv-1",
		Reference:      2,
		Content:        "revised",
		Mode:           render.ModeSimple,
	}); err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
}

func TestForwardInbound(t *testing.T) {
	st := &fakeStore{
		getConversation: func(_ context.Context, _ string) (store.Conversation, error) {
			return testConversation(), nil
		},
	}
	staff := &fakeStaffSurface{
		send: func(_ context.Context, channelID string, payload render.Payload) (string, error) {
			if channelID != "chan-1" {
				t.Errorf("posted to channel %q", channelID)
			}
			if payload.Card == nil || payload.Card.Body != "help" || payload.Card.AuthorName != "bob" {
				t.Errorf("inbound payload = %+v", payload)
			}
			return "staff-msg-9", nil
		},
	}
	engine := testEngine(st, staff, &fakeUserSurface{}, &fakeAck{})

	messageID, err := engine.ForwardInbound(context.Background(), InboundRequest{
		ConversationID: "conv-1",
		Content:        "help",
		AuthorName:     "bob",
	})
	if err != nil {
		t.Fatalf("ForwardInbound failed: %v", err)
	}
	if messageID != "staff-msg-9" {
		t.Errorf("message id = %q", messageID)
	}
}
