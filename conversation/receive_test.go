package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gosession/models"
)

func dataContent(body string, timestamp int64) models.Content {
	return models.Content{
		Kind: models.ContentData,
		Data: &models.DataMessage{Body: body, Timestamp: timestamp},
	}
}

func TestDuplicateIngestionKeepsOneRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	content := dataContent("hello", 1_699_999_999_000)
	content.Data.ProfileKey = []byte("alice-profile")

	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("alice", content)))
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("alice", content)))

	messages := h.store.messagesIn("alice")
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Body)
	assert.True(t, messages[0].Unread)
	assert.Equal(t, models.DirectionIncoming, messages[0].Direction)

	conv := h.reload(t, "alice")
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "hello", conv.LastMessage)
	assert.Equal(t, []byte("alice-profile"), conv.ProfileKey)
	assert.Equal(t, []byte("ak:alice-profile"), conv.AccessKey)
	assert.Equal(t, models.SealedSenderUnknown, conv.SealedSender)

	receipts := h.transport.contents(t, "device")
	require.Len(t, receipts, 1)
	assert.Equal(t, models.ReceiptDelivery, receipts[0].Receipt.Kind)
	assert.Equal(t, []int64{1_699_999_999_000}, receipts[0].Receipt.Timestamps)
}

func TestDuplicateIngestionMergesMissingFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := dataContent("", 1000)
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("alice", first)))

	second := dataContent("", 1000)
	second.Data.Attachments = []models.AttachmentPointer{{ID: "p1", ContentType: "image/png", URL: "/attachments/d1", Digest: "d1"}}
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("alice", second)))

	messages := h.store.messagesIn("alice")
	require.Len(t, messages, 1)
	require.Len(t, messages[0].Attachments, 1)
	assert.Equal(t, "/attachments/d1", messages[0].Attachments[0].Pointer.URL)
}

func TestGroupMessageIngestion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	content := dataContent("first", 2000)
	content.Data.GroupID = "group-new"
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("alice", content)))

	conv := h.reload(t, "group-new")
	assert.Equal(t, models.KindClosedGroup, conv.Kind)
	assert.ElementsMatch(t, []string{selfID, "alice"}, conv.Members)
	assert.Len(t, h.store.messagesIn("group-new"), 1)

	intruder := dataContent("let me in", 3000)
	intruder.Data.GroupID = "group-new"
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("mallory", intruder)))
	assert.Len(t, h.store.messagesIn("group-new"), 1)

	// Group messages are not acknowledged with delivery receipts.
	assert.Empty(t, h.transport.sent("device"))
}

func TestBlockedConversationDropsMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation(t, "spam", models.KindPrivate)
	require.NoError(t, h.manager.SetBlocked(ctx, "spam", true))

	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("spam", dataContent("buy", 1))))
	assert.Empty(t, h.store.messagesIn("spam"))
}

func TestIncomingExpireTimerUpdatesConversation(t *testing.T) {
	h := newHarness(t)
	content := dataContent("vanishing", 5000)
	content.Data.ExpireTimer = 30

	require.NoError(t, h.manager.HandleEnvelope(context.Background(), incomingEnvelope("alice", content)))
	assert.Equal(t, int64(30), h.reload(t, "alice").ExpireTimer)
}

func TestReceiptsUpdateOutgoingMessage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation(t, "bob", models.KindPrivate)
	h.crypto.setSession("bob", true)

	message, err := h.manager.Send(ctx, "bob", Draft{Body: "did you get this"})
	require.NoError(t, err)

	delivery := models.Content{
		Kind:    models.ContentReceipt,
		Receipt: &models.ReceiptMessage{Kind: models.ReceiptDelivery, Timestamps: []int64{message.SentAt}},
	}
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("bob", delivery)))
	stored := h.message(t, message.ID)
	assert.Equal(t, []string{"bob"}, stored.DeliveredTo)
	assert.Equal(t, models.StatusDelivered, h.manager.Status(stored))

	read := models.Content{
		Kind:    models.ContentReceipt,
		Receipt: &models.ReceiptMessage{Kind: models.ReceiptRead, Timestamps: []int64{message.SentAt}},
	}
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("bob", read)))
	stored = h.message(t, message.ID)
	assert.Equal(t, []string{"bob"}, stored.ReadBy)
	assert.Equal(t, models.StatusRead, h.manager.Status(stored))
	assert.Equal(t, models.StatusRead, h.reload(t, "bob").LastMessageStatus)
}

func TestReadReceiptIgnoredForStatusWhenDisabled(t *testing.T) {
	h := newHarness(t, func(options *ManagerOptions) { options.ReadReceipts = false })
	ctx := context.Background()
	h.conversation(t, "bob", models.KindPrivate)

	message, err := h.manager.Send(ctx, "bob", Draft{Body: "read it?"})
	require.NoError(t, err)

	require.NoError(t, h.manager.HandleReceipt(ctx, "bob", models.ReceiptRead, []int64{message.SentAt}))
	stored := h.message(t, message.ID)
	assert.Equal(t, []string{"bob"}, stored.ReadBy)
	assert.Equal(t, models.StatusSent, h.manager.Status(stored))
}

func TestReceiptFromStrangerIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation(t, "bob", models.KindPrivate)

	message, err := h.manager.Send(ctx, "bob", Draft{Body: "private"})
	require.NoError(t, err)

	require.NoError(t, h.manager.HandleReceipt(ctx, "eve", models.ReceiptDelivery, []int64{message.SentAt}))
	assert.Empty(t, h.message(t, message.ID).DeliveredTo)
}

func TestSyncIngestionCreatesOutgoingRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sync := models.Content{
		Kind: models.ContentSync,
		Sync: &models.SyncMessage{
			Destination: "bob",
			Data:        &models.DataMessage{Body: "from my laptop", Timestamp: 7000},
			Timestamp:   7000,
		},
	}
	env := incomingEnvelope(selfID, sync)
	env.Type = models.EnvelopeSync
	env.SourceDevice = "device-laptop"

	require.NoError(t, h.manager.HandleEnvelope(ctx, env))
	require.NoError(t, h.manager.HandleEnvelope(ctx, env))

	messages := h.store.messagesIn("bob")
	require.Len(t, messages, 1)
	assert.Equal(t, models.DirectionOutgoing, messages[0].Direction)
	assert.Equal(t, models.SyncSynced, messages[0].Sync)
	assert.Equal(t, []string{"bob"}, messages[0].SentTo)
	assert.Equal(t, "device-laptop", messages[0].SourceDevice)

	forged := incomingEnvelope("eve", sync)
	err := h.manager.HandleEnvelope(ctx, forged)
	var validationErr *models.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestDecryptFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	h.crypto.decryptErr = errors.New("bad mac")

	err := h.manager.HandleEnvelope(context.Background(), incomingEnvelope("alice", dataContent("x", 1)))
	var encryptionErr *models.EncryptionError
	require.ErrorAs(t, err, &encryptionErr)
	assert.Equal(t, "alice", encryptionErr.Recipient)
	assert.Contains(t, h.security.types(), "decrypt_failed")
}

func TestOpenGroupPostIngestion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.manager.JoinOpenGroup(ctx, "open-1", "host.local:9000", 1)
	require.NoError(t, err)

	env := incomingEnvelope("carol", dataContent("public hello", 9000))
	env.Type = models.EnvelopeOpenGroup
	env.GroupID = "open-1"
	require.NoError(t, h.manager.HandleEnvelope(ctx, env))

	messages := h.store.messagesIn("open-1")
	require.Len(t, messages, 1)
	assert.Equal(t, "carol", messages[0].Source)
	assert.Empty(t, h.transport.sent("device"))
}

func TestHandshakeReplyIsSentForSessionRequest(t *testing.T) {
	h := newHarness(t)
	h.crypto.info["alice"] = models.DecryptInfo{HandshakeReply: true}
	h.crypto.pending["alice"] = []byte("reply")

	env := incomingEnvelope("alice", dataContent("hi", 10))
	env.Type = models.EnvelopeSessionRequest
	require.NoError(t, h.manager.HandleEnvelope(context.Background(), env))

	sends := h.transport.sent("device")
	require.NotEmpty(t, sends)
	assert.Equal(t, models.EnvelopeHandshakeReply, sends[0].env.Type)
	assert.Equal(t, []byte("reply"), sends[0].env.Body)
}

func TestMarkReadWithReceiptsDisabled(t *testing.T) {
	h := newHarness(t, func(options *ManagerOptions) { options.ReadReceipts = false })
	ctx := context.Background()
	h.conversation(t, "bob", models.KindPrivate)
	h.crypto.setSession("bob", true)

	outgoing, err := h.manager.Send(ctx, "bob", Draft{Body: "mine"})
	require.NoError(t, err)
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("bob", dataContent("theirs", 100))))
	require.Equal(t, 1, h.reload(t, "bob").UnreadCount)
	sendsBefore := len(h.transport.sent("device"))

	require.NoError(t, h.manager.MarkRead(ctx, "bob", h.clock.Now().UnixMilli()))

	conv := h.reload(t, "bob")
	assert.Equal(t, 0, conv.UnreadCount)
	unread, err := h.store.GetUnreadByConversation("bob")
	require.NoError(t, err)
	assert.Empty(t, unread)
	assert.Len(t, h.transport.sent("device"), sendsBefore)

	stored := h.message(t, outgoing.ID)
	assert.Empty(t, stored.ReadBy)
	assert.Equal(t, models.StatusSent, h.manager.Status(stored))
}

func TestMarkReadSendsReadReceipts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.conversation(t, "bob", models.KindPrivate)
	h.crypto.setSession("bob", true)
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("bob", dataContent("one", 100))))
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("bob", dataContent("two", 200))))

	require.NoError(t, h.manager.MarkRead(ctx, "bob", h.clock.Now().UnixMilli()))

	var reads []models.ReceiptMessage
	for _, content := range h.transport.contents(t, "device") {
		if content.Kind == models.ContentReceipt && content.Receipt.Kind == models.ReceiptRead {
			reads = append(reads, *content.Receipt)
		}
	}
	require.Len(t, reads, 1)
	assert.ElementsMatch(t, []int64{100, 200}, reads[0].Timestamps)
	assert.Equal(t, 0, h.reload(t, "bob").UnreadCount)
}

func TestMarkReadStopsAtNewestUnread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("bob", dataContent("old", 100))))
	cutoff := h.clock.Now().UnixMilli()
	h.clock.Advance(time.Second)
	require.NoError(t, h.manager.HandleEnvelope(ctx, incomingEnvelope("bob", dataContent("new", 200))))

	require.NoError(t, h.manager.MarkRead(ctx, "bob", cutoff))
	assert.Equal(t, 1, h.reload(t, "bob").UnreadCount)
}
