package creator

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumenchat/inboxsync/internal/attachment"
	"github.com/lumenchat/inboxsync/internal/database"
	"github.com/lumenchat/inboxsync/internal/network"
	"github.com/lumenchat/inboxsync/internal/store"
)

type fakeClient struct {
	sent      []network.SendRequest
	sendErr   error
	listErr   error
	responses []network.RemoteMessage
	onSend    func(network.SendRequest)
}

func (c *fakeClient) ListConversations(ctx context.Context) ([]network.RemoteConversation, error) {
	return nil, nil
}

func (c *fakeClient) StreamConversations(ctx context.Context) (<-chan network.RemoteConversation, <-chan error) {
	return nil, nil
}

func (c *fakeClient) ListMessages(ctx context.Context, topic string, query network.MessageQuery) ([]network.RemoteMessage, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.responses, nil
}

func (c *fakeClient) SendMessage(ctx context.Context, request network.SendRequest) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, request)
	if c.onSend != nil {
		c.onSend(request)
	}
	return nil
}

type fakeUploader struct {
	uploaded []byte
	err      error
}

func (u *fakeUploader) Upload(ctx context.Context, data []byte) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.uploaded = append([]byte(nil), data...)
	return "https://files.example/attachments/object-1", nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	testStore, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return testStore
}

func newConversation(t *testing.T, s *store.Store, withTopic bool) store.Conversation {
	t.Helper()
	conversation, err := s.UpsertConversation(context.Background(), "0xpeer", time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), "")
	if err != nil {
		t.Fatalf("unexpected conversation error: %v", err)
	}
	if withTopic {
		_, err = s.EnsureTopic(context.Background(), store.TopicInput{
			ConversationID: conversation.ID,
			Identifier:     "topic-main",
			Version:        store.TopicVersionV2,
			KeyMaterial:    []byte("key"),
			CreatedAt:      conversation.CreatedAt,
		})
		if err != nil {
			t.Fatalf("unexpected topic error: %v", err)
		}
	}
	return conversation
}

func newCreator(t *testing.T, s *store.Store, client network.Client, uploader attachment.Uploader, blobs *attachment.BlobStore) *Creator {
	t.Helper()
	c, err := New(Config{
		Store:        s,
		Client:       client,
		Uploader:     uploader,
		Blobs:        blobs,
		LocalAddress: "0xme",
	})
	if err != nil {
		t.Fatalf("failed to construct creator: %v", err)
	}
	return c
}

func TestSendConfirmsPendingInPlace(t *testing.T) {
	s := newTestStore(t)
	conversation := newConversation(t, s, true)
	sentAt := time.Date(2023, 2, 1, 10, 0, 0, 0, time.UTC)
	client := &fakeClient{}
	client.onSend = func(request network.SendRequest) {
		client.responses = []network.RemoteMessage{{
			ID:            "net-1",
			Topic:         request.Topic,
			SenderAddress: "0xME",
			Body:          request.Body,
			CreatedAt:     sentAt,
		}}
	}
	creator := newCreator(t, s, client, nil, nil)

	message, err := creator.Send(context.Background(), conversation, "hello world", nil)
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if message.RemoteID != "net-1" {
		t.Fatalf("expected network remote id, got %q", message.RemoteID)
	}
	if message.Pending() {
		t.Fatalf("expected confirmed message, got state %q", message.State)
	}
	if !message.CreatedAt.Equal(sentAt) {
		t.Fatalf("expected network timestamp %v, got %v", sentAt, message.CreatedAt)
	}

	if len(client.sent) != 1 || client.sent[0].Topic != "topic-main" {
		t.Fatalf("expected one publish on the newest topic, got %+v", client.sent)
	}
	if client.sent[0].ContentType != network.ContentTypeText {
		t.Fatalf("expected text content type, got %q", client.sent[0].ContentType)
	}

	messages, err := s.ListMessages(context.Background(), conversation.ID, store.ListQuery{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected one row after confirmation, got %d", len(messages))
	}
	if messages[0].ID != message.ID || messages[0].Body != "hello world" {
		t.Fatalf("expected pending row rewritten in place, got %+v", messages[0])
	}
}

func TestSendEncryptsAndUploadsAttachment(t *testing.T) {
	s := newTestStore(t)
	conversation := newConversation(t, s, true)
	blobs, err := attachment.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected blob store error: %v", err)
	}
	uploader := &fakeUploader{}
	client := &fakeClient{}
	client.onSend = func(request network.SendRequest) {
		client.responses = []network.RemoteMessage{{
			ID:            "net-2",
			Topic:         request.Topic,
			SenderAddress: "0xme",
			Fallback:      request.Fallback,
			Attachment:    request.Attachment,
			CreatedAt:     time.Date(2023, 2, 1, 10, 0, 0, 0, time.UTC),
		}}
	}
	creator := newCreator(t, s, client, uploader, blobs)

	content := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}
	message, err := creator.Send(context.Background(), conversation, "", &AttachmentInput{
		Filename: "photo.png",
		MimeType: "image/png",
		Data:     content,
	})
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if message.RemoteID != "net-2" {
		t.Fatalf("expected confirmed remote id, got %q", message.RemoteID)
	}

	request := client.sent[0]
	if request.ContentType != network.ContentTypeRemoteAttachment {
		t.Fatalf("expected remote attachment content type, got %q", request.ContentType)
	}
	if request.Fallback != "Attachment: photo.png" {
		t.Fatalf("unexpected fallback: %q", request.Fallback)
	}
	if request.Attachment == nil {
		t.Fatalf("expected attachment descriptor on the publish request")
	}
	if request.Attachment.ContentLength != int64(len(content)) {
		t.Fatalf("expected plaintext length %d, got %d", len(content), request.Attachment.ContentLength)
	}

	// The uploaded bytes are ciphertext, never the plaintext.
	if bytes.Equal(uploader.uploaded, content) {
		t.Fatalf("expected encrypted upload")
	}
	decrypted, err := attachment.Decrypt(attachment.EncryptedPayload{
		Ciphertext: uploader.uploaded,
		Salt:       request.Attachment.Salt,
		Nonce:      request.Attachment.Nonce,
		Secret:     request.Attachment.Secret,
	})
	if err != nil {
		t.Fatalf("unexpected decrypt error: %v", err)
	}
	if !bytes.Equal(decrypted, content) {
		t.Fatalf("expected decrypted upload to match plaintext")
	}

	attachments, err := s.Attachments(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("unexpected attachments error: %v", err)
	}
	if len(attachments) != 1 {
		t.Fatalf("expected one local attachment, got %d", len(attachments))
	}
	stored, err := blobs.Read(attachments[0].Location)
	if err != nil {
		t.Fatalf("unexpected blob read error: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatalf("expected byte-identical local copy")
	}

	remotes, err := s.RemoteAttachments(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("unexpected remote attachments error: %v", err)
	}
	if len(remotes) != 1 {
		t.Fatalf("expected one remote attachment row, got %d", len(remotes))
	}
	if remotes[0].URL != request.Attachment.URL ||
		!bytes.Equal(remotes[0].Salt, request.Attachment.Salt) ||
		!bytes.Equal(remotes[0].Nonce, request.Attachment.Nonce) ||
		!bytes.Equal(remotes[0].Secret, request.Attachment.Secret) {
		t.Fatalf("expected stored descriptor to match the published one")
	}
}

func TestSendFailsWithoutTopic(t *testing.T) {
	s := newTestStore(t)
	conversation := newConversation(t, s, false)
	creator := newCreator(t, s, &fakeClient{}, nil, nil)

	message, err := creator.Send(context.Background(), conversation, "hello", nil)
	if !errors.Is(err, ErrNoTopic) {
		t.Fatalf("expected ErrNoTopic, got %v", err)
	}
	if message.State != store.MessageStateFailed {
		t.Fatalf("expected failed state, got %q", message.State)
	}

	messages, err := s.ListMessages(context.Background(), conversation.ID, store.ListQuery{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(messages) != 1 || messages[0].State != store.MessageStateFailed {
		t.Fatalf("expected failed row to stay visible, got %+v", messages)
	}
}

func TestSendFailureMarksRowFailed(t *testing.T) {
	s := newTestStore(t)
	conversation := newConversation(t, s, true)
	cause := &network.TransportError{Op: "send message", Err: errors.New("unreachable")}
	creator := newCreator(t, s, &fakeClient{sendErr: cause}, nil, nil)

	_, err := creator.Send(context.Background(), conversation, "hello", nil)
	if !errors.Is(err, cause) {
		t.Fatalf("expected publish failure to surface, got %v", err)
	}

	messages, err := s.ListMessages(context.Background(), conversation.ID, store.ListQuery{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(messages) != 1 || messages[0].State != store.MessageStateFailed {
		t.Fatalf("expected failed row, got %+v", messages)
	}
}

func TestSendReconcileMissReportsNotDelivered(t *testing.T) {
	s := newTestStore(t)
	conversation := newConversation(t, s, true)
	client := &fakeClient{responses: []network.RemoteMessage{{
		ID:            "other-1",
		SenderAddress: "0xpeer",
		Body:          "hello",
		CreatedAt:     time.Date(2023, 2, 1, 10, 0, 0, 0, time.UTC),
	}}}
	creator := newCreator(t, s, client, nil, nil)

	_, err := creator.Send(context.Background(), conversation, "hello", nil)
	if !errors.Is(err, ErrNotDelivered) {
		t.Fatalf("expected ErrNotDelivered, got %v", err)
	}

	messages, err := s.ListMessages(context.Background(), conversation.ID, store.ListQuery{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(messages) != 1 || messages[0].State != store.MessageStateFailed {
		t.Fatalf("expected failed row after reconcile miss, got %+v", messages)
	}
}

func TestSendAttachmentRequiresUploader(t *testing.T) {
	s := newTestStore(t)
	conversation := newConversation(t, s, true)
	creator := newCreator(t, s, &fakeClient{}, nil, nil)

	_, err := creator.Send(context.Background(), conversation, "", &AttachmentInput{
		Filename: "photo.png",
		MimeType: "image/png",
		Data:     []byte("data"),
	})
	if !errors.Is(err, errMissingUploader) {
		t.Fatalf("expected missing uploader error, got %v", err)
	}

	messages, err := s.ListMessages(context.Background(), conversation.ID, store.ListQuery{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(messages) != 1 || messages[0].State != store.MessageStateFailed {
		t.Fatalf("expected failed row, got %+v", messages)
	}
}
