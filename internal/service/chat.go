package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/provider"
	"github.com/openclaw/clawdeck/internal/store"
)

// allowedUploadTypes is the content-type allowlist for file uploads.
var allowedUploadTypes = map[string]bool{
	"text/plain":         true,
	"text/markdown":      true,
	"text/csv":           true,
	"application/json":   true,
	"application/pdf":    true,
	"image/png":          true,
	"image/jpeg":         true,
	"image/gif":          true,
	"image/webp":         true,
	"application/zip":    true,
	"application/x-gzip": true,
	"application/gzip":   true,
}

// ChatService relays messages between users and their agents and keeps the
// chat history.
type ChatService struct {
	store    *store.Store
	registry *provider.Registry

	maxUploadBytes int64
	historyLimit   int
}

// NewChatService creates the chat relay.
func NewChatService(s *store.Store, registry *provider.Registry, maxUploadBytes int64) *ChatService {
	return &ChatService{
		store:          s,
		registry:       registry,
		maxUploadBytes: maxUploadBytes,
		historyLimit:   100,
	}
}

// SessionID derives a stable chat session id for a user and instance pair.
func SessionID(userID, instanceID string) string {
	sum := sha256.Sum256([]byte(userID + ":" + instanceID))
	return hex.EncodeToString(sum[:])[:16]
}

// SendMessage relays a message to the instance's agent and records both
// sides of the exchange. The instance must be RUNNING.
func (svc *ChatService) SendMessage(ctx context.Context, userID, instanceID, message string) (*model.ChatMessage, error) {
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	instance, err := svc.store.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	if instance.Status != model.InstanceStatusRunning {
		return nil, ErrInstanceNotRunning
	}
	backend, err := svc.registry.For(instance)
	if err != nil {
		return nil, err
	}

	sessionID := SessionID(userID, instanceID)
	result, err := backend.SendMessage(ctx, instance, sessionID, message)
	if err != nil {
		return nil, err
	}

	userMsg := &model.ChatMessage{
		InstanceID: instance.ID,
		UserID:     userID,
		SessionID:  sessionID,
		Role:       model.ChatRoleUser,
		Content:    message,
	}
	if err := svc.store.CreateChatMessage(ctx, userMsg); err != nil {
		log.Printf("Recording user message for instance %s: %v", instance.ID, err)
	}

	reply := &model.ChatMessage{
		InstanceID: instance.ID,
		UserID:     userID,
		SessionID:  sessionID,
		Role:       model.ChatRoleAssistant,
		Content:    result.Response,
	}
	if err := svc.store.CreateChatMessage(ctx, reply); err != nil {
		log.Printf("Recording agent reply for instance %s: %v", instance.ID, err)
	}
	return reply, nil
}

// UploadFile pushes a file into the instance workspace and records it in the
// chat history.
func (svc *ChatService) UploadFile(ctx context.Context, userID, instanceID, filename, contentType string, data []byte) (*model.ChatMessage, error) {
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if int64(len(data)) > svc.maxUploadBytes {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrInvalidInput, svc.maxUploadBytes)
	}
	if !allowedUploadTypes[contentType] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, contentType)
	}

	instance, err := svc.store.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		return nil, err
	}
	if instance.Status != model.InstanceStatusRunning {
		return nil, ErrInstanceNotRunning
	}
	backend, err := svc.registry.For(instance)
	if err != nil {
		return nil, err
	}

	path, err := backend.UploadFile(ctx, instance, data, filename)
	if err != nil {
		return nil, err
	}

	sessionID := SessionID(userID, instanceID)
	msg := &model.ChatMessage{
		InstanceID: instance.ID,
		UserID:     userID,
		SessionID:  sessionID,
		Role:       model.ChatRoleUser,
		Content:    "Uploaded file: " + filename,
		FilePath:   &path,
	}
	if err := svc.store.CreateChatMessage(ctx, msg); err != nil {
		log.Printf("Recording upload for instance %s: %v", instance.ID, err)
	}
	return msg, nil
}

// History returns the chat history for the user's session on an instance.
func (svc *ChatService) History(ctx context.Context, userID, instanceID string, limit int) ([]model.ChatMessage, error) {
	if _, err := svc.store.GetInstanceForUser(ctx, instanceID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > svc.historyLimit {
		limit = svc.historyLimit
	}
	return svc.store.ListChatMessages(ctx, instanceID, SessionID(userID, instanceID), limit)
}
