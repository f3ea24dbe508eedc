package middleware

import (
	"errors"
	"net/url"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/vendaflow/atendimento-console/internal/model"
)

// maxBodyLength matches the WhatsApp text message limit.
const maxBodyLength = 4096

// ValidateSendRequest validates an outbound message before it enters the
// send pipeline.
func ValidateSendRequest(req *model.SendMessageRequest) error {
	if req.Body == "" && req.Attachment == nil {
		return errors.New("message needs a body or an attachment")
	}
	if len(req.Body) > maxBodyLength {
		return errors.New("body exceeds maximum length")
	}
	if !utf8.ValidString(req.Body) {
		return errors.New("body must be valid UTF-8")
	}
	if req.Attachment != nil {
		return validateAttachment(req.Attachment)
	}
	return nil
}

func validateAttachment(att *model.Attachment) error {
	switch att.Kind {
	case model.MediaImage, model.MediaAudio, model.MediaDocument:
	default:
		return errors.New("unknown attachment kind")
	}
	u, err := url.Parse(att.URL)
	if err != nil || u.Scheme != "https" {
		return errors.New("attachment URL must be https")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}
