package api

import (
	"io"
	"net/http"
	"time"

	"github.com/fuomag9/comments-collator/internal/apperr"
	"github.com/fuomag9/comments-collator/internal/models"
	"github.com/fuomag9/comments-collator/internal/repository"
	"github.com/fuomag9/comments-collator/internal/webhook"
)

// HandleWebhook passes the raw body to the receiver so the signature covers the exact bytes sent
func HandleWebhook(receiver *webhook.Receiver, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			errs.write(w, r, apperr.Validation("api.webhook", "unreadable webhook body"))
			return
		}

		event, err := receiver.Receive(r.Context(), body, r.Header.Get(webhook.SignatureHeader))
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Webhook processed successfully",
			"eventId": event.ID,
		})
	}
}

type registerWebhookRequest struct {
	FileKey   string `json:"file_key"`
	EventType string `json:"event_type"`
	Endpoint  string `json:"endpoint"`
}

var registrableEvents = map[webhook.EventType]bool{
	webhook.EventFileComment: true,
	webhook.EventFileUpdate:  true,
	webhook.EventFileDelete:  true,
}

// HandleRegisterWebhook records that a file should deliver events to endpoint. The caller must administer the file.
func HandleRegisterWebhook(repos *repository.Repositories, guard *webhook.EndpointGuard, errs errorWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerWebhookRequest
		if err := decodeJSON(w, r, &req); err != nil {
			errs.write(w, r, err)
			return
		}
		if err := req.validate(); err != nil {
			errs.write(w, r, err)
			return
		}
		if err := guard.Check(r.Context(), req.Endpoint); err != nil {
			errs.write(w, r, err)
			return
		}

		sess, err := requirePermission(r, repos, req.FileKey, models.PermissionAdmin)
		if err != nil {
			errs.write(w, r, err)
			return
		}

		_, err = repos.Webhooks.Register(r.Context(), &models.WebhookRegistration{
			FileKey:            req.FileKey,
			EventType:          req.EventType,
			EndpointURL:        req.Endpoint,
			Status:             "registered",
			RegisteredByUserID: sess.UserID,
		})
		if err != nil {
			errs.write(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"message":    "Webhook registration recorded",
			"file_key":   req.FileKey,
			"event_type": req.EventType,
			"endpoint":   req.Endpoint,
		})
	}
}

func (req registerWebhookRequest) validate() error {
	if req.FileKey == "" {
		return apperr.Validation("api.register_webhook", "file key is required")
	}
	if !registrableEvents[webhook.EventType(req.EventType)] {
		return apperr.Validation("api.register_webhook", "invalid event type")
	}
	if req.Endpoint == "" {
		return apperr.Validation("api.register_webhook", "endpoint is required")
	}
	return nil
}

// HandleWebhookHealth reports the webhook endpoint
func HandleWebhookHealth(now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"endpoint":  "/webhooks/figma",
			"timestamp": now().UTC(),
		})
	}
}
