package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MailHandlers groups the single-mail and single-attachment retrieval
// endpoints.
type MailHandlers struct {
	store *Store
	log   *zap.Logger
}

func NewMailHandlers(store *Store, log *zap.Logger) *MailHandlers {
	return &MailHandlers{store: store, log: log}
}

// GetMail implements GET /mail/{id}.
func (h *MailHandlers) GetMail(w http.ResponseWriter, r *http.Request) {
	consumer := ConsumerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	accepted := []string{"text/plain", "application/json", "message/rfc822"}
	mimetype := bestMatch(r.Header.Get("Accept"), accepted, "application/json")

	switch mimetype {
	case "text/plain", "message/rfc822":
		h.getMailAsText(w, r, consumer, id, mimetype)
	case "application/json":
		h.getMailAsJSON(w, r, consumer, id)
	default:
		h.notAcceptableOrNotFound(w, r, consumer, id)
	}
}

func (h *MailHandlers) getMailAsText(w http.ResponseWriter, r *http.Request, consumer *Consumer, id, mimetype string) {
	tx, err := h.store.BeginTx(r.Context())
	if err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}
	defer tx.Rollback(r.Context())

	data, err := h.store.MailDataForConsumer(r.Context(), tx, consumer.ID, id)
	if err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}
	if data == nil {
		httpError(h.log, w, r, errNotFound())
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}

	w.Header().Set("Content-Type", mimetype)
	_, _ = w.Write(data.Data)
}

func (h *MailHandlers) getMailAsJSON(w http.ResponseWriter, r *http.Request, consumer *Consumer, id string) {
	tx, err := h.store.BeginTx(r.Context())
	if err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}
	defer tx.Rollback(r.Context())

	full, err := h.store.MailWithAttachmentsForConsumer(r.Context(), tx, consumer.ID, id)
	if err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}
	if full == nil {
		httpError(h.log, w, r, errNotFound())
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}

	resource, err := LoadMailResource(*full, NewURLBuilder(r))
	if err != nil {
		httpError(h.log, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resource)
}

// notAcceptableOrNotFound implements the rule that an unacceptable
// Accept type is 406 only if the dispatch exists (the existence check
// must still authorize), else 404.
func (h *MailHandlers) notAcceptableOrNotFound(w http.ResponseWriter, r *http.Request, consumer *Consumer, id string) {
	data, err := h.store.MailDataForConsumer(r.Context(), h.store.pool, consumer.ID, id)
	if err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}
	if data == nil {
		httpError(h.log, w, r, errNotFound())
		return
	}
	httpError(h.log, w, r, errNotAcceptable())
}

// DeleteMail implements DELETE /mail/{id}.
func (h *MailHandlers) DeleteMail(w http.ResponseWriter, r *http.Request) {
	consumer := ConsumerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	n, err := h.store.DeleteDispatch(r.Context(), h.store.pool, consumer.ID, id)
	if err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}
	if n == 0 {
		httpError(h.log, w, r, errNotFound())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetAttachment implements GET /mail/{mail_id}/attachment/{number}.
func (h *MailHandlers) GetAttachment(w http.ResponseWriter, r *http.Request) {
	consumer := ConsumerFromContext(r.Context())
	mailID := chi.URLParam(r, "mail_id")
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		httpError(h.log, w, r, errNotFound())
		return
	}

	tx, err := h.store.BeginTx(r.Context())
	if err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}
	defer tx.Rollback(r.Context())

	a, err := h.store.AttachmentForConsumer(r.Context(), tx, consumer.ID, mailID, number)
	if err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}
	if a == nil {
		httpError(h.log, w, r, errNotFound())
		return
	}

	accepted := []string{a.Type, "application/json"}
	if len(a.Type) >= 5 && a.Type[:5] == "text/" {
		accepted = append(accepted, "text/plain")
	}
	accepted = append(accepted, "application/octet-stream")

	mimetype := bestMatch(r.Header.Get("Accept"), accepted, "application/json")

	switch {
	case mimetype == a.Type:
		h.writeAttachmentNative(w, r, tx, a, mimetype)
	case mimetype == "text/plain":
		h.writeAttachmentNative(w, r, tx, a, "text/plain")
	case mimetype == "application/json":
		if err := tx.Commit(r.Context()); err != nil {
			httpError(h.log, w, r, newError(KindStoreError, err))
			return
		}
		writeJSON(w, http.StatusOK, AttachmentResource{
			Self:   NewURLBuilder(r).AttachmentSelf(a.MailID, a.Number),
			Name:   a.Name,
			Number: a.Number,
			Type:   a.Type,
			Code:   a.Code,
		})
	case mimetype == "application/octet-stream":
		h.writeAttachmentBytes(w, r, tx, a, "application/octet-stream", "")
	default:
		httpError(h.log, w, r, errNotAcceptable())
	}
}

func (h *MailHandlers) writeAttachmentNative(w http.ResponseWriter, r *http.Request, tx pgx.Tx, a *AttachmentMeta, contentType string) {
	code := ""
	if a.Code != nil {
		code = *a.Code
	}
	h.writeAttachmentBytes(w, r, tx, a, contentType, code)
}

func (h *MailHandlers) writeAttachmentBytes(w http.ResponseWriter, r *http.Request, tx pgx.Tx, a *AttachmentMeta, contentType, code string) {
	data, err := h.store.AttachmentData(r.Context(), tx, a.MailID, a.Number)
	if err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		httpError(h.log, w, r, newError(KindStoreError, err))
		return
	}

	if code != "" {
		contentType = fmt.Sprintf("%s; charset=%s", contentType, code)
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
