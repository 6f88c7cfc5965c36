package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"sealed_chat/internal/cryptographic/envelope"
	"sealed_chat/internal/model"
	"sealed_chat/internal/utils/log"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const MaxAttachmentSize = 25 << 20

// PutAttachment stores the request body, already sealed by the client, inside
// the at-rest envelope. The attachment id is bound as associated data so an
// object cannot be served under another id.
func (s *HttpServer) PutAttachment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxAttachmentSize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "attachment too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "read body failed", http.StatusBadRequest)
			return
		}
		if len(body) == 0 {
			http.Error(w, "empty attachment", http.StatusBadRequest)
			return
		}

		sealed, err := envelope.Encrypt(body, s.storageKey, envelope.Options{
			AssociatedData: []byte(id),
			ContentType:    "application/octet-stream",
		})
		if err != nil {
			log.Error("seal attachment failed", zap.String("attachment", id), zap.Error(err))
			http.Error(w, "store attachment failed", http.StatusInternalServerError)
			return
		}

		obj := &model.AttachmentObject{
			ID:        id,
			Payload:   sealed.Payload,
			Meta:      &sealed.Meta,
			Size:      len(body),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.objects.Put(r.Context(), obj); err != nil {
			log.Error("store attachment failed", zap.String("attachment", id), zap.Error(err))
			http.Error(w, "store attachment failed", http.StatusInternalServerError)
			return
		}

		log.Debug("attachment stored", zap.String("attachment", id), zap.Int("len", len(body)))
		w.WriteHeader(http.StatusCreated)
	}
}

// GetAttachment serves the client ciphertext. Objects written before at-rest
// encryption was enabled are returned unchanged.
func (s *HttpServer) GetAttachment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		obj, err := s.objects.GetByID(r.Context(), id)
		if err != nil {
			log.Error("get attachment failed", zap.String("attachment", id), zap.Error(err))
			http.Error(w, "get attachment failed", http.StatusInternalServerError)
			return
		}
		if obj == nil {
			http.Error(w, "attachment not found", http.StatusNotFound)
			return
		}

		data := obj.Payload
		if envelope.IsEnvelope(obj.Payload) {
			data, err = envelope.Decrypt(obj.Payload, s.storageKey, []byte(id))
			if err != nil {
				log.Error("open stored attachment failed", zap.String("attachment", id), zap.Error(err))
				http.Error(w, "attachment unavailable", http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}
