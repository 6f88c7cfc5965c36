package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"sealed_chat/internal/cryptographic/envelope"
	"sealed_chat/internal/model"
	"sealed_chat/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	// Inbox holds frames for recipients that are not connected.
	Inbox interface {
		Put(ctx context.Context, to string, frames ...*model.Frame) error
		Take(ctx context.Context, to string) ([]*model.Frame, error)
		// Requeue returns taken frames to the head of the inbox, in order.
		Requeue(ctx context.Context, to string, frames ...*model.Frame) error
	}

	// ObjectStore persists uploaded attachment objects.
	ObjectStore interface {
		GetByID(ctx context.Context, id string) (*model.AttachmentObject, error)
		Put(ctx context.Context, obj *model.AttachmentObject) error
	}

	HttpServer struct {
		mu     sync.RWMutex
		mapper map[string]*peerConn

		inbox      Inbox
		objects    ObjectStore
		storageKey *envelope.Key

		srv *http.Server
	}

	peerConn struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}
)

func NewHttpServer(inbox Inbox, objects ObjectStore, storageKey *envelope.Key) *HttpServer {
	return &HttpServer{
		mapper:     make(map[string]*peerConn),
		inbox:      inbox,
		objects:    objects,
		storageKey: storageKey,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/inbox/{user}", s.GetInbox()).Methods(http.MethodGet)
	r.HandleFunc("/attachments/{id}", s.PutAttachment()).Methods(http.MethodPut)
	r.HandleFunc("/attachments/{id}", s.GetAttachment()).Methods(http.MethodGet)
	return r
}

// Run blocks until the server stops. It returns nil after Shutdown.
func (s *HttpServer) Run(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("relay listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for userID, pc := range s.mapper {
		pc.conn.Close()
		delete(s.mapper, userID)
	}
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		s.mu.RLock()
		_, ok := s.mapper[userID]
		s.mu.RUnlock()
		if ok {
			http.Error(w, "duplicated userID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		pc := &peerConn{conn: conn}
		s.mu.Lock()
		if _, ok := s.mapper[userID]; ok {
			s.mu.Unlock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "duplicated userID"))
			conn.Close()
			return
		}
		s.mapper[userID] = pc
		s.mu.Unlock()

		log.Debug("peer connected", zap.String("user", userID))
		go s.processWSMessage(userID, pc)

		if err := s.ForwardUnsentMessages(context.Background(), userID); err != nil {
			log.Error("forward msg failed", zap.String("user", userID), zap.Error(err))
		}
	}
}

func (s *HttpServer) processWSMessage(userID string, pc *peerConn) {
	defer func() {
		s.mu.Lock()
		if s.mapper[userID] == pc {
			delete(s.mapper, userID)
		}
		s.mu.Unlock()
		pc.conn.Close()
	}()

	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			log.Debug("peer web socket closed", zap.String("user", userID), zap.Error(err))
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("unmarshal frame failed", zap.String("user", userID), zap.Error(err))
			continue
		}
		if err := frame.Validate(); err != nil {
			log.Warn("dropping frame", zap.String("user", userID), zap.Error(err))
			continue
		}
		if frame.From != userID {
			log.Warn("dropping spoofed frame", zap.String("user", userID), zap.String("from", frame.From))
			continue
		}

		s.deliver(context.Background(), &frame)
	}
}

func (s *HttpServer) deliver(ctx context.Context, frame *model.Frame) {
	s.mu.RLock()
	pc, ok := s.mapper[frame.To]
	s.mu.RUnlock()

	if ok {
		err := pc.writeJSON(frame)
		if err == nil {
			return
		}
		log.Debug("live delivery failed, caching", zap.String("to", frame.To), zap.Error(err))
	}

	if err := s.inbox.Put(ctx, frame.To, frame); err != nil {
		log.Error("put frame to inbox failed", zap.String("to", frame.To), zap.String("frame", frame.ID), zap.Error(err))
	}
}

func (s *HttpServer) ForwardUnsentMessages(ctx context.Context, userID string) error {
	frames, err := s.inbox.Take(ctx, userID)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return nil
	}

	s.mu.RLock()
	pc, ok := s.mapper[userID]
	s.mu.RUnlock()
	if !ok {
		return s.inbox.Requeue(ctx, userID, frames...)
	}

	for i, frame := range frames {
		if err := pc.writeJSON(frame); err != nil {
			// keep whatever was not written
			if perr := s.inbox.Requeue(ctx, userID, frames[i:]...); perr != nil {
				return errors.Join(err, perr)
			}
			return err
		}
	}
	log.Debug("forwarded cached frames", zap.String("user", userID), zap.Int("count", len(frames)))
	return nil
}

// GetInbox drains the cached frames of a user as a JSON array.
func (s *HttpServer) GetInbox() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := mux.Vars(r)["user"]

		frames, err := s.inbox.Take(r.Context(), user)
		if err != nil {
			log.Error("take inbox failed", zap.String("user", user), zap.Error(err))
			http.Error(w, "take inbox failed", http.StatusInternalServerError)
			return
		}
		if frames == nil {
			frames = []*model.Frame{}
		}

		writeJSON(w, http.StatusOK, frames)
	}
}

func (pc *peerConn) writeJSON(v any) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return pc.conn.WriteJSON(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("marshal response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
