package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"sealed_chat/internal/model"
	"sealed_chat/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type (
	// API talks to the relay over HTTP.
	API struct {
		base *url.URL
		http *http.Client
	}

	// WSRelay is the client end of the relay websocket.
	WSRelay struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}

	StatusError struct {
		Op     string
		Status int
	}
)

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

func NewAPI(serverURL string, client *http.Client) (*API, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", serverURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{base: u, http: client}, nil
}

func (c *API) endpoint(path string) string {
	u := *c.base
	u.Path = path
	return u.String()
}

func (c *API) FetchCiphertext(ctx context.Context, attachmentID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/attachments/"+url.PathEscape(attachmentID)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "fetch attachment", Status: resp.StatusCode}
	}
	return io.ReadAll(resp.Body)
}

func (c *API) UploadAttachment(ctx context.Context, id string, ciphertext []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint("/attachments/"+url.PathEscape(id)), bytes.NewReader(ciphertext))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return &StatusError{Op: "upload attachment", Status: resp.StatusCode}
	}
	return nil
}

func (c *API) PullInbox(ctx context.Context, user string) ([]*model.Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/inbox/"+url.PathEscape(user)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "pull inbox", Status: resp.StatusCode}
	}

	var frames []*model.Frame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		return nil, err
	}
	return frames, nil
}

// Dial opens the relay websocket for user.
func (c *API) Dial(ctx context.Context, user string) (*WSRelay, error) {
	params := url.Values{
		"userID": []string{user},
	}

	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = "/init"
	u.RawQuery = params.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	return &WSRelay{conn: conn}, nil
}

func (r *WSRelay) WriteFrame(frame *model.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.conn.WriteJSON(frame)
}

// Listen feeds every frame read from the relay to handle until the
// connection closes.
func (r *WSRelay) Listen(ctx context.Context, handle func(context.Context, *model.Frame)) error {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			log.Debug("relay web socket closed", zap.Error(err))
			return err
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Error("unmarshal frame failed", zap.Error(err))
			continue
		}

		handle(ctx, &frame)
	}
}

func (r *WSRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return r.conn.Close()
}
