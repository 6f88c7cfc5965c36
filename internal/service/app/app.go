package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"sealed_chat/internal/keystore"
	"sealed_chat/internal/model"
	"sealed_chat/internal/readiness"
	"sealed_chat/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		status  *tview.TextView
		input   *tview.InputField

		cfg     SessionConfig
		api     *API
		keyRepo KeyRepo
		keys    *keystore.Memory
		opts    []SessionOption

		relay    *WSRelay
		session  *Session
		stopOnce sync.Once

		mu      sync.Mutex
		log     chatLog
		state   string
		pending []string
	}
)

func NewApp(cfg SessionConfig, api *API, keyRepo KeyRepo, keys *keystore.Memory, opts ...SessionOption) *App {
	return &App{
		app:     tview.NewApplication(),
		cfg:     cfg,
		api:     api,
		keyRepo: keyRepo,
		keys:    keys,
		opts:    opts,
	}
}

// Run connects to the relay, opens the thread and blocks in the UI loop.
func (c *App) Run(ctx context.Context) error {
	relay, err := c.api.Dial(ctx, c.cfg.User)
	if err != nil {
		return fmt.Errorf("init webhook to server failed: %w", err)
	}
	c.relay = relay
	c.session = NewSession(c.cfg, c.keys, c.keyRepo, relay, c.api, c, c.opts...)

	c.buildUI()

	go func() {
		if err := relay.Listen(ctx, c.session.HandleFrame); err != nil {
			c.ShowNotice("disconnected from relay")
		}
	}()

	c.session.Open()
	go func() {
		if err := c.session.PullInboxOnce(ctx); err != nil {
			log.Warn("inbox pull failed", zap.Error(err))
		}
	}()

	return c.app.SetRoot(c.layout(), true).SetFocus(c.input).Run()
}

// Stop may be called more than once.
func (c *App) Stop() {
	c.stopOnce.Do(func() {
		c.app.Stop()
		if c.session != nil {
			c.session.Close()
		}
		if c.relay != nil {
			c.relay.Close()
		}
	})
}

func (c *App) buildUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.cfg.Peer))

	c.status = tview.NewTextView().
		SetDynamicColors(true)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(c.input.GetText())
		if text == "" {
			return
		}
		c.input.SetText("")
		go c.submit(context.Background(), text)
	})
}

func (c *App) layout() tview.Primitive {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)
}

func (c *App) submit(ctx context.Context, text string) {
	cmd, arg, _ := strings.Cut(text, " ")
	switch cmd {
	case "/retry":
		c.session.Retry()
	case "/drop":
		c.dropNewestPending()
	case "/attach":
		c.attach(ctx, strings.TrimSpace(arg))
	case "/save":
		c.save(ctx, strings.Fields(arg))
	default:
		if _, err := c.session.Send(ctx, text); err != nil {
			log.Error("send message failed", zap.Error(err))
			c.ShowNotice("message not sent, try again")
		}
	}
}

func (c *App) attach(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		c.ShowNotice(fmt.Sprintf("cannot read %s", path))
		return
	}
	if _, err := c.session.SendAttachment(ctx, data); err != nil {
		log.Warn("send attachment failed", zap.Error(err))
		c.ShowNotice("attachment not sent: " + err.Error())
	}
}

func (c *App) save(ctx context.Context, args []string) {
	if len(args) != 2 {
		c.ShowNotice("usage: /save <attachment id> <path>")
		return
	}
	res, err := c.session.Attachment(ctx, args[0])
	if err != nil {
		c.ShowNotice("attachment unavailable: " + err.Error())
		return
	}
	data, ok := res.Bytes()
	if !ok {
		c.ShowNotice("attachment was released")
		return
	}
	err = os.WriteFile(args[1], data, 0o600)
	clear(data)
	if err != nil {
		c.ShowNotice("save failed: " + err.Error())
		return
	}
	c.ShowNotice(fmt.Sprintf("saved %d bytes to %s", res.Size, args[1]))
}

func (c *App) dropNewestPending() {
	c.mu.Lock()
	n := len(c.pending)
	var id string
	if n > 0 {
		id = c.pending[n-1]
	}
	c.mu.Unlock()

	if id == "" || !c.session.RemovePending(id) {
		c.ShowNotice("nothing to drop")
	}
}

func (c *App) update(fn func()) {
	c.mu.Lock()
	fn()
	chat, state := c.log.render(), c.state
	c.mu.Unlock()

	c.app.QueueUpdateDraw(func() {
		c.chatbox.SetText(chat)
		c.chatbox.ScrollToEnd()
		c.status.SetText(state)
	})
}

func (c *App) ShowMessage(msg *model.LocalMessage, mine bool) {
	c.update(func() { c.log.addMessage(msg, mine) })
}

func (c *App) ShowPending(msg model.QueuedMessage) {
	c.update(func() {
		c.log.addPending(msg)
		c.pending = append(c.pending, msg.PendingID)
	})
}

func (c *App) RemovePending(pendingIDs ...string) {
	c.update(func() {
		c.log.removePending(pendingIDs...)
		kept := c.pending[:0]
		for _, p := range c.pending {
			drop := false
			for _, id := range pendingIDs {
				if p == id {
					drop = true
					break
				}
			}
			if !drop {
				kept = append(kept, p)
			}
		}
		c.pending = kept
	})
}

func (c *App) ShowState(v readiness.ThreadView, queued int) {
	if err := v.Err(); err != nil {
		var timeout *readiness.BootstrapTimeoutError
		if errors.As(err, &timeout) {
			log.Warn("secure session unavailable", zap.String("thread", timeout.ThreadID), zap.String("code", string(timeout.Code)))
		}
	}
	c.update(func() { c.state = renderState(v, queued) })
}

func (c *App) ShowNotice(text string) {
	c.update(func() { c.log.addNotice(text) })
}

func (c *App) MarkDelivered(messageID string) {
	c.update(func() { c.log.markDelivered(messageID) })
}
