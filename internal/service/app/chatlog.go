package app

import (
	"fmt"
	"strings"

	"sealed_chat/internal/model"
	"sealed_chat/internal/readiness"

	"github.com/rivo/tview"
)

const maxChatLines = 500

type (
	chatLine struct {
		id        string
		pendingID string
		from      string
		text      string
		mine      bool
		delivered bool
	}

	// chatLog is the rendered conversation. It is not safe for concurrent use.
	chatLog struct {
		lines []chatLine
	}
)

func (l *chatLog) addMessage(msg *model.LocalMessage, mine bool) {
	for _, ln := range l.lines {
		if ln.id != "" && ln.id == msg.ID {
			return
		}
	}
	l.push(chatLine{id: msg.ID, from: msg.SenderID, text: msg.Text, mine: mine})
}

func (l *chatLog) addPending(msg model.QueuedMessage) {
	l.push(chatLine{pendingID: msg.PendingID, text: msg.Text, mine: true})
}

func (l *chatLog) addNotice(text string) {
	l.push(chatLine{text: text})
}

func (l *chatLog) push(ln chatLine) {
	l.lines = append(l.lines, ln)
	if len(l.lines) > maxChatLines {
		l.lines = l.lines[len(l.lines)-maxChatLines:]
	}
}

func (l *chatLog) removePending(ids ...string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := l.lines[:0]
	for _, ln := range l.lines {
		if ln.pendingID != "" && drop[ln.pendingID] {
			continue
		}
		kept = append(kept, ln)
	}
	l.lines = kept
}

func (l *chatLog) markDelivered(id string) {
	for i := range l.lines {
		if l.lines[i].id == id {
			l.lines[i].delivered = true
			return
		}
	}
}

func (l *chatLog) render() string {
	var b strings.Builder
	for _, ln := range l.lines {
		text := tview.Escape(ln.text)
		switch {
		case ln.pendingID != "":
			fmt.Fprintf(&b, "[gray]You (queued):[-] %s\n", text)
		case ln.mine && ln.delivered:
			fmt.Fprintf(&b, "[yellow]You:[-] %s [green]✓[-]\n", text)
		case ln.mine:
			fmt.Fprintf(&b, "[yellow]You:[-] %s\n", text)
		case ln.from != "":
			fmt.Fprintf(&b, "[green]%s:[-] %s\n", tview.Escape(ln.from), text)
		default:
			fmt.Fprintf(&b, "[red]*[-] %s\n", text)
		}
	}
	return b.String()
}

func renderState(v readiness.ThreadView, queued int) string {
	var s string
	switch v.State {
	case readiness.StateReady:
		s = "[green]secure session ready[-]"
	case readiness.StateBootstrapping:
		s = "[yellow]setting up secure session...[-]"
	case readiness.StateError:
		s = fmt.Sprintf("[red]secure session failed (%s), type /retry[-]", v.ErrorCode)
	default:
		s = "[gray]not connected[-]"
	}
	if queued > 0 {
		s += fmt.Sprintf(" [gray](%d queued)[-]", queued)
	}
	return s
}
