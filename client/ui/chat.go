package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"dmsim/client/chat"
	"dmsim/models"
)

const (
	chatKeysInput  = " Enter:Send | Tab:Scroll | Esc:Back "
	chatKeysScroll = " ↑↓/PgUp/PgDn:Scroll | Home:Top | End:Bottom | Tab/Esc:Input "
)

// openChat resolves the conversation with contact and opens it.
func (a *App) openChat(contact models.Contact) {
	client := a.client
	var convID string
	a.async(func(ctx context.Context) error {
		id, err := client.StartConversation(ctx, contact.Contact)
		convID = id
		return err
	}, func(err error) {
		if err != nil {
			a.setConnectionError(err.Error())
			return
		}
		if a.client != client {
			return
		}
		a.showChat(contact, convID)
	})
}

func (a *App) showChat(contact models.Contact, convID string) {
	if a.chat != nil {
		a.closeChat()
	}

	chatPage := a.createChatPage(contact)
	a.pages.AddPage("chat", chatPage, true, true)
	a.pages.SwitchToPage("chat")

	a.chat = chat.NewSession(a.client, chat.Config{
		Me:             a.currentUser,
		Peer:           contact.Contact,
		ConversationID: convID,
		TypingWindow:   a.opts.TypingWindow,
		TypingThrottle: a.opts.TypingThrottle,
		PollInterval:   a.opts.PollInterval,
		Dispatch:       func(f func()) { a.app.QueueUpdateDraw(f) },
		OnChange:       a.refreshChatView,
		Log:            a.log,
	})
	a.chat.Open()
	a.chat.SetVisible(true)
	a.refreshChatView()
}

func (a *App) nickFor(login string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, c := range a.contacts {
		if c.Contact == login && c.Nick != "" {
			return c.Nick
		}
	}
	return login
}

func (a *App) chatTitle(v chat.View) string {
	nick := a.nickFor(a.chat.Peer())
	if v.Degraded {
		return fmt.Sprintf(" %s ─ ○ offline, refreshing ", nick)
	}
	return fmt.Sprintf(" %s ─ ● live ", nick)
}

func (a *App) createChatPage(contact models.Contact) tview.Primitive {
	// Chat history view
	a.chatView = tview.NewTextView()
	a.chatView.SetBorder(true)
	a.chatView.SetBorderColor(ColorBorder)
	a.chatView.SetBackgroundColor(ColorBg)
	a.chatView.SetTitle(fmt.Sprintf(" %s ", a.nickFor(contact.Contact)))
	a.chatView.SetTitleColor(ColorTitle)
	a.chatView.SetTextColor(ColorFg)
	a.chatView.SetDynamicColors(true)
	a.chatView.SetScrollable(true)

	// Message input
	a.messageInput = tview.NewInputField()
	a.messageInput.SetLabel("> ")
	a.messageInput.SetFieldWidth(0)
	a.messageInput.SetBackgroundColor(ColorBg)
	a.messageInput.SetFieldBackgroundColor(ColorField)
	a.messageInput.SetFieldTextColor(ColorFg)
	a.messageInput.SetLabelColor(ColorHighlight)
	a.messageInput.SetBorder(true)
	a.messageInput.SetBorderColor(ColorBorder)
	a.messageInput.SetTitle(" Message ")
	a.messageInput.SetTitleColor(ColorTitle)

	a.messageInput.SetChangedFunc(func(text string) {
		if a.chat != nil && !a.syncingInput {
			a.chat.SetCompose(text)
		}
	})
	a.messageInput.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && a.chat != nil {
			a.chat.Send(a.messageInput.GetText())
		}
	})

	// Status bar
	a.chatStatus = tview.NewTextView()
	a.chatStatus.SetBackgroundColor(ColorAccent)
	a.chatStatus.SetTextColor(ColorTitle)
	a.chatStatus.SetTextAlign(tview.AlignCenter)
	a.chatStatus.SetDynamicColors(true)
	a.setChatKeys(chatKeysInput)

	// Layout
	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.chatView, 0, 1, false).
		AddItem(a.messageInput, 3, 0, true).
		AddItem(a.chatStatus, 1, 0, false)
	mainFlex.SetBackgroundColor(ColorBg)

	// Track focus on chat view for scrolling
	chatViewFocused := false

	mainFlex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEsc:
			if chatViewFocused {
				chatViewFocused = false
				a.app.SetFocus(a.messageInput)
				a.setChatKeys(chatKeysInput)
				return nil
			}
			a.closeChat()
			return nil
		case tcell.KeyTab:
			chatViewFocused = !chatViewFocused
			if chatViewFocused {
				a.app.SetFocus(a.chatView)
				a.setChatKeys(chatKeysScroll)
			} else {
				a.app.SetFocus(a.messageInput)
				a.setChatKeys(chatKeysInput)
			}
			return nil
		case tcell.KeyPgUp:
			row, col := a.chatView.GetScrollOffset()
			a.chatView.ScrollTo(row-10, col)
			return nil
		case tcell.KeyPgDn:
			row, col := a.chatView.GetScrollOffset()
			a.chatView.ScrollTo(row+10, col)
			return nil
		case tcell.KeyUp:
			if chatViewFocused {
				row, col := a.chatView.GetScrollOffset()
				a.chatView.ScrollTo(row-1, col)
				return nil
			}
		case tcell.KeyDown:
			if chatViewFocused {
				row, col := a.chatView.GetScrollOffset()
				a.chatView.ScrollTo(row+1, col)
				return nil
			}
		case tcell.KeyHome:
			if chatViewFocused {
				a.chatView.ScrollToBeginning()
				return nil
			}
		case tcell.KeyEnd:
			if chatViewFocused {
				a.chatView.ScrollToEnd()
				return nil
			}
		}
		return event
	})

	return mainFlex
}

// refreshChatView redraws the open conversation from the session view.
func (a *App) refreshChatView() {
	if a.chatView == nil || a.chat == nil {
		return
	}
	v := a.chat.View()

	// Get chat view width for centered dividers
	_, _, width, _ := a.chatView.GetInnerRect()
	if width < 10 {
		width = 80
	}

	var sb strings.Builder
	for _, line := range v.Lines {
		if line.Divider != "" {
			padding := (width - len(line.Divider)) / 2
			if padding < 0 {
				padding = 0
			}
			sb.WriteString(fmt.Sprintf("[gray]%s%s[-]\n", strings.Repeat(" ", padding), line.Divider))
			continue
		}

		timeStr := line.At.Local().Format("15:04:05")
		body := tview.Escape(line.Body)

		// Outgoing = white, Incoming = yellow
		switch {
		case line.Mine && line.Pending:
			sb.WriteString(fmt.Sprintf("[gray]%s[-] [white]→ %s[-] [gray]sending…[-]\n", timeStr, body))
		case line.Mine && line.Seen:
			sb.WriteString(fmt.Sprintf("[gray]%s[-] [white]→ %s[-] [green]✓ Seen[-]\n", timeStr, body))
		case line.Mine:
			sb.WriteString(fmt.Sprintf("[gray]%s[-] [white]→ %s[-]\n", timeStr, body))
		default:
			sb.WriteString(fmt.Sprintf("[gray]%s[-] [yellow]← %s[-]\n", timeStr, body))
		}
	}
	if v.PeerTyping {
		sb.WriteString(fmt.Sprintf("[gray]%s is typing…[-]\n", tview.Escape(a.nickFor(a.chat.Peer()))))
	}

	a.chatView.SetTitle(a.chatTitle(v))
	a.chatView.SetText(sb.String())
	a.chatView.ScrollToEnd()

	if v.Notice != "" {
		a.chatStatus.SetText(fmt.Sprintf("[red]%s[-]", tview.Escape(v.Notice)))
	} else {
		a.chatStatus.SetText(a.chatKeys)
	}

	if a.messageInput.GetText() != v.Compose {
		a.syncingInput = true
		a.messageInput.SetText(v.Compose)
		a.syncingInput = false
	}
}

func (a *App) setChatKeys(keys string) {
	a.chatKeys = keys
	a.chatStatus.SetText(keys)
}

func (a *App) closeChat() {
	if a.chat != nil {
		a.chat.SetVisible(false)
		a.chat.Close()
		a.chat = nil
	}
	a.chatView = nil
	a.chatStatus = nil
	a.messageInput = nil
	a.pages.RemovePage("chat")
	a.pages.SwitchToPage("main")
	a.app.SetFocus(a.contactsList)
	a.refreshUnread()
}
