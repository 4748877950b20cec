package ui

import (
	"context"
	"fmt"
	"time"

	"dmsim/client/conn"
)

// unreadEvery is how many status ticks pass between unread refreshes.
const unreadEvery = 5

func (a *App) updateConnectionStatus() {
	if a.connectionView == nil {
		return
	}
	if a.client != nil && a.client.IsConnected() {
		age := pongAge(a.client.LastPongAt(), time.Now())
		a.connectionView.SetText(fmt.Sprintf("[green]● Connected to %s[-] [gray]│ Last pong: %s[-]", a.serverAddr, age))
	} else {
		a.connectionView.SetText(fmt.Sprintf("[red]○ Disconnected from %s[-]", a.serverAddr))
	}
}

// pongAge describes how long ago the server last answered a ping.
func pongAge(last, now time.Time) string {
	if last.IsZero() {
		return "never"
	}
	d := now.Sub(last)
	switch {
	case d < time.Second:
		return "<1s ago"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds ago", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm ago", int(d.Hours()), int(d.Minutes())%60)
}

func (a *App) startStatusTicker() {
	if a.statusTicker != nil {
		return
	}
	a.statusTickerDone = make(chan struct{})
	a.statusTicker = time.NewTicker(1 * time.Second)
	go func() {
		ticks := 0
		for {
			select {
			case <-a.statusTickerDone:
				return
			case <-a.statusTicker.C:
				ticks++
				a.app.QueueUpdateDraw(func() {
					a.updateConnectionStatus()
					if ticks%unreadEvery == 0 {
						a.refreshUnread()
					}
				})
			}
		}
	}()
}

func (a *App) stopStatusTicker() {
	if a.statusTicker != nil {
		a.statusTicker.Stop()
		close(a.statusTickerDone)
		a.statusTicker = nil
	}
}

func (a *App) setConnectionError(err string) {
	if a.connectionView == nil {
		return
	}
	a.connectionView.SetText(fmt.Sprintf("[red]✗ Error: %s[-]", err))
}

func (a *App) updateStatusBarText() {
	if a.statusBar == nil {
		return
	}
	if a.client != nil && a.client.IsConnected() {
		a.statusBar.SetText(" F1:Help | F2:Add | F3:Rename | F4:Delete | F5:Refresh | F6:Disconnect | F10:Quit ")
	} else {
		a.statusBar.SetText(" F1:Help | F6:Connect | F10:Quit ")
	}
}

// dropConnection forgets the current client and everything learned from it.
func (a *App) dropConnection() {
	if a.chat != nil {
		a.closeChat()
	}
	a.client = nil
	a.mu.Lock()
	a.unread = 0
	a.mu.Unlock()
	a.updateConnectionStatus()
	a.updateStatusBarText()
	a.updateContactsList()
}

func (a *App) toggleConnection() {
	if a.client != nil && a.client.IsConnected() {
		a.connectionView.SetText("[yellow]Disconnecting...[-]")
		client := a.client
		a.dropConnection()
		client.Disconnect()
		a.updateConnectionStatus()
		return
	}

	a.connectionView.SetText("[yellow]Connecting...[-]")
	a.reconnect()
}

func (a *App) reconnect() {
	client := conn.NewClient(a.log)
	a.async(func(ctx context.Context) error {
		if err := client.Connect(a.serverAddr); err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
		if err := client.Auth(ctx, a.currentUser, a.currentPass); err != nil {
			client.Disconnect()
			return err
		}
		return nil
	}, func(err error) {
		if err != nil {
			a.setConnectionError(err.Error())
			a.updateStatusBarText()
			return
		}
		a.client = client
		a.setupHandlers(client)
		a.updateConnectionStatus()
		a.updateStatusBarText()
		a.loadContacts()
		a.refreshUnread()
	})
}
