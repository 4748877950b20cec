package ui

import (
	"context"
	"fmt"

	"github.com/rivo/tview"

	"dmsim/models"
)

func (a *App) loadContacts() {
	client := a.client
	if client == nil {
		return
	}
	var contacts []models.Contact
	a.async(func(ctx context.Context) error {
		var err error
		contacts, err = client.Contacts(ctx)
		return err
	}, func(err error) {
		if err != nil {
			a.setConnectionError(err.Error())
			return
		}
		a.mu.Lock()
		a.contacts = contacts
		a.mu.Unlock()
		a.updateContactsList()
	})
}

// refreshUnread updates the unread badge in the contacts title.
func (a *App) refreshUnread() {
	client := a.client
	if client == nil || !client.IsConnected() {
		return
	}
	var n int
	a.async(func(ctx context.Context) error {
		var err error
		n, err = client.Unread(ctx)
		return err
	}, func(err error) {
		if err != nil {
			a.log.Debug().Err(err).Msg("Unread refresh failed")
			return
		}
		a.mu.Lock()
		a.unread = n
		a.mu.Unlock()
		a.updateContactsTitle()
	})
}

func (a *App) updateContactsTitle() {
	if a.contactsList == nil {
		return
	}
	a.mu.RLock()
	unread := a.unread
	a.mu.RUnlock()

	if unread > 0 {
		a.contactsList.SetTitle(fmt.Sprintf(" Contacts [%s] [red](%d unread)[-] ", a.currentUser, unread))
	} else {
		a.contactsList.SetTitle(fmt.Sprintf(" Contacts [%s] ", a.currentUser))
	}
}

func (a *App) updateContactsList() {
	if a.contactsList == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	currentIdx := a.contactsList.GetCurrentItem()
	a.contactsList.Clear()

	for _, contact := range a.contacts {
		nick := tview.Escape(contact.Nick)
		if nick == "" {
			nick = contact.Contact
		}

		// Only mutual contacts can message each other
		var mainText string
		if contact.Mutual {
			mainText = fmt.Sprintf("[green]●[white] %s [gray](%s)", nick, contact.Contact)
		} else {
			mainText = fmt.Sprintf("[gray]○[white] %s [gray](%s), waiting to be added back", nick, contact.Contact)
		}
		a.contactsList.AddItem(mainText, "", 0, nil)
	}

	if currentIdx >= 0 && currentIdx < a.contactsList.GetItemCount() {
		a.contactsList.SetCurrentItem(currentIdx)
	}
}
