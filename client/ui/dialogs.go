package ui

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

func (a *App) showAddContactDialog() {
	form := tview.NewForm()
	form.SetBackgroundColor(ColorBg)
	form.SetFieldBackgroundColor(ColorField)
	form.SetFieldTextColor(ColorFg)
	form.SetLabelColor(ColorHighlight)
	form.SetButtonBackgroundColor(ColorAccent)
	form.SetButtonTextColor(ColorTitle)
	form.SetBorder(true)
	form.SetBorderColor(ColorBorder)
	form.SetTitle(" Add Contact ")
	form.SetTitleColor(ColorTitle)

	var idField, nickField *tview.InputField
	var statusLabel *tview.TextView

	statusLabel = tview.NewTextView()
	statusLabel.SetBackgroundColor(ColorBg)
	statusLabel.SetTextColor(tcell.ColorRed)

	idField = tview.NewInputField()
	idField.SetLabel("Login: ")
	idField.SetFieldWidth(30)

	nickField = tview.NewInputField()
	nickField.SetLabel("Nickname: ")
	nickField.SetFieldWidth(30)

	form.AddFormItem(idField)
	form.AddFormItem(nickField)

	form.AddButton("Add", func() {
		id := idField.GetText()
		nick := nickField.GetText()
		if id == "" {
			statusLabel.SetText("Login is required")
			return
		}

		client := a.client
		if client == nil {
			statusLabel.SetText("Not connected")
			return
		}
		a.async(func(ctx context.Context) error {
			return client.AddContact(ctx, id, nick)
		}, func(err error) {
			if err != nil {
				statusLabel.SetText(err.Error())
				return
			}
			a.pages.RemovePage("dialog")
			a.app.SetFocus(a.contactsList)
			a.loadContacts()
		})
	})

	form.AddButton("Cancel", func() {
		a.pages.RemovePage("dialog")
		a.app.SetFocus(a.contactsList)
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().
			AddItem(nil, 0, 1, false).
			AddItem(form, 50, 0, true).
			AddItem(nil, 0, 1, false), 10, 0, true).
		AddItem(tview.NewFlex().
			AddItem(nil, 0, 1, false).
			AddItem(statusLabel, 50, 0, false).
			AddItem(nil, 0, 1, false), 1, 0, false).
		AddItem(nil, 0, 1, false)
	flex.SetBackgroundColor(ColorBg)

	a.pages.AddPage("dialog", flex, true, true)
	a.app.SetFocus(form)
}

func (a *App) showRenameContactDialog() {
	idx := a.contactsList.GetCurrentItem()
	a.mu.RLock()
	if idx < 0 || idx >= len(a.contacts) {
		a.mu.RUnlock()
		return
	}
	contact := a.contacts[idx]
	a.mu.RUnlock()

	form := tview.NewForm()
	form.SetBackgroundColor(ColorBg)
	form.SetFieldBackgroundColor(ColorField)
	form.SetFieldTextColor(ColorFg)
	form.SetLabelColor(ColorHighlight)
	form.SetButtonBackgroundColor(ColorAccent)
	form.SetButtonTextColor(ColorTitle)
	form.SetBorder(true)
	form.SetBorderColor(ColorBorder)
	form.SetTitle(fmt.Sprintf(" Rename %s ", contact.Contact))
	form.SetTitleColor(ColorTitle)

	var nickField *tview.InputField
	var statusLabel *tview.TextView

	statusLabel = tview.NewTextView()
	statusLabel.SetBackgroundColor(ColorBg)
	statusLabel.SetTextColor(tcell.ColorRed)

	nickField = tview.NewInputField()
	nickField.SetLabel("New nickname: ")
	nickField.SetFieldWidth(30)
	nickField.SetText(contact.Nick)

	form.AddFormItem(nickField)

	form.AddButton("Rename", func() {
		nick := nickField.GetText()
		if nick == "" {
			statusLabel.SetText("Nickname is required")
			return
		}

		client := a.client
		if client == nil {
			statusLabel.SetText("Not connected")
			return
		}
		a.async(func(ctx context.Context) error {
			return client.RenameContact(ctx, contact.Contact, nick)
		}, func(err error) {
			if err != nil {
				statusLabel.SetText(err.Error())
				return
			}
			a.pages.RemovePage("dialog")
			a.app.SetFocus(a.contactsList)
			a.loadContacts()
		})
	})

	form.AddButton("Cancel", func() {
		a.pages.RemovePage("dialog")
		a.app.SetFocus(a.contactsList)
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().
			AddItem(nil, 0, 1, false).
			AddItem(form, 50, 0, true).
			AddItem(nil, 0, 1, false), 8, 0, true).
		AddItem(tview.NewFlex().
			AddItem(nil, 0, 1, false).
			AddItem(statusLabel, 50, 0, false).
			AddItem(nil, 0, 1, false), 1, 0, false).
		AddItem(nil, 0, 1, false)
	flex.SetBackgroundColor(ColorBg)

	a.pages.AddPage("dialog", flex, true, true)
	a.app.SetFocus(form)
}

func (a *App) showDeleteContactDialog() {
	idx := a.contactsList.GetCurrentItem()
	a.mu.RLock()
	if idx < 0 || idx >= len(a.contacts) {
		a.mu.RUnlock()
		return
	}
	contact := a.contacts[idx]
	a.mu.RUnlock()

	modal := tview.NewModal()
	modal.SetText(fmt.Sprintf("Delete contact %s (%s)?", contact.Nick, contact.Contact))
	modal.SetBackgroundColor(ColorBg)
	modal.SetTextColor(ColorFg)
	modal.SetButtonBackgroundColor(ColorAccent)
	modal.SetButtonTextColor(ColorTitle)
	modal.AddButtons([]string{"Delete", "Cancel"})
	modal.SetDoneFunc(func(buttonIndex int, buttonLabel string) {
		client := a.client
		if buttonLabel != "Delete" || client == nil {
			a.pages.RemovePage("dialog")
			a.app.SetFocus(a.contactsList)
			return
		}
		a.async(func(ctx context.Context) error {
			return client.DeleteContact(ctx, contact.Contact)
		}, func(err error) {
			a.pages.RemovePage("dialog")
			a.app.SetFocus(a.contactsList)
			if err != nil {
				a.setConnectionError(err.Error())
				return
			}
			a.loadContacts()
		})
	})

	a.pages.AddPage("dialog", modal, true, true)
}

func (a *App) showDisconnectNotification(reason, details string) {
	reasonText := "Disconnected"
	switch reason {
	case "timeout":
		reasonText = "Session timeout - no activity"
	case "maintenance":
		if details != "" {
			reasonText = fmt.Sprintf("Server maintenance until %s", details)
		} else {
			reasonText = "Server is going to maintenance"
		}
	case "restart":
		if details != "" {
			reasonText = fmt.Sprintf("Server restarting, back at %s", details)
		} else {
			reasonText = "Server is restarting"
		}
	case "connection_lost":
		reasonText = "Connection lost"
	}

	if a.connectionView != nil {
		a.connectionView.SetText(fmt.Sprintf("[red]○ %s[-]\n[gray]Press F6 to reconnect[-]", reasonText))
	}
}
