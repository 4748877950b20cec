package ui

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"dmsim/client/conn"
)

func (a *App) showAuthDialog() {
	// Form container
	form := tview.NewForm()
	form.SetBackgroundColor(ColorBg)
	form.SetFieldBackgroundColor(ColorField)
	form.SetFieldTextColor(ColorFg)
	form.SetLabelColor(ColorHighlight)
	form.SetButtonBackgroundColor(ColorAccent)
	form.SetButtonTextColor(ColorTitle)
	form.SetBorder(true)
	form.SetBorderColor(ColorBorder)
	form.SetTitle(" dmsim Login ")
	form.SetTitleColor(ColorTitle)

	statusText := tview.NewTextView()
	statusText.SetBackgroundColor(ColorBg)
	statusText.SetTextColor(tcell.ColorRed)
	statusText.SetTextAlign(tview.AlignCenter)
	statusText.SetDynamicColors(true)

	loginField := tview.NewInputField()
	loginField.SetLabel("Login: ")
	loginField.SetFieldWidth(30)
	loginField.SetBackgroundColor(ColorBg)

	passwordField := tview.NewInputField()
	passwordField.SetLabel("Password: ")
	passwordField.SetFieldWidth(30)
	passwordField.SetMaskCharacter('*')
	passwordField.SetBackgroundColor(ColorBg)

	form.AddFormItem(loginField)
	form.AddFormItem(passwordField)

	submit := func(register bool) func() {
		return func() {
			login := loginField.GetText()
			password := passwordField.GetText()
			if login == "" || password == "" {
				statusText.SetText("[red]Please enter login and password[-]")
				return
			}
			a.doAuth(login, password, statusText, register)
		}
	}
	form.AddButton("Login", submit(false))
	form.AddButton("Register", submit(true))
	form.AddButton("Quit", func() {
		a.app.Stop()
	})

	formFlex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(form, 0, 1, true).
		AddItem(statusText, 1, 0, false)

	// Create modal-like container
	width := 54
	height := 12

	modal := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().
			AddItem(nil, 0, 1, false).
			AddItem(formFlex, width, 0, true).
			AddItem(nil, 0, 1, false), height, 0, true).
		AddItem(nil, 0, 1, false)

	a.pages.AddPage("auth", modal, true, true)
	a.app.SetFocus(form)
}

func (a *App) doAuth(login, password string, statusText *tview.TextView, register bool) {
	if register {
		statusText.SetText("Registering...")
	} else {
		statusText.SetText("Connecting...")
	}

	client := conn.NewClient(a.log)
	a.async(func(ctx context.Context) error {
		if err := client.Connect(a.serverAddr); err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
		if register {
			if err := client.Register(ctx, login, password); err != nil {
				client.Disconnect()
				return err
			}
		}
		if err := client.Auth(ctx, login, password); err != nil {
			client.Disconnect()
			return err
		}
		return nil
	}, func(err error) {
		if err != nil {
			statusText.SetText(err.Error())
			return
		}
		a.client = client
		a.currentUser = login
		a.currentPass = password
		a.setupHandlers(client)
		a.showMainScreen()
	})
}
