package ui

import (
	"context"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/rs/zerolog"

	"dmsim/client/chat"
	"dmsim/client/conn"
	"dmsim/models"
)

const requestTimeout = 10 * time.Second

// Options tune the chat sessions opened by the app.
type Options struct {
	PollInterval   time.Duration
	TypingWindow   time.Duration
	TypingThrottle time.Duration
}

// App is the main application
type App struct {
	app        *tview.Application
	pages      *tview.Pages
	client     *conn.Client
	serverAddr string
	opts       Options
	log        zerolog.Logger

	currentUser string
	currentPass string
	contacts    []models.Contact
	unread      int // conversations with unread messages
	mu          sync.RWMutex

	// open conversation; only touched on the UI goroutine
	chat         *chat.Session
	syncingInput bool

	contactsList     *tview.List
	chatView         *tview.TextView
	chatStatus       *tview.TextView
	chatKeys         string
	messageInput     *tview.InputField
	statusBar        *tview.TextView
	connectionView   *tview.TextView
	statusTicker     *time.Ticker
	statusTickerDone chan struct{}
}

// NewApp creates a new application instance
func NewApp(serverAddr string, opts Options, log zerolog.Logger) *App {
	return &App{
		serverAddr: serverAddr,
		opts:       opts,
		log:        log,
	}
}

// Run starts the application
func (a *App) Run() error {
	a.app = tview.NewApplication()
	a.pages = tview.NewPages()

	// Create empty background
	background := tview.NewBox()
	background.SetBackgroundColor(tcell.NewRGBColor(64, 64, 64))
	a.pages.AddPage("background", background, true, true)

	// Show auth dialog on top
	a.showAuthDialog()

	return a.app.SetRoot(a.pages, true).EnableMouse(false).Run()
}

// quit exits the application
func (a *App) quit() {
	if a.chat != nil {
		a.chat.Close()
		a.chat = nil
	}
	if a.client != nil && a.client.IsConnected() {
		a.client.Disconnect()
	}
	a.stopStatusTicker()
	a.app.Stop()
}

// async runs call off the UI goroutine and hands its error to done on it.
func (a *App) async(call func(ctx context.Context) error, done func(error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		err := call(ctx)
		cancel()
		a.app.QueueUpdateDraw(func() { done(err) })
	}()
}
