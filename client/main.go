package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"dmsim/client/ui"
	"dmsim/logger"
)

func main() {
	serverAddr := flag.String("server", "localhost:3215", "dmsim server address (host:port)")
	poll := flag.Duration("poll", 3*time.Second, "history refresh interval while realtime is unavailable")
	typingWindow := flag.Duration("typing-window", 2*time.Second, "quiet period after which typing stops")
	typingThrottle := flag.Duration("typing-throttle", 500*time.Millisecond, "minimum gap between typing heartbeats")
	logPath := flag.String("log", "", "write debug log to this file")
	flag.Parse()

	// the terminal belongs to tview, so logs go to a file or nowhere
	log := zerolog.Nop()
	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		log = logger.NewWithWriter(f, "production", "debug")
	}

	app := ui.NewApp(*serverAddr, ui.Options{
		PollInterval:   *poll,
		TypingWindow:   *typingWindow,
		TypingThrottle: *typingThrottle,
	}, log)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
