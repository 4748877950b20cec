package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dmsim/config"
	"dmsim/db"
	"dmsim/httpapi"
	"dmsim/logger"
	"dmsim/messaging"
	"dmsim/presence"
	"dmsim/realtime"
	"dmsim/server"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("development", "info")
		bootLog.Fatal().Err(err).Msg("Invalid configuration")
	}
	log := logger.New(cfg.Environment, cfg.LogLevel)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	hub := realtime.NewHub(log)
	var broker realtime.Broker = realtime.NewLocalBroker(hub)
	var redisBroker *realtime.RedisBroker
	if cfg.RedisURL != "" {
		client, err := realtime.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to redis")
		}
		defer client.Close()
		redisBroker = realtime.NewRedisBroker(client, hub, log)
		broker = redisBroker
	}

	tracker := presence.NewTracker(cfg.TypingWindow, cfg.TypingThrottle)
	svc := messaging.New(database, database, broker, tracker, log)

	srv := server.New(database, svc, hub, &server.ServerConfig{
		Addr:          cfg.Addr(),
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		OutboundQueue: cfg.OutboundQueue,
	}, log)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(httpapi.NewHandler(svc, log), database),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(gctx)
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server started")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return runControlSocket(gctx, cfg.ControlSocket, srv, cancel, log)
	})

	g.Go(func() error {
		ticker := time.NewTicker(tracker.Window())
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				tracker.Sweep(now)
			}
		}
	})

	if redisBroker != nil {
		g.Go(func() error {
			return redisBroker.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		reason := "maintenance"
		var completion time.Time
		if req, ok := context.Cause(gctx).(shutdownRequest); ok {
			reason, completion = req.reason, req.completion
		}
		log.Info().Str("reason", reason).Msg("Shutting down")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx, reason, completion); err != nil {
			log.Warn().Err(err).Msg("Client connections did not close in time")
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Server stopped")
}

// shutdownRequest is the cancellation cause set by the control socket.
type shutdownRequest struct {
	reason     string
	completion time.Time
}

func (r shutdownRequest) Error() string { return "shutdown requested: " + r.reason }

func runControlSocket(ctx context.Context, path string, srv *server.Server, cancel context.CancelCauseFunc, log zerolog.Logger) error {
	if path == "" {
		return nil
	}
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to create control socket")
		return nil
	}
	defer os.Remove(path)
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Info().Str("path", path).Msg("Control socket listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}
		go handleControlCommand(conn, srv, cancel, log)
	}
}

func handleControlCommand(conn net.Conn, srv *server.Server, cancel context.CancelCauseFunc, log zerolog.Logger) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + srv.GetStats() + "\n"))

	case "shutdown":
		req := shutdownRequest{reason: "maintenance"}
		if len(parts) >= 2 && parts[1] != "" {
			req.reason = parts[1]
		}
		if len(parts) >= 3 && parts[2] != "" {
			req.completion, _ = time.Parse(time.RFC3339, parts[2])
		}

		conn.Write([]byte("OK|Shutting down\n"))
		log.Info().Str("reason", req.reason).Time("completion", req.completion).Msg("Shutdown requested")
		cancel(req)

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
