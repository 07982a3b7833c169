// Package app wires the bridge together: store, Play gateway, engine,
// Matrix client, command router, and the optional health/metrics server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Hyoka/internal/hyoka/bridgecfg"
	"github.com/bdobrica/Hyoka/internal/hyoka/commands"
	"github.com/bdobrica/Hyoka/internal/hyoka/engine"
	"github.com/bdobrica/Hyoka/internal/hyoka/matrix"
	"github.com/bdobrica/Hyoka/internal/hyoka/metrics"
	"github.com/bdobrica/Hyoka/internal/hyoka/play"
	"github.com/bdobrica/Hyoka/internal/hyoka/store"
)

// App is the assembled bridge.
type App struct {
	config       *bridgecfg.Config
	store        *store.Store
	matrix       *matrix.Client
	gateway      *play.Gateway
	supervisor   *engine.Supervisor
	router       *commands.Router
	handlers     *commands.Handlers
	metrics      *metrics.Metrics
	healthServer *HealthServer
}

// New builds the bridge from its configuration.
func New(cfg *bridgecfg.Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	token, err := cfg.Matrix.ResolveAccessToken()
	if err != nil {
		st.Close()
		return nil, err
	}

	// Inject the DB so the client persists the sync token across restarts.
	slog.Info("connecting to Matrix", "homeserver", cfg.Matrix.Homeserver)
	matrixClient, err := matrix.New(&matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: token,
		AdminRooms:  cfg.Matrix.AdminRooms,
		DB:          st.DB(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	slog.Info("initializing Play publisher client", "credentials", cfg.Play.CredentialsFile)
	transport, err := play.NewTransport(context.Background(), cfg.Play.CredentialsFile)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Play transport: %w", err)
	}

	m := metrics.New()
	gateway := play.NewGateway(transport, play.GatewayConfig{
		MinCallSpacing: cfg.Play.MinCallSpacing.Std(),
		CallTimeout:    cfg.Play.CallTimeout.Std(),
		Metrics:        m,
	})

	sink := matrix.NewSink(matrixClient, gateway, st)

	supervisor := engine.NewSupervisor(engine.SupervisorConfig{
		Gateway: gateway,
		Index:   st,
		Sink:    sink,
		Metrics: m,
	})

	handlers := commands.NewHandlers(supervisor, st, matrixClient)

	router := commands.NewRouter("!")
	router.Register("help", handlers.HandleHelp)
	router.Register("version", handlers.HandleVersion)
	router.Register("ping", handlers.HandlePing)
	router.Register("addapp", handlers.HandleAddApp)
	router.Register("removeapp", handlers.HandleRemoveApp)
	router.Register("listapps", handlers.HandleListApps)
	router.Register("stats", handlers.HandleStats)
	router.Register("pause", handlers.HandlePause)
	router.Register("resume", handlers.HandleResume)
	router.Register("reply", handlers.HandleReply)

	var healthServer *HealthServer
	if cfg.HTTPAddr != "" {
		healthServer = NewHealthServer(cfg.HTTPAddr, st, supervisor)
		healthServer.Handle("/metrics", m.Handler())
		slog.Info("health server configured", "addr", cfg.HTTPAddr)
	}

	return &App{
		config:       cfg,
		store:        st,
		matrix:       matrixClient,
		gateway:      gateway,
		supervisor:   supervisor,
		router:       router,
		handlers:     handlers,
		metrics:      m,
		healthServer: healthServer,
	}, nil
}

// Run starts the bridge and blocks until an interrupt signal arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	a.supervisor.Start(ctx)

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	a.registerApps(ctx)

	for _, roomID := range a.config.Matrix.AdminRooms {
		a.matrix.SendNotice(roomID, "✅ Hyoka started. Type !help for commands.")
	}

	slog.Info("Hyoka is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// Stop drains and stops the bridge. Pollers finish their in-flight tick and
// the reply queue gets one final drain before the connections close.
func (a *App) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.supervisor.Shutdown(shutdownCtx)

	slog.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing database")
	a.store.Close()
}

// registerApps restores registrations from the config file and from the
// database. A single failing app is logged and skipped so one revoked
// package cannot keep the rest of the bridge down.
func (a *App) registerApps(ctx context.Context) {
	for _, app := range a.config.Apps {
		a.registerOne(ctx, engine.Registration{
			PackageName:       app.PackageName,
			RoomID:            app.RoomID,
			PollInterval:      app.PollInterval.Std(),
			MaxReviewsPerPoll: app.MaxReviewsPerPoll,
			LookbackDays:      app.LookbackDays,
			TranslationLang:   app.TranslationLang,
		}, true)
	}

	stored, err := a.store.ListApps(ctx)
	if err != nil {
		slog.Error("failed to list stored apps", "err", err)
		return
	}
	for _, app := range stored {
		if a.supervisor.Registered(app.PackageName) {
			continue
		}
		a.registerOne(ctx, engine.Registration{
			PackageName:       app.PackageName,
			RoomID:            app.RoomID,
			PollInterval:      app.PollInterval,
			MaxReviewsPerPoll: app.MaxReviewsPerPoll,
			LookbackDays:      app.LookbackDays,
		}, false)
	}
}

func (a *App) registerOne(ctx context.Context, reg engine.Registration, persist bool) {
	if err := a.matrix.JoinRoom(reg.RoomID); err != nil {
		slog.Error("failed to join review room", "package", reg.PackageName, "room", reg.RoomID, "err", err)
		return
	}
	if err := a.supervisor.Register(ctx, reg); err != nil {
		slog.Error("failed to register app", "package", reg.PackageName, "err", err)
		return
	}
	if persist {
		if err := a.store.SaveApp(ctx, &store.App{
			PackageName:       reg.PackageName,
			RoomID:            reg.RoomID,
			PollInterval:      reg.PollInterval,
			MaxReviewsPerPoll: reg.MaxReviewsPerPoll,
			LookbackDays:      reg.LookbackDays,
		}); err != nil {
			slog.Warn("failed to persist configured app", "package", reg.PackageName, "err", err)
		}
	}
}

// handleMessage processes incoming Matrix messages: rich replies to bridged
// review messages become queued developer replies, and admin-room messages
// are routed as commands.
func (a *App) handleMessage(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}

	// Enforce sender allowlist when configured.
	if len(a.config.Matrix.AdminUsers) > 0 {
		sender := evt.Sender.String()
		allowed := false
		for _, s := range a.config.Matrix.AdminUsers {
			if s == sender {
				allowed = true
				break
			}
		}
		if !allowed {
			return
		}
	}

	// Rich reply to a bridged review message → queue the reply to Play.
	if rel := msgContent.RelatesTo; rel != nil && rel.InReplyTo != nil {
		if a.handleRichReply(ctx, evt, rel.InReplyTo.EventID.String(), msgContent.Body) {
			return
		}
	}

	// Commands are accepted only in admin rooms.
	if !a.matrix.IsAdminRoom(evt.RoomID.String()) {
		return
	}

	response, err := a.router.Route(ctx, msgContent.Body, evt)
	if err != nil {
		if errors.Is(err, commands.ErrNotACommand) {
			// Ordinary chat message, ignore silently.
			return
		}
		a.matrix.ReplyToMessage(evt.RoomID.String(), evt.ID.String(), fmt.Sprintf("❌ Error: %s", err))
		return
	}

	// Send response through the formatted variant so Markdown syntax (bold,
	// code, etc.) is rendered by Matrix clients that support HTML messages.
	if response != "" {
		htmlBody := markdownToHTML(response)
		if _, err := a.matrix.SendFormattedMessage(evt.RoomID.String(), htmlBody, response); err != nil {
			slog.Error("failed to send response", "room", evt.RoomID.String(), "err", err)
		}
	}
}

// handleRichReply queues a developer reply when the replied-to event is a
// bridged review message. Returns true when the event was consumed.
func (a *App) handleRichReply(ctx context.Context, evt *event.Event, repliedTo, body string) bool {
	bridged, err := a.store.GetBridgedMessage(ctx, repliedTo)
	if err != nil {
		slog.Error("failed to look up bridged message", "event", repliedTo, "err", err)
		return false
	}
	if bridged == nil {
		return false
	}

	text := stripReplyFallback(body)
	if text == "" {
		a.matrix.ReplyToMessage(evt.RoomID.String(), evt.ID.String(), "❌ Empty reply text.")
		return true
	}

	err = a.supervisor.Queue().Enqueue(bridged.PackageName, bridged.ReviewID, text,
		evt.ID.String(), evt.RoomID.String(), evt.Sender.String())
	if err != nil {
		a.matrix.ReplyToMessage(evt.RoomID.String(), evt.ID.String(), fmt.Sprintf("❌ Error: %s", err))
		return true
	}

	a.matrix.SendNotice(evt.RoomID.String(),
		fmt.Sprintf("📤 Reply queued for review %s. You'll get a notice when it's posted.", bridged.ReviewID))
	return true
}

// stripReplyFallback removes the quoted-original fallback lines a Matrix
// client prepends to a rich reply body, leaving just the user's text.
func stripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
		i++
	}
	// One blank line separates the quote from the reply text.
	if i > 0 && i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n"))
}

// markdownToHTML converts the small subset of Markdown produced by the
// command handlers into HTML suitable for a Matrix m.text event with
// format=org.matrix.custom.html.
//
// Supported constructs (in order of processing):
//   - Inline code  `…`  → <code>…</code>
//   - Bold  **…**       → <strong>…</strong>
//   - Newlines          → <br/>
func markdownToHTML(md string) string {
	result := replaceDelimited(md, "`", "<code>", "</code>")
	result = replaceDelimited(result, "**", "<strong>", "</strong>")
	return strings.ReplaceAll(result, "\n", "<br/>")
}

// replaceDelimited replaces occurrences of delim…delim with open+content+close.
// Only complete pairs are replaced; an unmatched opener is left as-is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim) // absolute index of closing delim
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
