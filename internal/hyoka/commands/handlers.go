package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/Hyoka/common/trace"
	"github.com/bdobrica/Hyoka/common/version"
	"github.com/bdobrica/Hyoka/internal/hyoka/engine"
	"github.com/bdobrica/Hyoka/internal/hyoka/store"
)

// RoomJoiner joins the bridge bot into a room. Satisfied by the Matrix client.
type RoomJoiner interface {
	JoinRoom(roomID string) error
}

// Handlers holds all command handlers and their dependencies.
type Handlers struct {
	supervisor *engine.Supervisor
	store      *store.Store
	rooms      RoomJoiner
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sup *engine.Supervisor, st *store.Store, rooms RoomJoiner) *Handlers {
	return &Handlers{supervisor: sup, store: st, rooms: rooms}
}

// HandleHelp shows available commands.
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	help := `**Hyoka - Google Play reviews bridge**

**App Commands:**
• !addapp <package> <room_id> [--interval 5m] [--max 100] [--lookback 7] [--lang en] - Bridge an app's reviews into a room
• !removeapp <package> - Stop bridging an app
• !listapps - List bridged apps

**Reply Commands:**
• !reply <review_id> <text> - Queue a developer reply to a review
  (or reply to a bridged review message directly in its room)

**Control Commands:**
• !pause - Stop polling for all apps (queued replies keep draining)
• !resume - Resume polling from where it left off
• !stats [package] - Per-app counters and reply queue depth

**General Commands:**
• !help - Show this help message
• !version - Show version information
• !ping - Health check
`
	return help, nil
}

// HandleVersion shows version information.
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("**Hyoka**\nVersion: %s\nCommit: %s\nBuild Time: %s",
		version.Version, version.GitCommit, version.BuildTime), nil
}

// HandlePing responds with a health check.
func (h *Handlers) HandlePing(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("🏓 Pong! (trace: %s)", trace.GenerateID()), nil
}

// HandleAddApp registers a package and binds it to a review room.
//
// Usage: !addapp <package> <room_id> [--interval 5m] [--max 100] [--lookback 7] [--lang en]
func (h *Handlers) HandleAddApp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	packageName, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: !addapp <package> <room_id> [--interval 5m] [--max 100] [--lookback 7] [--lang en]")
	}
	roomID, ok := cmd.GetArg(1)
	if !ok {
		return "", fmt.Errorf("usage: !addapp <package> <room_id> [--interval 5m] [--max 100] [--lookback 7] [--lang en]")
	}
	if err := validatePackageName(packageName); err != nil {
		return "", err
	}
	if !strings.HasPrefix(roomID, "!") {
		return "", fmt.Errorf("room ID %q is invalid: must start with '!'", roomID)
	}

	reg := engine.Registration{
		PackageName:     packageName,
		RoomID:          roomID,
		TranslationLang: cmd.GetFlag("lang", ""),
	}
	if v := cmd.GetFlag("interval", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return "", fmt.Errorf("invalid --interval %q: %w", v, err)
		}
		reg.PollInterval = d
	}
	if v := cmd.GetFlag("max", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", fmt.Errorf("invalid --max %q: %w", v, err)
		}
		reg.MaxReviewsPerPoll = n
	}
	if v := cmd.GetFlag("lookback", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", fmt.Errorf("invalid --lookback %q: %w", v, err)
		}
		reg.LookbackDays = n
	}

	if err := h.rooms.JoinRoom(roomID); err != nil {
		return "", fmt.Errorf("failed to join room %s: %w", roomID, err)
	}

	if err := h.supervisor.Register(ctx, reg); err != nil {
		return "", err
	}

	// Persist so the registration survives a restart. The supervisor entry is
	// authoritative for this run; a failed save only costs durability.
	if err := h.store.SaveApp(ctx, &store.App{
		PackageName:       packageName,
		RoomID:            roomID,
		PollInterval:      reg.PollInterval,
		MaxReviewsPerPoll: reg.MaxReviewsPerPoll,
		LookbackDays:      reg.LookbackDays,
	}); err != nil {
		return "", fmt.Errorf("registered, but failed to persist app: %w", err)
	}

	return fmt.Sprintf("✅ Bridging reviews for **%s** into %s.", packageName, roomID), nil
}

// HandleRemoveApp unregisters a package and removes its stored registration.
func (h *Handlers) HandleRemoveApp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	packageName, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: !removeapp <package>")
	}

	if err := h.supervisor.Unregister(packageName); err != nil {
		return "", err
	}
	if err := h.store.DeleteApp(ctx, packageName); err != nil {
		return "", fmt.Errorf("unregistered, but failed to delete stored app: %w", err)
	}

	return fmt.Sprintf("✅ Stopped bridging **%s**.", packageName), nil
}

// HandleListApps lists the bridged apps and their polling parameters.
func (h *Handlers) HandleListApps(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	regs := h.supervisor.Registrations()
	if len(regs) == 0 {
		return "No apps bridged. Add one with:\n!addapp <package> <room_id>", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Bridged apps (%d)**\n\n", len(regs)))
	for _, reg := range regs {
		sb.WriteString(fmt.Sprintf("• **%s** → %s\n", reg.PackageName, reg.RoomID))
		sb.WriteString(fmt.Sprintf("  interval %s, max %d/poll, lookback %dd\n",
			reg.PollInterval, reg.MaxReviewsPerPoll, reg.LookbackDays))
	}
	if h.supervisor.Paused() {
		sb.WriteString("\n⏸️ Polling is paused.")
	}
	return sb.String(), nil
}

// HandleStats shows per-app counters and the reply queue depth. With a
// package argument it shows that app only.
func (h *Handlers) HandleStats(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	stats := h.supervisor.Stats()

	if only, ok := cmd.GetArg(0); ok {
		s, ok := stats[only]
		if !ok {
			return "", fmt.Errorf("no statistics for package %q", only)
		}
		stats = map[string]engine.StatsSnapshot{only: s}
	}

	var sb strings.Builder
	sb.WriteString("**Bridge statistics**\n\n")

	if len(stats) == 0 {
		sb.WriteString("No activity yet.\n")
	} else {
		pkgs := make([]string, 0, len(stats))
		for pkg := range stats {
			pkgs = append(pkgs, pkg)
		}
		sort.Strings(pkgs)

		for _, pkg := range pkgs {
			s := stats[pkg]
			sb.WriteString(fmt.Sprintf("**%s**\n", pkg))
			sb.WriteString(fmt.Sprintf("  processed %d (new %d, updated %d)\n",
				s.TotalProcessed, s.NewReviews, s.UpdatedReviews))
			sb.WriteString(fmt.Sprintf("  replies sent %d, errors %d\n", s.RepliesSent, s.Errors))
			if !s.LastPollAt.IsZero() {
				sb.WriteString(fmt.Sprintf("  last poll %s\n", s.LastPollAt.UTC().Format(time.RFC3339)))
			}
		}
	}

	sb.WriteString(fmt.Sprintf("\nReply queue depth: %d", h.supervisor.QueueDepth()))
	if h.supervisor.Paused() {
		sb.WriteString("\n⏸️ Polling is paused.")
	}
	return sb.String(), nil
}

// HandlePause stops polling for all apps. Queued replies keep draining.
func (h *Handlers) HandlePause(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	if h.supervisor.Paused() {
		return "Polling is already paused.", nil
	}
	h.supervisor.Pause()
	return "⏸️ Polling paused. Watermarks are retained; !resume picks up where polling stopped.", nil
}

// HandleResume restarts polling from the retained watermarks.
func (h *Handlers) HandleResume(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	if !h.supervisor.Paused() {
		return "Polling is not paused.", nil
	}
	h.supervisor.Resume(ctx)
	return "▶️ Polling resumed.", nil
}

// HandleReply queues a developer reply by review ID.
//
// Usage: !reply <review_id> <text>
func (h *Handlers) HandleReply(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	reviewID, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: !reply <review_id> <text>")
	}
	text := cmd.ArgsAfter(1)
	if text == "" {
		return "", fmt.Errorf("usage: !reply <review_id> <text>")
	}

	entry, err := h.store.GetReview(ctx, reviewID)
	if err != nil {
		return "", fmt.Errorf("failed to look up review: %w", err)
	}
	if entry == nil {
		return "", fmt.Errorf("unknown review ID %q: only reviews the bridge has seen can be replied to", reviewID)
	}

	if err := h.supervisor.Queue().Enqueue(entry.PackageName, reviewID, text,
		evt.ID.String(), evt.RoomID.String(), evt.Sender.String()); err != nil {
		return "", err
	}

	return fmt.Sprintf("📤 Reply queued for review `%s` (%s). You'll get a notice when it's posted.",
		reviewID, entry.PackageName), nil
}

// validatePackageName enforces the reverse-DNS shape of Android package names.
func validatePackageName(pkg string) error {
	if pkg == "" {
		return fmt.Errorf("package name must not be empty")
	}
	parts := strings.Split(pkg, ".")
	if len(parts) < 2 {
		return fmt.Errorf("package name %q is invalid: expected reverse-DNS form like com.example.app", pkg)
	}
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("package name %q is invalid: empty segment", pkg)
		}
		for _, r := range part {
			valid := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_'
			if !valid {
				return fmt.Errorf("package name %q is invalid: bad character %q", pkg, r)
			}
		}
	}
	return nil
}
