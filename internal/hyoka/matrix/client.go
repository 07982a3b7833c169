// Package matrix provides the Matrix side of the bridge: the homeserver
// client, the persistent sync store, review formatting, and the sink the
// engine delivers into.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AdminRooms are the rooms where the bridge accepts commands. Review
	// rooms are configured per app and joined on registration.
	AdminRooms []string
	// DB is an optional SQLite connection used to persist the Matrix sync
	// token (next_batch) across restarts. When nil, an in-memory store is
	// used and all room history will be replayed on every restart.
	DB *sql.DB
}

// Client wraps the mautrix client.
type Client struct {
	client     *mautrix.Client
	config     *Config
	stopCh     chan struct{}
	msgHandler MessageHandler
}

// MessageHandler processes incoming Matrix messages.
type MessageHandler func(ctx context.Context, evt *event.Event)

// New creates a new Matrix client.
func New(config *Config) (*Client, error) {
	client, err := mautrix.NewClient(config.Homeserver, id.UserID(config.UserID), config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}

	c := &Client{
		client: client,
		config: config,
		stopCh: make(chan struct{}),
	}

	// Attach a persistent sync store so the bridge resumes from the last
	// known position after a restart instead of replaying room history and
	// re-queueing replies that were already posted.
	if config.DB != nil {
		client.Store = newDBSyncStore(config.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, using in-memory store (history will replay on restart)")
	}

	return c, nil
}

// Start begins syncing with the Matrix homeserver.
func (c *Client) Start(ctx context.Context, handler MessageHandler) error {
	c.msgHandler = handler

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.config.AdminRooms {
		if err := c.JoinRoom(roomID); err != nil {
			return fmt.Errorf("failed to join admin room %s: %w", roomID, err)
		}
	}

	// Start syncing in background with exponential back-off reconnection.
	// Without retries a transient homeserver error would silently kill the
	// sync goroutine and leave the bridge deaf to commands and replies.
	go func() {
		backoff := syncBackoffMin
		for {
			start := time.Now()
			if err := c.client.Sync(); err != nil {
				select {
				case <-c.stopCh:
					return
				default:
				}
				wait, next := syncReconnectDelay(backoff, time.Since(start))
				slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", wait)
				select {
				case <-c.stopCh:
					return
				case <-time.After(wait):
				}
				backoff = next
				continue
			}
			// Sync returned nil; only happens on a clean StopSync() call.
			return
		}
	}()

	return nil
}

const (
	syncBackoffMin  = 2 * time.Second
	syncBackoffMax  = 5 * time.Minute
	syncHealthySpan = time.Minute
)

// syncReconnectDelay returns the delay before the next reconnect attempt and
// the ramp value to carry into the following failure. A connection that held
// for syncHealthySpan restarts the ramp from the floor instead of compounding
// failures that are no longer related.
func syncReconnectDelay(prev, connectedFor time.Duration) (wait, next time.Duration) {
	wait = prev
	if connectedFor > syncHealthySpan {
		wait = syncBackoffMin
	}
	next = wait * 2
	if next > syncBackoffMax {
		next = syncBackoffMax
	}
	return wait, next
}

// Stop stops the Matrix client.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// SendMessage sends a plain text message to a room.
func (c *Client) SendMessage(roomID, message string) error {
	_, err := c.client.SendText(context.Background(), id.RoomID(roomID), message)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendFormattedMessage sends an HTML message with a plain text fallback and
// returns the event ID of the sent message.
func (c *Client) SendFormattedMessage(roomID, html, plaintext string) (string, error) {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          plaintext,
		Format:        event.FormatHTML,
		FormattedBody: html,
	}

	resp, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("failed to send formatted message: %w", err)
	}
	return resp.EventID.String(), nil
}

// ReplyToMessage sends a reply relating to a specific message.
func (c *Client) ReplyToMessage(roomID, eventID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{
				EventID: id.EventID(eventID),
			},
		},
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// SendNotice sends a notice message (less intrusive than normal messages).
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}

	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("failed to send notice: %w", err)
	}
	return nil
}

// JoinRoom joins a room, tolerating the already-a-member case.
func (c *Client) JoinRoom(roomID string) error {
	_, err := c.client.JoinRoomByID(context.Background(), id.RoomID(roomID))
	if err != nil {
		// M_FORBIDDEN is returned by homeservers when the bot is already a
		// member of the room. Use mautrix's typed error check instead of
		// string matching.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("JoinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// IsAdminRoom checks if a room is configured as an admin room.
func (c *Client) IsAdminRoom(roomID string) bool {
	for _, adminRoom := range c.config.AdminRooms {
		if adminRoom == roomID {
			return true
		}
	}
	return false
}

// GetUserID returns the client's user ID.
func (c *Client) GetUserID() string {
	return c.config.UserID
}

// handleMessage filters incoming events down to foreign text messages and
// hands them to the registered handler. Unlike a pure command bot, messages
// from review rooms are passed through too: a rich reply in a review room is
// how developers answer a review.
func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}

	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}

	if c.msgHandler != nil {
		c.msgHandler(ctx, evt)
	}
}
