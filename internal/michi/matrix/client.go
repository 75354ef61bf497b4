// Package matrix connects the command pipeline to Matrix rooms with
// mautrix-go.
//
// The client joins the configured rooms, hands every plain-text message from
// another user to a Handler and posts the handler's answer as a reply to the
// original event. Handlers run off the sync loop so a long-running action
// never stalls it. Messages from one sender are handled in the order they
// arrived; only those matching the Bypass predicate, such as "pause" typed
// while a deploy is running, skip the line.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/michi/common/retry"
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string   `koanf:"homeserver"`
	UserID      string   `koanf:"user_id"`
	AccessToken string   `koanf:"access_token"`
	Rooms       []string `koanf:"rooms"` // empty accepts every joined room
}

// Enabled reports whether enough is configured to connect.
func (c Config) Enabled() bool {
	return c.Homeserver != "" && c.UserID != "" && c.AccessToken != ""
}

// Message is an incoming text message.
type Message struct {
	RoomID  string
	EventID string
	Sender  string
	Body    string
}

// Handler processes a message and returns the reply text. An empty reply
// sends nothing.
type Handler func(ctx context.Context, msg Message) string

const (
	backoffMin = 2 * time.Second
	backoffMax = 5 * time.Minute
)

// Client is the bot-side Matrix client.
type Client struct {
	mxc    *mautrix.Client
	cfg    Config
	rooms  map[string]bool
	logger *slog.Logger
	wg     sync.WaitGroup
	queue  *senderQueue
}

// New creates a client but does not connect. A non-nil db persists the sync
// position across restarts.
func New(cfg Config, db *sql.DB, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if db != nil {
		mxc.Store = NewDBSyncStore(db)
	} else {
		logger.Warn("matrix: no database configured, room history will replay on restart")
	}
	rooms := make(map[string]bool, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		rooms[r] = true
	}
	c := &Client{mxc: mxc, cfg: cfg, rooms: rooms, logger: logger}
	c.queue = newSenderQueue(&c.wg)
	return c, nil
}

// Bypass sets the predicate for message bodies that may run ahead of the
// sender's earlier messages.
func (c *Client) Bypass(fn func(body string) bool) { c.queue.setBypass(fn) }

// Run joins the rooms and syncs until ctx is cancelled, reconnecting with
// exponential back-off. It waits for in-flight handlers before returning.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	c.logger.Warn("matrix: E2EE is not enabled; messages are in plaintext")

	syncer, ok := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		msg, ok := c.accept(evt)
		if !ok {
			return
		}
		c.queue.submit(msg, func() { c.handle(ctx, msg, handler) })
	})

	for _, room := range c.cfg.Rooms {
		if err := c.join(ctx, id.RoomID(room)); err != nil {
			return fmt.Errorf("join room %s: %w", room, err)
		}
	}

	defer c.wg.Wait()
	backoff := backoffMin
	for {
		err := c.mxc.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		c.logger.Error("matrix: sync stopped, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// accept filters the events the bot answers: text messages from someone
// else, in a configured room.
func (c *Client) accept(evt *event.Event) (Message, bool) {
	if evt.Sender == id.UserID(c.cfg.UserID) {
		return Message{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return Message{}, false
	}
	if len(c.rooms) > 0 && !c.rooms[evt.RoomID.String()] {
		return Message{}, false
	}
	body := strings.TrimSpace(content.Body)
	if body == "" {
		return Message{}, false
	}
	return Message{
		RoomID:  evt.RoomID.String(),
		EventID: evt.ID.String(),
		Sender:  evt.Sender.String(),
		Body:    body,
	}, true
}

func (c *Client) handle(ctx context.Context, msg Message, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("matrix: handler panicked", "room", msg.RoomID, "panic", r)
		}
	}()
	reply := handler(ctx, msg)
	if reply == "" {
		return
	}
	if err := c.Reply(ctx, msg.RoomID, msg.EventID, reply); err != nil {
		c.logger.Error("matrix: failed to send reply", "room", msg.RoomID, "err", err)
	}
}

// Reply posts text in roomID as a reply to eventID, retrying transient
// failures.
func (c *Client) Reply(ctx context.Context, roomID, eventID, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if eventID != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		}
	}
	return retry.Do(ctx, retry.DefaultConfig, func(ctx context.Context) error {
		_, err := c.mxc.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content)
		if errors.Is(err, mautrix.MForbidden) {
			return retry.Permanent(err)
		}
		return err
	})
}

// join joins a room. M_FORBIDDEN usually means the bot is already a member.
func (c *Client) join(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mxc.JoinRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			c.logger.Warn("matrix: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// UserID returns the bot's Matrix user ID.
func (c *Client) UserID() string { return c.cfg.UserID }
