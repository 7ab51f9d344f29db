package chatstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"patchwatch/pkg/logger"
	"patchwatch/pkg/parser"
)

// MaxPageSize is the largest history page the Discord API returns.
const MaxPageSize = 100

// discordEpoch is the first second of 2015 in Unix milliseconds.
const discordEpoch = 1420070400000

var ErrAlreadyWatching = errors.New("chatstream: already watching")

// Source defines the interface for reading messages from a chat platform
type Source interface {
	// Watch streams new messages from the configured channels until ctx is
	// done. Both channels are closed when the stream ends.
	Watch(ctx context.Context) (<-chan parser.RawMessage, <-chan error)

	// History returns up to limit messages of channelID older than beforeID,
	// newest first. An empty beforeID starts from the latest message.
	History(ctx context.Context, channelID, beforeID string, limit int) ([]parser.RawMessage, error)

	Close() error
}

// Config configures the Discord connection.
type Config struct {
	Token          string
	ChannelIDs     []string
	RequestTimeout time.Duration
}

// DiscordSource implements Source on a discordgo session.
type DiscordSource struct {
	session  *discordgo.Session
	channels map[string]struct{}
	logger   *logger.Logger

	mu       sync.RWMutex
	watching bool
	closed   bool
	messages chan parser.RawMessage
	remove   func()

	quit     chan struct{}
	quitOnce sync.Once
}

// NewDiscordSource creates a bot session. The gateway is not opened until
// Watch is called, so History works on its own.
func NewDiscordSource(cfg Config, l *logger.Logger) (*DiscordSource, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentMessageContent
	// Handlers run on the gateway reader, one event at a time, so messages
	// of a channel arrive in order and a slow consumer slows the reader.
	session.SyncEvents = true
	if cfg.RequestTimeout > 0 {
		session.Client.Timeout = cfg.RequestTimeout
	}

	channels := make(map[string]struct{}, len(cfg.ChannelIDs))
	for _, id := range cfg.ChannelIDs {
		channels[id] = struct{}{}
	}

	return &DiscordSource{
		session:  session,
		channels: channels,
		logger:   l.Named("discord"),
		quit:     make(chan struct{}),
	}, nil
}

// Watch opens the gateway and forwards every message created in a watched
// channel.
func (d *DiscordSource) Watch(ctx context.Context) (<-chan parser.RawMessage, <-chan error) {
	errChan := make(chan error, 1)

	d.mu.Lock()
	if d.watching {
		d.mu.Unlock()
		errChan <- ErrAlreadyWatching
		close(errChan)
		closed := make(chan parser.RawMessage)
		close(closed)
		return closed, errChan
	}
	d.watching = true
	d.messages = make(chan parser.RawMessage)
	d.remove = d.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		d.deliver(ctx, m.Message)
	})
	messages := d.messages
	d.mu.Unlock()

	if err := d.session.Open(); err != nil {
		errChan <- fmt.Errorf("failed to open discord gateway: %w", err)
		d.stop()
		close(errChan)
		return messages, errChan
	}
	d.logger.Info("discord gateway connected", zap.Int("channels", len(d.channels)))

	go func() {
		defer close(errChan)
		<-ctx.Done()
		d.stop()
	}()

	return messages, errChan
}

// deliver forwards m unless it belongs to an unwatched channel. It blocks
// until the consumer takes the message, ctx ends or the source stops.
func (d *DiscordSource) deliver(ctx context.Context, m *discordgo.Message) {
	if m == nil || !d.Watched(m.ChannelID) {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.messages == nil {
		return
	}

	select {
	case d.messages <- FromDiscord(m):
	case <-ctx.Done():
	case <-d.quit:
	}
}

// Watched reports whether channelID is one of the configured channels.
func (d *DiscordSource) Watched(channelID string) bool {
	_, ok := d.channels[channelID]
	return ok
}

func (d *DiscordSource) stop() {
	d.quitOnce.Do(func() { close(d.quit) })

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.remove != nil {
		d.remove()
	}
	if d.messages != nil {
		close(d.messages)
	}
}

func (d *DiscordSource) History(ctx context.Context, channelID, beforeID string, limit int) ([]parser.RawMessage, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	msgs, err := d.session.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history of channel %s: %w", channelID, err)
	}

	out := make([]parser.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromDiscord(m))
	}
	return out, nil
}

// Close gracefully shuts down the session
func (d *DiscordSource) Close() error {
	d.stop()
	return d.session.Close()
}

// FromDiscord converts a discordgo message. Only the first embed is kept.
func FromDiscord(m *discordgo.Message) parser.RawMessage {
	msg := parser.RawMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Timestamp: m.Timestamp,
		Content:   m.Content,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorIsBot = m.Author.Bot
	}
	if msg.Timestamp.IsZero() {
		if ts, err := SnowflakeTime(m.ID); err == nil {
			msg.Timestamp = ts
		}
	}

	if len(m.Embeds) > 0 && m.Embeds[0] != nil {
		e := m.Embeds[0]
		embed := &parser.Embed{
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
		}
		if e.Author != nil {
			embed.AuthorName = e.Author.Name
		}
		for _, f := range e.Fields {
			if f == nil {
				continue
			}
			embed.Fields = append(embed.Fields, parser.EmbedField{Name: f.Name, Value: f.Value})
		}
		msg.Embed = embed
	}
	return msg
}

// SnowflakeAt returns the smallest message id created at t. Paging "before"
// it yields messages strictly older than t.
func SnowflakeAt(t time.Time) string {
	ms := t.UnixMilli() - discordEpoch
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatInt(ms<<22, 10)
}

// SnowflakeTime returns the creation time encoded in a message id.
func SnowflakeTime(id string) (time.Time, error) {
	return discordgo.SnowflakeTimestamp(id)
}
