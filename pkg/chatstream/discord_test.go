package chatstream

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwatch/pkg/logger"
	"patchwatch/pkg/parser"
)

func newTestSource(t *testing.T, channels ...string) *DiscordSource {
	d, err := NewDiscordSource(Config{Token: "test", ChannelIDs: channels}, logger.NewNop())
	require.NoError(t, err)
	return d
}

func TestFromDiscord(t *testing.T) {
	ts := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	got := FromDiscord(&discordgo.Message{
		ID:        "1200000000000000000",
		ChannelID: "42",
		Content:   "hello",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "7", Bot: true},
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       "Valorant Patch Notes 9.01",
				Description: "BALANCE CHANGES:\n• Buffed agent X",
				URL:         "https://playvalorant.com",
				Author:      &discordgo.MessageEmbedAuthor{Name: "Valorant"},
				Fields:      []*discordgo.MessageEmbedField{{Name: "Fixes", Value: "- one"}, nil},
			},
			{Title: "ignored"},
		},
	})

	assert.Equal(t, parser.RawMessage{
		ID:          "1200000000000000000",
		ChannelID:   "42",
		AuthorID:    "7",
		AuthorIsBot: true,
		Timestamp:   ts,
		Content:     "hello",
		Embed: &parser.Embed{
			Title:       "Valorant Patch Notes 9.01",
			AuthorName:  "Valorant",
			Description: "BALANCE CHANGES:\n• Buffed agent X",
			URL:         "https://playvalorant.com",
			Fields:      []parser.EmbedField{{Name: "Fixes", Value: "- one"}},
		},
	}, got)
}

func TestFromDiscordWithoutAuthorOrEmbed(t *testing.T) {
	got := FromDiscord(&discordgo.Message{ID: SnowflakeAt(time.Unix(1700000000, 0)), Content: "x"})
	assert.Empty(t, got.AuthorID)
	assert.Nil(t, got.Embed)
	assert.Equal(t, int64(1700000000), got.Timestamp.Unix())
}

func TestSnowflakeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("snowflake time round-trips at millisecond precision", prop.ForAll(
		func(ms int64) bool {
			at := time.UnixMilli(ms)
			got, err := SnowflakeTime(SnowflakeAt(at))
			return err == nil && got.UnixMilli() == ms
		},
		gen.Int64Range(discordEpoch, discordEpoch+int64(20*365*24*time.Hour/time.Millisecond)),
	))

	properties.Property("later times give larger ids", prop.ForAll(
		func(ms, delta int64) bool {
			a := SnowflakeAt(time.UnixMilli(ms))
			b := SnowflakeAt(time.UnixMilli(ms + delta))
			return len(a) < len(b) || (len(a) == len(b) && a < b)
		},
		gen.Int64Range(discordEpoch+1000, discordEpoch+int64(10*365*24*time.Hour/time.Millisecond)),
		gen.Int64Range(1, 1000000),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestSnowflakeBeforeEpoch(t *testing.T) {
	assert.Equal(t, "0", SnowflakeAt(time.Unix(0, 0)))
}

func TestSessionHandlesEventsSynchronously(t *testing.T) {
	d := newTestSource(t, "watched")
	assert.True(t, d.session.SyncEvents)
	assert.Equal(t, discordgo.IntentGuildMessages|discordgo.IntentMessageContent, d.session.Identify.Intents)
}

func TestStopUnblocksPendingDelivery(t *testing.T) {
	d := newTestSource(t, "watched")
	d.messages = make(chan parser.RawMessage)

	done := make(chan struct{})
	go func() {
		d.deliver(context.Background(), &discordgo.Message{ID: "1", ChannelID: "watched"})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	d.stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver still blocked after stop")
	}
}

func TestDeliverFiltersChannels(t *testing.T) {
	d := newTestSource(t, "watched")
	d.messages = make(chan parser.RawMessage, 2)

	ctx := context.Background()
	d.deliver(ctx, &discordgo.Message{ID: "1", ChannelID: "other"})
	d.deliver(ctx, &discordgo.Message{ID: "2", ChannelID: "watched"})
	d.deliver(ctx, nil)

	require.Len(t, d.messages, 1)
	assert.Equal(t, "2", (<-d.messages).ID)
}

func TestDeliverAfterStopIsDropped(t *testing.T) {
	d := newTestSource(t, "watched")
	d.messages = make(chan parser.RawMessage, 1)
	d.stop()
	d.stop()

	assert.NotPanics(t, func() {
		d.deliver(context.Background(), &discordgo.Message{ID: "1", ChannelID: "watched"})
	})
}

func TestDeliverHonoursContext(t *testing.T) {
	d := newTestSource(t, "watched")
	d.messages = make(chan parser.RawMessage)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		d.deliver(ctx, &discordgo.Message{ID: "1", ChannelID: "watched"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deliver blocked on a cancelled context")
	}
}
