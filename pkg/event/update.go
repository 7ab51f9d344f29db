package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"patchwatch/pkg/parser"
)

// SourceDiscord tags events produced by the Discord watcher.
const SourceDiscord = "discord"

// UpdateEvent is the envelope published on the updates topic. It is the only
// contract shared between the watcher and the syncer.
type UpdateEvent struct {
	GameName   string    `json:"gameName"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	SourceURL  string    `json:"sourceUrl"`
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version,omitempty"`
	RawContent string    `json:"rawContent,omitempty"`
	Source     string    `json:"source"`
}

var (
	ErrMissingGameName = errors.New("event: missing gameName")
	ErrMissingContent  = errors.New("event: missing content")
)

// FromParsed builds the envelope for a candidate update. A zero message
// timestamp is replaced by now.
func FromParsed(p *parser.ParsedUpdate, now time.Time) UpdateEvent {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return UpdateEvent{
		GameName:   p.GameNameHint,
		Title:      p.Title,
		Content:    p.Content(),
		SourceURL:  p.SourceURL,
		Timestamp:  ts.UTC(),
		Version:    p.Version,
		RawContent: p.RawContent,
		Source:     SourceDiscord,
	}
}

// Key is the partition key: all events of one game share a partition.
func (e UpdateEvent) Key() []byte {
	return []byte(e.GameName)
}

// Encode serializes the envelope. time.Time marshals as RFC 3339, which is
// the ISO-8601 profile the wire contract requires.
func Encode(e UpdateEvent) ([]byte, error) {
	return json.Marshal(e)
}

// Decode deserializes and validates an envelope.
func Decode(data []byte) (UpdateEvent, error) {
	var e UpdateEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return UpdateEvent{}, fmt.Errorf("failed to unmarshal update envelope: %w", err)
	}

	e.GameName = strings.TrimSpace(e.GameName)
	if e.GameName == "" {
		return UpdateEvent{}, ErrMissingGameName
	}
	if strings.TrimSpace(e.Content) == "" {
		return UpdateEvent{}, ErrMissingContent
	}
	if e.Source == "" {
		e.Source = SourceDiscord
	}
	return e, nil
}
