package parser

import "time"

// EmbedField is a single name/value pair of a rich embed.
type EmbedField struct {
	Name  string
	Value string
}

// Embed is the subset of a chat embed the parser reads. All fields are
// optional; an empty string means the platform did not send it.
type Embed struct {
	Title       string
	AuthorName  string
	Description string
	URL         string
	Fields      []EmbedField
}

// RawMessage is a chat message converted out of the platform SDK types.
type RawMessage struct {
	ID          string
	ChannelID   string
	AuthorID    string
	AuthorIsBot bool
	Timestamp   time.Time
	Content     string
	Embed       *Embed
}

// Section is one category of an update body with its bullets in order.
type Section struct {
	Category string   `json:"category"`
	Bullets  []string `json:"bullets"`
}

// ParsedUpdate is a candidate update extracted from a RawMessage.
type ParsedUpdate struct {
	MessageID    string
	ChannelID    string
	GameNameHint string
	Title        string
	Version      string // empty when the title carries no version
	Sections     []Section
	RawContent   string
	SourceURL    string
	Timestamp    time.Time
}

// Missing lists the fields whose absence makes the candidate incomplete.
func (p *ParsedUpdate) Missing() []string {
	var missing []string
	if p.GameNameHint == "" {
		missing = append(missing, "game_name")
	}
	if p.SourceURL == "" {
		missing = append(missing, "source_url")
	}
	return missing
}

// Incomplete reports whether the candidate is degraded.
func (p *ParsedUpdate) Incomplete() bool {
	return len(p.Missing()) > 0
}

// Content is the canonical text persisted for the update: the formatted
// sections, or the raw text when no section could be recognised.
func (p *ParsedUpdate) Content() string {
	if formatted := FormatContent(p.Sections); formatted != "" {
		return formatted
	}
	return p.RawContent
}

// Options configures which authors are trusted as update sources.
type Options struct {
	authorized map[string]struct{}
}

// NewOptions trusts exactly the given author ids. Names are never consulted.
func NewOptions(authorIDs ...string) Options {
	set := make(map[string]struct{}, len(authorIDs))
	for _, id := range authorIDs {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return Options{authorized: set}
}

// Authorized reports whether id is a trusted update source.
func (o Options) Authorized(id string) bool {
	_, ok := o.authorized[id]
	return ok
}
