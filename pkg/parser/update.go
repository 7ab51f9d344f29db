package parser

import (
	"regexp"
	"strings"
)

var (
	keywords = []string{"update", "patch", "release", "version", "notes"}

	gameNameRe = regexp.MustCompile(`(?i)^(.*?)\s*\b(?:update|patch|release|version|notes)\b`)
	versionRe  = regexp.MustCompile(`(?i)(?:update|patch(?:\s+notes)?)\s*v?([\d.]+)`)
	urlRe      = regexp.MustCompile(`https?://[^\s<>()\[\]"']+`)
	headingRe  = regexp.MustCompile(`^#{1,3}\s+(.+)$`)
	promoRe    = regexp.MustCompile(`(?i)\bgift\b.*\bpremium\b`)
)

const defaultCategory = "General"

// Parse decides whether msg documents a release and, if so, extracts a
// candidate update. It returns nil for anything that is not an update and
// never fails on malformed input.
func Parse(msg RawMessage, opts Options) *ParsedUpdate {
	if !opts.Authorized(msg.AuthorID) {
		return nil
	}
	if msg.Embed != nil && !emptyEmbed(msg.Embed) {
		return parseEmbed(msg)
	}
	return parsePlain(msg)
}

func parseEmbed(msg RawMessage) *ParsedUpdate {
	e := msg.Embed
	if !hasKeyword(e.Title) && !hasKeyword(msg.Content) {
		return nil
	}

	title := cleanLine(e.Title)
	if title == "" {
		title = firstLine(msg.Content)
	}

	gameName := strings.TrimSpace(e.AuthorName)
	if gameName == "" {
		gameName = ExtractGameName(title)
	}

	sections := ParseSections(e.Description)
	sections = append(sections, fieldSections(e.Fields)...)

	raw := embedText(msg)
	sourceURL := strings.TrimSpace(e.URL)
	if sourceURL == "" {
		sourceURL = FirstURL(raw)
	}

	return &ParsedUpdate{
		MessageID:    msg.ID,
		ChannelID:    msg.ChannelID,
		GameNameHint: gameName,
		Title:        title,
		Version:      ExtractVersion(title),
		Sections:     sections,
		RawContent:   raw,
		SourceURL:    sourceURL,
		Timestamp:    msg.Timestamp,
	}
}

func parsePlain(msg RawMessage) *ParsedUpdate {
	if !hasKeyword(msg.Content) {
		return nil
	}

	title, body := splitTitle(msg.Content)
	return &ParsedUpdate{
		MessageID:    msg.ID,
		ChannelID:    msg.ChannelID,
		GameNameHint: ExtractGameName(title),
		Title:        title,
		Version:      ExtractVersion(title),
		Sections:     ParseSections(body),
		RawContent:   msg.Content,
		SourceURL:    FirstURL(msg.Content),
		Timestamp:    msg.Timestamp,
	}
}

// ExtractGameName returns the text before the first release keyword in title.
func ExtractGameName(title string) string {
	m := gameNameRe.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	return strings.Trim(m[1], " \t-–—:|*_")
}

// ExtractVersion returns the version number following "Update" or "Patch
// (Notes)" in title, or "" when there is none.
func ExtractVersion(title string) string {
	m := versionRe.FindStringSubmatch(title)
	if m == nil {
		return ""
	}
	return strings.Trim(m[1], ".")
}

// FirstURL returns the first http(s) link in text, or "".
func FirstURL(text string) string {
	return strings.TrimRight(urlRe.FindString(text), ".,;:!?*_`")
}

// ParseSections splits a body into categories and their bullets.
func ParseSections(body string) []Section {
	var (
		sections []Section
		current  *Section
	)
	flush := func() {
		if current != nil && len(current.Bullets) > 0 {
			sections = append(sections, *current)
		}
		current = nil
	}

	for _, rawLine := range strings.Split(body, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || promoRe.MatchString(line) {
			continue
		}

		if bullet, ok := bulletText(line); ok {
			if current == nil {
				current = &Section{Category: defaultCategory}
			}
			if bullet != "" {
				current.Bullets = append(current.Bullets, bullet)
			}
			continue
		}

		if category, ok := headerText(line); ok {
			flush()
			current = &Section{Category: category}
			continue
		}

		if current != nil {
			current.Bullets = append(current.Bullets, line)
		}
	}
	flush()

	return sections
}

// Flatten returns all bullets of sections in order.
func Flatten(sections []Section) []string {
	var out []string
	for _, s := range sections {
		out = append(out, s.Bullets...)
	}
	return out
}

// FormatContent renders sections back into the "Category:\n• bullet" form.
func FormatContent(sections []Section) string {
	var b strings.Builder
	for i, s := range sections {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(s.Category)
		b.WriteString(":\n")
		for _, bullet := range s.Bullets {
			b.WriteString("• ")
			b.WriteString(bullet)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func fieldSections(fields []EmbedField) []Section {
	var sections []Section
	for _, f := range fields {
		category := cleanLine(f.Name)
		if category == "" {
			continue
		}
		s := Section{Category: strings.TrimSuffix(category, ":")}
		for _, rawLine := range strings.Split(f.Value, "\n") {
			line := strings.TrimSpace(rawLine)
			if line == "" || promoRe.MatchString(line) {
				continue
			}
			if bullet, ok := bulletText(line); ok {
				line = bullet
			}
			if line != "" {
				s.Bullets = append(s.Bullets, line)
			}
		}
		if len(s.Bullets) > 0 {
			sections = append(sections, s)
		}
	}
	return sections
}

func bulletText(line string) (string, bool) {
	for _, marker := range []string{"•", "-"} {
		if strings.HasPrefix(line, marker) {
			return strings.TrimSpace(strings.TrimPrefix(line, marker)), true
		}
	}
	return "", false
}

func headerText(line string) (string, bool) {
	if m := headingRe.FindStringSubmatch(line); m != nil {
		return strings.TrimSuffix(cleanLine(m[1]), ":"), true
	}

	stripped := stripEmphasis(line)
	if strings.HasSuffix(stripped, ":") {
		return strings.TrimSpace(strings.TrimSuffix(stripped, ":")), true
	}
	if isAllCaps(stripped) {
		return stripped, true
	}
	return "", false
}

func isAllCaps(s string) bool {
	return strings.ToUpper(s) == s && strings.ToLower(s) != s
}

func hasKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func emptyEmbed(e *Embed) bool {
	return e.Title == "" && e.Description == "" && e.AuthorName == "" && len(e.Fields) == 0
}

// splitTitle returns the first non-empty line as the title and the rest as body.
func splitTitle(content string) (string, string) {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if title := cleanLine(line); title != "" {
			return title, strings.Join(lines[i+1:], "\n")
		}
	}
	return "", ""
}

func firstLine(content string) string {
	title, _ := splitTitle(content)
	return title
}

func cleanLine(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "#")
	return stripEmphasis(strings.TrimSpace(line))
}

func stripEmphasis(line string) string {
	for _, mark := range []string{"**", "__"} {
		if strings.HasPrefix(line, mark) && strings.HasSuffix(line, mark) && len(line) > 2*len(mark) {
			line = strings.TrimSpace(line[len(mark) : len(line)-len(mark)])
		}
	}
	return line
}

func embedText(msg RawMessage) string {
	e := msg.Embed
	parts := []string{msg.Content, e.Title, e.Description}
	for _, f := range e.Fields {
		parts = append(parts, f.Name, f.Value)
	}

	var b strings.Builder
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p)
	}
	return b.String()
}
