package transcode

import (
	"regexp"
	"strings"

	"github.com/zgate-proxy/zgate/internal/config"
)

var (
	summaryBlockRegex = regexp.MustCompile(`(?s)<summary>.*?</summary>`)
	detailsOpenRegex  = regexp.MustCompile(`<details[^>]*>`)
	detailsCloseRegex = regexp.MustCompile(`(?i)</details\s*>`)
)

// strayTagReplacer removes orphan tags left behind when a block spans event
// boundaries.
var strayTagReplacer = strings.NewReplacer(
	"<summary>", "",
	"</summary>", "",
	"</thinking>", "",
)

// FilterThinking cleans one thinking-phase text fragment: summary blocks and
// stray tags are stripped, <details> wrappers are rewritten per the
// configured mode, and leading "> " quote markers are removed per line.
// The filter is idempotent on text already free of these artifacts.
func FilterThinking(s, mode string) string {
	s = summaryBlockRegex.ReplaceAllString(s, "")
	s = strayTagReplacer.Replace(s)

	switch mode {
	case config.ThinkTagsStrip:
		s = detailsOpenRegex.ReplaceAllString(s, "")
		s = detailsCloseRegex.ReplaceAllString(s, "")
	case config.ThinkTagsRaw:
		// Tags pass through unchanged.
	default:
		// config.ThinkTagsThink
		s = detailsOpenRegex.ReplaceAllString(s, "<thinking>")
		s = detailsCloseRegex.ReplaceAllString(s, "</thinking>")
	}

	s = strings.ReplaceAll(s, "\n> ", "\n")
	s = strings.TrimPrefix(s, "> ")
	return s
}
