// Package classifier splits raw model output into typed content blocks.
//
// Classification is two-pass. Fenced code blocks are resolved first over the
// whole text; images are then searched only in the spans between fences, so
// image-looking syntax inside code is never re-parsed. Everything else that is
// not whitespace becomes a text block.
package classifier

import (
	"regexp"
	"sort"
	"strings"

	"github.com/felipepmaragno/llm-duel/internal/domain"
)

// DefaultAltText is used for images that carry no alt text.
const DefaultAltText = "Image"

var (
	codeFence     = regexp.MustCompile("(?s)```([\\w+#.-]*)[ \\t]*\\r?\\n(.*?)```")
	markdownImage = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	htmlImage     = regexp.MustCompile(`(?i)<img\s+[^>]*?src\s*=\s*["']([^"']*)["'][^>]*>`)
	htmlAlt       = regexp.MustCompile(`(?i)\balt\s*=\s*["']([^"']*)["']`)
)

type span struct {
	start, end int
	block      domain.ContentBlock
}

// ParseResponse segments text into blocks in source order.
func ParseResponse(text string) []domain.ContentBlock {
	blocks := make([]domain.ContentBlock, 0)
	cursor := 0

	for _, m := range codeFence.FindAllStringSubmatchIndex(text, -1) {
		blocks = appendOutside(blocks, text[cursor:m[0]])
		blocks = append(blocks, domain.ContentBlock{
			Kind:     domain.ContentCode,
			Content:  strings.TrimSpace(text[m[4]:m[5]]),
			Language: text[m[2]:m[3]],
		})
		cursor = m[1]
	}

	return appendOutside(blocks, text[cursor:])
}

// ContainsCode reports whether ParseResponse would produce a code block.
func ContainsCode(text string) bool {
	return codeFence.MatchString(text)
}

// ContainsImages reports whether ParseResponse would produce an image block.
// Only text outside code fences is considered.
func ContainsImages(text string) bool {
	cursor := 0
	for _, m := range codeFence.FindAllStringIndex(text, -1) {
		if hasImage(text[cursor:m[0]]) {
			return true
		}
		cursor = m[1]
	}
	return hasImage(text[cursor:])
}

func hasImage(segment string) bool {
	return markdownImage.MatchString(segment) || htmlImage.MatchString(segment)
}

// appendOutside runs the image pass over a span that lies outside any code
// fence and appends the resulting image and text blocks.
func appendOutside(blocks []domain.ContentBlock, segment string) []domain.ContentBlock {
	images := findImages(segment)

	cursor := 0
	for _, img := range images {
		blocks = appendText(blocks, segment[cursor:img.start])
		blocks = append(blocks, img.block)
		cursor = img.end
	}

	return appendText(blocks, segment[cursor:])
}

func appendText(blocks []domain.ContentBlock, s string) []domain.ContentBlock {
	s = strings.TrimSpace(s)
	if s == "" {
		return blocks
	}
	return append(blocks, domain.ContentBlock{Kind: domain.ContentText, Content: s})
}

// findImages merges both image syntaxes into one non-overlapping list ordered
// by position.
func findImages(segment string) []span {
	var found []span

	for _, m := range markdownImage.FindAllStringSubmatchIndex(segment, -1) {
		found = append(found, span{
			start: m[0],
			end:   m[1],
			block: imageBlock(segment[m[4]:m[5]], segment[m[2]:m[3]]),
		})
	}

	for _, m := range htmlImage.FindAllStringSubmatchIndex(segment, -1) {
		alt := ""
		if a := htmlAlt.FindStringSubmatch(segment[m[0]:m[1]]); a != nil {
			alt = a[1]
		}
		found = append(found, span{
			start: m[0],
			end:   m[1],
			block: imageBlock(segment[m[2]:m[3]], alt),
		})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].start < found[j].start })

	out := found[:0]
	end := 0
	for _, s := range found {
		if s.start < end {
			continue
		}
		out = append(out, s)
		end = s.end
	}
	return out
}

func imageBlock(url, alt string) domain.ContentBlock {
	alt = strings.TrimSpace(alt)
	if alt == "" {
		alt = DefaultAltText
	}
	return domain.ContentBlock{
		Kind:    domain.ContentImage,
		Content: strings.TrimSpace(url),
		AltText: alt,
	}
}
