// Package chunker splits generated prose into memory-sized passages before
// embedding.
package chunker

import (
	"strings"
	"unicode"
)

const (
	DefaultTargetSize = 600
	DefaultMaxSize    = 900
)

// Options configures chunking behavior. Sizes are in bytes.
type Options struct {
	TargetSize int
	MaxSize    int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
	}
}

// Passage is one chunk with its index in the source text.
type Passage struct {
	Text  string
	Index int
}

// Chunk splits text into passages. Text that fits in MaxSize is a single
// passage. Longer text is split on scene breaks and paragraphs, small
// paragraphs are merged up to TargetSize, and oversized paragraphs are
// split on sentence boundaries.
func Chunk(text string, opts Options) []Passage {
	if opts.TargetSize <= 0 || opts.MaxSize <= 0 {
		opts = DefaultOptions()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.MaxSize {
		return []Passage{{Text: text}}
	}

	var out []string
	for _, scene := range splitScenes(text) {
		out = append(out, merge(paragraphs(scene), opts)...)
	}

	passages := make([]Passage, len(out))
	for i, t := range out {
		passages[i] = Passage{Text: t, Index: i}
	}
	return passages
}

func isSceneBreak(line string) bool {
	switch strings.TrimSpace(line) {
	case "***", "* * *", "---", "###":
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(line), "#")
}

// splitScenes splits on scene break markers and headings. Passages never
// span a scene break.
func splitScenes(text string) []string {
	var scenes []string
	var current []string
	flush := func() {
		if s := strings.TrimSpace(strings.Join(current, "\n")); s != "" {
			scenes = append(scenes, s)
		}
		current = nil
	}
	for _, line := range strings.Split(text, "\n") {
		if isSceneBreak(line) {
			flush()
			// Headings carry content; bare markers do not.
			if strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#")) != "" {
				current = append(current, line)
			}
			continue
		}
		current = append(current, line)
	}
	flush()
	return scenes
}

func paragraphs(scene string) []string {
	var out []string
	for _, p := range strings.Split(scene, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// merge combines small paragraphs and splits oversized ones.
func merge(paras []string, opts Options) []string {
	var out []string
	var accum string

	flush := func() {
		if accum == "" {
			return
		}
		if len(accum) > opts.MaxSize {
			out = append(out, splitSentences(accum, opts)...)
		} else {
			out = append(out, accum)
		}
		accum = ""
	}

	for _, p := range paras {
		if accum == "" {
			accum = p
			continue
		}
		if combined := accum + "\n\n" + p; len(combined) <= opts.TargetSize {
			accum = combined
			continue
		}
		flush()
		accum = p
	}
	flush()
	return out
}

// splitSentences packs sentences into passages of at most TargetSize. A single
// sentence longer than MaxSize is cut on a word boundary.
func splitSentences(text string, opts Options) []string {
	var out []string
	var b strings.Builder

	for _, s := range sentences(text) {
		if b.Len() > 0 && b.Len()+1+len(s) > opts.TargetSize {
			out = append(out, b.String())
			b.Reset()
		}
		for len(s) > opts.MaxSize {
			cut := strings.LastIndexFunc(s[:opts.MaxSize], unicode.IsSpace)
			if cut <= 0 {
				cut = opts.MaxSize
			}
			if b.Len() > 0 {
				out = append(out, b.String())
				b.Reset()
			}
			out = append(out, strings.TrimSpace(s[:cut]))
			s = strings.TrimSpace(s[cut:])
		}
		if s == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// sentences splits on terminal punctuation followed by whitespace, keeping
// closing quotes with their sentence.
func sentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !strings.ContainsRune(".!?。！？", runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && strings.ContainsRune(`"'”’)`, runes[end]) {
			end++
		}
		if end < len(runes) && !unicode.IsSpace(runes[end]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
		i = end - 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}
