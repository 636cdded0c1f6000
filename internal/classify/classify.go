// Package classify maps a pane snapshot onto one of the nine semantic
// session states. The classifier is pure, total, and deterministic: the
// same inputs always produce the same output, and every input produces
// some output.
package classify

import (
	"regexp"
	"strings"

	"github.com/agent-supervisor/backend/internal/session"
)

// Glyphs is the configuration constant table for the classifier's
// vocabulary. Tests iterate it for deterministic coverage, and a
// deployment may override it to track upstream rendering changes.
type Glyphs struct {
	Contemplation []string
	Read          []string
	Write         []string
	Shell         []string
	Completion    []string
	ErrorCross    []string
	Prompt        []string
}

// DefaultGlyphs is the vocabulary observed in interactive coding-agent
// terminal output.
var DefaultGlyphs = Glyphs{
	Contemplation: []string{"*", "✳", "✶", "✻", "✽"},
	Read:          []string{"Read(", "Reading(", "Grep(", "Glob("},
	Write:         []string{"Write(", "Edit(", "Update(", "MultiEdit("},
	Shell:         []string{"Bash(", "Shell(", "Exec("},
	Completion:    []string{"✓", "✔", "Done"},
	ErrorCross:    []string{"✗", "✘"},
	Prompt:        []string{">", "❯"},
}

// Classifier is a pluggable strategy so a marker-based engine could be
// substituted for glyph inference. The stuckThreshold argument lets the
// stuck-check timer and the delta path share one decision chain; the
// delta path always passes idleSeconds=0, which never clears the
// threshold. Only glyph inference is implemented here.
type Classifier func(snapshotText string, priorState session.State, idleSeconds, stuckThreshold float64) session.State

// Glyph returns a Classifier bound to the given glyph vocabulary,
// compiled once into the regexp set the decision chain matches against.
func Glyph(g Glyphs) Classifier {
	v := compile(g)
	return func(snapshotText string, priorState session.State, idleSeconds, stuckThreshold float64) session.State {
		return v.decide(snapshotText, priorState, idleSeconds, stuckThreshold)
	}
}

// DefaultClassifier classifies using DefaultGlyphs.
var DefaultClassifier = Glyph(DefaultGlyphs)

// Classify runs the classification chain for an output-delta, where
// idleSeconds is always 0 -- a delta implies fresh activity, so the
// Stuck step of the decision chain never fires from this entry point.
func Classify(c Classifier, snapshotText string, priorState session.State) session.State {
	return c(snapshotText, priorState, 0, 0)
}

// ClassifyStuck runs the same decision chain for the stuck-check timer,
// where idleSeconds and stuckThreshold together determine whether the
// session transitions to Stuck.
func ClassifyStuck(c Classifier, snapshotText string, priorState session.State, idleSeconds, stuckThreshold float64) session.State {
	return c(snapshotText, priorState, idleSeconds, stuckThreshold)
}

// vocabulary is a Glyphs table compiled into the regexps the decision
// chain matches against.
type vocabulary struct {
	contemplation *regexp.Regexp
	read          *regexp.Regexp
	write         *regexp.Regexp
	shell         *regexp.Regexp
	test          *regexp.Regexp
	completion    *regexp.Regexp
	errMark       *regexp.Regexp
	prompt        *regexp.Regexp
}

// alternation quotes each glyph and joins them into a regexp
// alternation. An empty glyph list yields a pattern that matches
// nothing, not everything.
func alternation(glyphs []string) string {
	if len(glyphs) == 0 {
		return `\z.`
	}
	quoted := make([]string, len(glyphs))
	for i, g := range glyphs {
		quoted[i] = regexp.QuoteMeta(g)
	}
	return strings.Join(quoted, "|")
}

func compile(g Glyphs) *vocabulary {
	return &vocabulary{
		// A contemplation glyph followed (modulo inline spacing) by the
		// contemplation keyword.
		contemplation: regexp.MustCompile(`(?:` + alternation(g.Contemplation) + `)[ \t]*Contemplating`),
		read:          regexp.MustCompile(alternation(g.Read)),
		write:         regexp.MustCompile(alternation(g.Write)),
		shell:         regexp.MustCompile(alternation(g.Shell)),
		test:          regexp.MustCompile(`(?i)test`),
		// The literal phrase, or a completion glyph within a short window
		// before the word "complete".
		completion: regexp.MustCompile(`(?s)Task complete|(?:` + alternation(g.Completion) + `).{0,16}complete`),
		errMark:    regexp.MustCompile(`Error:|\[ERROR\]|` + alternation(g.ErrorCross)),
		// A prompt glyph trailed only by whitespace to the end of the
		// snapshot.
		prompt: regexp.MustCompile(`(?:` + alternation(g.Prompt) + `)[ \t\r\n]*$`),
	}
}

// decide implements the ordered nine-step decision chain. First match
// wins; falls through to retaining priorState (defaulting to Idle) if
// nothing matches.
func (v *vocabulary) decide(text string, priorState session.State, idleSeconds, stuckThreshold float64) session.State {
	switch {
	case v.contemplation.MatchString(text):
		return session.Thinking
	case v.read.MatchString(text) && !v.write.MatchString(text):
		return session.Reading
	case v.write.MatchString(text):
		return session.Working
	case v.shell.MatchString(text) && v.test.MatchString(text):
		return session.Testing
	case v.completion.MatchString(text):
		return session.Complete
	case v.errMark.MatchString(text):
		return session.Error
	case v.prompt.MatchString(text) && idleSeconds > stuckThreshold:
		return session.Stuck
	case v.prompt.MatchString(text):
		return session.Idle
	default:
		if priorState == session.Initializing {
			return session.Idle
		}
		return priorState
	}
}
