// Package dedup implements the client-side Incremental Text Deduper of
// spec.md §4.7: it converts a recognizer's growing partial transcripts
// and a closing final transcript into an at-most-once stream of word
// deltas suitable for WORD messages on the wire.
package dedup

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// MinNewChars is the minimum rune length of a delta before it is
	// considered worth transmitting.
	MinNewChars = 2
	// DefaultDebounce is the default debounce window for partials.
	DefaultDebounce = 100 * time.Millisecond
)

// Transmitter is the single sink a Deduper writes deltas to. The
// caller (internal/central) wires this to Session.Send with
// wire.TypeWord.
type Transmitter interface {
	Transmit(text string) error
}

// TransmitterFunc adapts a function to a Transmitter.
type TransmitterFunc func(text string) error

// Transmit implements Transmitter.
func (f TransmitterFunc) Transmit(text string) error { return f(text) }

// Deduper holds the per-listening-session dedup state of spec.md §4.7.
// It is safe for concurrent OnPartial/OnFinal calls from a single
// recognizer goroutine; internally it serializes against its own
// debounce timer.
type Deduper struct {
	tx       Transmitter
	debounce time.Duration

	mu                   sync.Mutex // guards all fields below except txMu
	lastSentText         string
	lastActuallySentText string
	sentSegments         map[string]struct{}
	pendingText          string
	timer                *time.Timer
	generation           uint64

	// txMu is the non-cancellable critical section around the actual
	// transmit step (spec.md §5): a rapid subsequent partial may cancel
	// the *next* debounce timer but must never abort a write already
	// in flight.
	txMu sync.Mutex
}

// New creates a Deduper that writes deltas to tx using the default
// 100ms debounce window.
func New(tx Transmitter) *Deduper {
	return NewWithDebounce(tx, DefaultDebounce)
}

// NewWithDebounce creates a Deduper with a custom debounce window
// (tests use a very small or zero window for determinism).
func NewWithDebounce(tx Transmitter, debounce time.Duration) *Deduper {
	return &Deduper{
		tx:           tx,
		debounce:     debounce,
		sentSegments: make(map[string]struct{}),
	}
}

// OnPartial processes one incremental transcript update.
func (d *Deduper) OnPartial(fullText string) {
	d.mu.Lock()
	newText := d.diffLocked(fullText, d.lastSentText)
	if utf8.RuneCountInString(newText) < MinNewChars {
		d.mu.Unlock()
		return
	}
	trimmed := strings.TrimSpace(newText)
	if trimmed == strings.TrimSpace(d.lastActuallySentText) {
		d.mu.Unlock()
		return
	}
	if _, dup := d.sentSegments[trimmed]; dup {
		d.mu.Unlock()
		return
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.pendingText = fullText
	d.generation++
	gen := d.generation
	debounce := d.debounce
	d.timer = time.AfterFunc(debounce, func() { d.fireDebounce(gen, fullText) })
	d.mu.Unlock()
}

func (d *Deduper) fireDebounce(gen uint64, fullText string) {
	d.mu.Lock()
	if gen != d.generation {
		// superseded by a newer partial before the timer fired.
		d.mu.Unlock()
		return
	}
	newText := d.diffLocked(fullText, d.lastSentText)
	if utf8.RuneCountInString(newText) < MinNewChars {
		d.mu.Unlock()
		return
	}
	trimmed := strings.TrimSpace(newText)
	if trimmed == strings.TrimSpace(d.lastActuallySentText) {
		d.mu.Unlock()
		return
	}
	if _, dup := d.sentSegments[trimmed]; dup {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	d.transmitCritical(newText, trimmed, fullText)
}

// transmitCritical is the non-cancellable write step: it holds txMu for
// the duration of the transmit call so a concurrent OnPartial/OnFinal
// cannot produce a half-sent delta by racing ahead.
func (d *Deduper) transmitCritical(newText, trimmed, sourceFullText string) {
	d.txMu.Lock()
	defer d.txMu.Unlock()

	if err := d.tx.Transmit(newText + " "); err != nil {
		slog.Warn("dedup: transmit failed", "error", err)
		return
	}

	d.mu.Lock()
	d.sentSegments[trimmed] = struct{}{}
	d.lastActuallySentText = trimmed
	d.lastSentText = sourceFullText
	d.mu.Unlock()
}

// OnFinal closes out the listening session: it cancels any pending
// debounce, computes the final delta against the effective last-sent
// text, filters segments already sent, transmits the remainder if
// non-empty, then resets all session state.
func (d *Deduper) OnFinal(finalText string) {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.generation++ // invalidate any in-flight debounce callback

	effectiveLastSent := d.lastSentText
	if d.pendingText != "" && strings.HasPrefix(finalText, d.pendingText) {
		effectiveLastSent = d.pendingText
	}

	newText := d.diffLocked(finalText, effectiveLastSent)
	result := d.filterAlreadySentSegmentsLocked(newText)
	d.mu.Unlock()

	if strings.TrimSpace(result) != "" {
		d.txMu.Lock()
		if err := d.tx.Transmit(result + " "); err != nil {
			slog.Warn("dedup: final transmit failed", "error", err)
		}
		d.txMu.Unlock()
	}

	d.reset()
}

func (d *Deduper) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSentText = ""
	d.lastActuallySentText = ""
	d.sentSegments = make(map[string]struct{})
	d.pendingText = ""
	d.timer = nil
}

// filterAlreadySentSegmentsLocked implements spec.md §4.7's
// filter_already_sent_segments. Caller must hold d.mu.
func (d *Deduper) filterAlreadySentSegmentsLocked(newText string) string {
	trimmed := strings.TrimSpace(newText)
	for s := range d.sentSegments {
		if s == "" {
			continue
		}
		if trimmed == s {
			// A deliberately repeated word ("test test") must still be
			// sent, unchanged.
			return trimmed
		}
		if strings.HasPrefix(trimmed, s) {
			remainder := strings.TrimSpace(trimmed[len(s):])
			if remainder != "" {
				return remainder
			}
		}
	}
	return trimmed
}

// diffLocked implements spec.md §4.7's diff algorithm. Caller must
// hold d.mu (step 5 reads d.sentSegments).
func (d *Deduper) diffLocked(full, sent string) string {
	if sent == "" {
		return full
	}
	if full == sent {
		return ""
	}
	if strings.HasPrefix(full, sent) {
		return full[len(sent):]
	}

	// Step 3: word-level comparison. Find the rightmost window of
	// len(sentWords) words in fullWords equal to sentWords, not
	// reaching the end of fullWords, and return everything after it.
	fullWords := strings.Fields(full)
	sentWords := strings.Fields(sent)
	w := len(sentWords)
	if w > 0 && w <= len(fullWords) {
		for end := len(fullWords); end >= w; end-- {
			if end == len(fullWords) {
				continue // window reaching the very end is excluded
			}
			if wordsEqual(fullWords[end-w:end], sentWords) {
				return strings.Join(fullWords[end:], " ")
			}
		}
	}

	// Step 4: sent as a plain substring of full.
	if idx := strings.LastIndex(full, sent); idx >= 0 {
		return full[idx+len(sent):]
	}

	// Step 5: any previously sent segment found as a substring.
	bestEnd := -1
	var bestRemainder string
	for seg := range d.sentSegments {
		if seg == "" {
			continue
		}
		idx := strings.LastIndex(full, seg)
		if idx < 0 {
			continue
		}
		end := idx + len(seg)
		remainder := full[end:]
		if remainder == "" {
			continue
		}
		if end > bestEnd {
			bestEnd = end
			bestRemainder = remainder
		}
	}
	if bestEnd >= 0 {
		return bestRemainder
	}

	// Step 6: fallback.
	if utf8.RuneCountInString(full)-utf8.RuneCountInString(sent) > MinNewChars {
		return full
	}
	return ""
}

func wordsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
