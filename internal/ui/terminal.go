// Package ui renders the call in the terminal: the status line, the relay
// text the operator copies to the peer, and the prompts that drive the
// controller.
package ui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pterm/pterm"

	"github.com/1ureka/p2pcall/internal/call"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/util"
)

var _ call.View = (*Terminal)(nil)

// Terminal implements call.View with pterm printers. Every outgoing text is
// also handed to the configured outboxes (clipboard, pipe).
type Terminal struct {
	outboxes []signaling.Outbox

	mu     sync.Mutex
	status string
	shown  int // relay texts shown for the current call
}

// NewTerminal creates a Terminal publishing to outboxes.
func NewTerminal(outboxes ...signaling.Outbox) *Terminal {
	return &Terminal{outboxes: outboxes}
}

// Status prints the status line when it changes.
func (t *Terminal) Status(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if line == t.status {
		return
	}
	t.status = line

	if strings.HasPrefix(line, "Error") {
		pterm.Error.Println(line)
		return
	}
	pterm.Info.Println(line)
}

// Outgoing prints text between section headers so it can be selected and
// copied as is, then publishes it. It runs under the controller's lock, so
// outboxes must not wait on the network.
func (t *Terminal) Outgoing(kind signaling.Kind, text string) {
	t.mu.Lock()
	t.shown++
	n := t.shown
	t.mu.Unlock()

	pterm.DefaultSection.Println(fmt.Sprintf("#%d %s [%s]", n, kind, util.Fingerprint(text)))
	pterm.Println(text)
	pterm.Println()

	for _, o := range t.outboxes {
		if err := o.Publish(kind, text); err != nil {
			util.LogWarning("publish %s: %v", kind, err)
		}
	}
}

// Cleared starts a fresh numbering for the next call and clears outboxes
// that still hold this call's text.
func (t *Terminal) Cleared() {
	t.mu.Lock()
	t.shown = 0
	t.mu.Unlock()

	for _, o := range t.outboxes {
		if c, ok := o.(signaling.Clearer); ok {
			c.Clear()
		}
	}
	util.LogDebug("relay text cleared")
}

// Shown reports how many relay texts were shown for the current call.
func (t *Terminal) Shown() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shown
}

// PrintPipeInfo shows what the other operator needs to dial the pipe.
func PrintPipeInfo(port int, pin string) {
	pterm.Println()
	pterm.DefaultBox.WithTitle("Relay pipe").Println(fmt.Sprintf(
		"Port : %d\nPIN  : %s\n\nPeer runs: p2pcall -connect ws://<this-host>:%d/ws?pin=%s",
		port, pin, port, pin))
	pterm.Println()
}
