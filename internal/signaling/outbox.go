package signaling

import (
	"fmt"
	"sync"

	"golang.design/x/clipboard"
)

// Outbox is an extra destination for outgoing relay text, on top of the
// on-screen display.
type Outbox interface {
	Publish(kind Kind, text string) error
}

var (
	_ Outbox  = (*Clipboard)(nil)
	_ Clearer = (*Clipboard)(nil)
	_ Outbox  = (*Pipe)(nil)
)

// Clearer is implemented by outboxes that keep text of the current call.
type Clearer interface {
	Clear()
}

// Clipboard copies every outgoing message to the system clipboard so the
// operator only has to paste it into whatever channel reaches the peer.
type Clipboard struct {
	mu   sync.Mutex
	last string
}

// NewClipboard initializes the system clipboard. It fails on headless
// systems or builds without cgo; callers fall back to display only.
func NewClipboard() (*Clipboard, error) {
	if err := clipboard.Init(); err != nil {
		return nil, fmt.Errorf("clipboard unavailable: %w", err)
	}
	return &Clipboard{}, nil
}

// Publish implements Outbox.
func (c *Clipboard) Publish(_ Kind, text string) error {
	c.mu.Lock()
	c.last = text
	c.mu.Unlock()

	clipboard.Write(clipboard.FmtText, []byte(text))
	return nil
}

// Read returns the current clipboard text, unless it is the text this side
// published itself (pasting your own offer back is never what you want).
func (c *Clipboard) Read() (string, bool) {
	text := string(clipboard.Read(clipboard.FmtText))

	c.mu.Lock()
	defer c.mu.Unlock()
	if text == "" || text == c.last {
		return "", false
	}
	return text, true
}

// Clear forgets the last published text and empties the clipboard if it
// still holds that text. Anything the operator copied since is left alone.
func (c *Clipboard) Clear() {
	c.mu.Lock()
	last := c.last
	c.last = ""
	c.mu.Unlock()

	if last != "" && string(clipboard.Read(clipboard.FmtText)) == last {
		clipboard.Write(clipboard.FmtText, []byte{})
	}
}
