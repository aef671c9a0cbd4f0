package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/util"
)

// wireMessage is the JSON frame carried over the pipe. Text is exactly what
// Encode produced, so the receiving side feeds it to Parse like pasted text.
type wireMessage struct {
	Type Kind   `json:"type"`
	Text string `json:"text"`
}

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
)

// Pipe is a point-to-point WebSocket courier between the two operators.
// It does no negotiation: outgoing text is published to it, incoming text is
// queued until the operator submits it.
type Pipe struct {
	srv *pipeServer
	out chan wireMessage // published, not yet written

	mu     sync.Mutex
	conn   *websocket.Conn
	inbox  []string // received, not yet drained
	closed bool

	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newPipe() *Pipe {
	p := &Pipe{
		out:   make(chan wireMessage, sendQueueSize),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go p.send()
	return p
}

// HostPipe starts a PIN-protected pipe server on addr and accepts the first
// peer in the background. It returns immediately with the port and PIN the
// other operator needs.
func HostPipe(ctx context.Context, addr string) (p *Pipe, port int, pin string, err error) {
	pin = generatePIN(4)
	srv := newPipeServer(pin)
	port, err = srv.listen(addr)
	if err != nil {
		return nil, 0, "", err
	}

	p = newPipe()
	p.srv = srv

	go func() {
		conn, err := srv.accept(ctx)
		if err != nil {
			return
		}
		srv.shutdown()
		util.LogEvent("pipe peer connected", "from", conn.RemoteAddr().String())
		p.attach(conn)
	}()

	return p, port, pin, nil
}

// DialPipe connects to a peer's pipe server. The URL carries the PIN, e.g.
//
//	ws://192.168.1.20:40000/ws?pin=1234
func DialPipe(ctx context.Context, url string) (*Pipe, error) {
	conn, err := dialPipe(ctx, url)
	if err != nil {
		return nil, err
	}
	util.LogEvent("pipe connected", "url", url)

	p := newPipe()
	p.attach(conn)
	return p, nil
}

// attach installs the connection and starts the read loop. The send loop
// picks up anything published so far.
func (p *Pipe) attach(conn *websocket.Conn) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.mu.Unlock()

	close(p.ready)
	go p.watch(conn)
}

// send is the only writer on the connection. Each write is bounded by
// writeTimeout; a failed write closes the pipe.
func (p *Pipe) send() {
	select {
	case <-p.ready:
	case <-p.done:
		return
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	for {
		select {
		case <-p.done:
			return
		case msg := <-p.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				util.LogWarning("pipe send failed: %v", err)
				p.Close()
				return
			}
		}
	}
}

// watch reads frames until the connection fails.
func (p *Pipe) watch(conn *websocket.Conn) {
	defer p.Close()

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-p.done:
			default:
				util.LogWarning("pipe closed: %v", err)
			}
			return
		}

		p.mu.Lock()
		p.inbox = append(p.inbox, msg.Text)
		n := len(p.inbox)
		p.mu.Unlock()

		util.LogInfo("received %s over pipe [%s] (%d waiting, submit to apply)",
			msg.Type, util.Fingerprint(msg.Text), n)
	}
}

// Publish implements Outbox. It only queues the message and never waits on
// the network. Messages published before the peer connects are sent once it
// does.
func (p *Pipe) Publish(kind Kind, text string) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errors.New("pipe closed")
	}

	select {
	case p.out <- wireMessage{Type: kind, Text: text}:
		return nil
	default:
		return errors.New("pipe send queue full")
	}
}

// Drain returns and clears every received text, oldest first.
func (p *Pipe) Drain() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.inbox
	p.inbox = nil
	return out
}

// Discard drops every received text and reports how many were dropped.
func (p *Pipe) Discard() int {
	return len(p.Drain())
}

// Waiting reports how many received texts have not been drained.
func (p *Pipe) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbox)
}

// Ready is closed once a peer is connected.
func (p *Pipe) Ready() <-chan struct{} {
	return p.ready
}

// Done is closed once the pipe is closed.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

// Close tears down the connection and the server, if any.
func (p *Pipe) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)

		p.mu.Lock()
		p.closed = true
		conn := p.conn
		p.mu.Unlock()

		if p.srv != nil {
			p.srv.shutdown()
		}
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}
