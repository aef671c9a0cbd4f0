package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	HandshakeTimeout: handshakeTimeout,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// pipeServer accepts exactly one PIN-authenticated peer on /ws?pin=NNNN.
type pipeServer struct {
	pin    string
	http   *http.Server
	connCh chan *websocket.Conn
}

func newPipeServer(pin string) *pipeServer {
	s := &pipeServer{
		pin:    pin,
		connCh: make(chan *websocket.Conn, 1),
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWS).
		Methods(http.MethodGet).
		Queries("pin", "{pin}")

	s.http = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: handshakeTimeout,
	}
	return s
}

// listen binds addr (":0" picks a free port) and serves in the background.
func (s *pipeServer) listen(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start relay pipe: %w", err)
	}

	go func() {
		_ = s.http.Serve(listener)
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

func (s *pipeServer) handleWS(w http.ResponseWriter, r *http.Request) {
	pin := mux.Vars(r)["pin"]
	if subtle.ConstantTimeCompare([]byte(pin), []byte(s.pin)) != 1 {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	select {
	case s.connCh <- conn:
	default:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "pipe already in use"))
		conn.Close()
	}
}

// accept blocks until the peer connects or ctx is done.
func (s *pipeServer) accept(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shutdown stops accepting. Upgraded connections are hijacked and stay open.
func (s *pipeServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}

// dialPipe opens the client side of a pipe.
func dialPipe(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to relay pipe: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to relay pipe: %w", err)
	}
	return conn, nil
}

// generatePIN returns a random numeric PIN of the given length.
func generatePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
