package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSFeed is the --feed ws alternative to REST quote polling: a push
// subscription over the brokerage's real-time quote websocket. It
// satisfies the same QuoteFeed interface the execution loop consumes, so
// switching feeds never changes loop logic.
type WSFeed struct {
	url       string
	approvalKey string
	logger    *log.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

// NewWSFeed creates a feed client for the given websocket endpoint. No
// connection is opened until Subscribe is called, so processes started
// with --feed rest never dial this dependency.
func NewWSFeed(url, approvalKey string, logger *log.Logger) *WSFeed {
	if logger == nil {
		logger = log.Default()
	}
	return &WSFeed{url: url, approvalKey: approvalKey, logger: logger}
}

type subscribeFrame struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

// Subscribe dials the feed and pushes one tick per symbol update onto
// the returned channel until ctx is cancelled or Close is called.
func (f *WSFeed) Subscribe(ctx context.Context, symbols []string) (<-chan PriceTick, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: ws dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.done = make(chan struct{})
	f.mu.Unlock()

	for _, sym := range symbols {
		frame := subscribeFrame{}
		frame.Header.ApprovalKey = f.approvalKey
		frame.Header.TrType = "1"
		frame.Header.ContentType = "utf-8"
		frame.Body.Input.TrID = "H0STCNT0"
		frame.Body.Input.TrKey = sym
		if err := conn.WriteJSON(frame); err != nil {
			return nil, fmt.Errorf("broker: ws subscribe %s: %w", sym, err)
		}
	}

	out := make(chan PriceTick, 64)
	go f.readLoop(ctx, conn, out)
	return out, nil
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- PriceTick) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.logger.Printf("broker: ws read error: %v", err)
			return
		}
		tick, ok := parseTick(msg)
		if !ok {
			continue
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return
		}
	}
}

// parseTick handles the pipe-delimited real-time quote payload; JSON
// control frames (subscribe ack, ping) are ignored.
func parseTick(msg []byte) (PriceTick, bool) {
	if len(msg) > 0 && msg[0] == '{' {
		var ack struct {
			Header struct {
				TrID string `json:"tr_id"`
			} `json:"header"`
		}
		_ = json.Unmarshal(msg, &ack)
		return PriceTick{}, false
	}

	fields := splitOn(string(msg), '|')
	if len(fields) < 4 {
		return PriceTick{}, false
	}
	// fields[0]=encrypt flag, [1]=tr_id, [2]=data count, [3]=caret-delimited body
	body := splitOn(fields[3], '^')
	if len(body) < 3 {
		return PriceTick{}, false
	}
	price, err := strconv.ParseFloat(body[2], 64)
	if err != nil {
		return PriceTick{}, false
	}
	return PriceTick{Symbol: body[0], Price: price, At: time.Now()}, true
}

func splitOn(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Close tears down the websocket connection.
func (f *WSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}
