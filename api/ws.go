package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gardenwatch/gardenwatch/events"
	"github.com/gardenwatch/gardenwatch/payments"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The read API is open; the socket carries no mutations.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// streamPaymentMatched names the settlement frames on the firehose, usable in
// the streams filter like any record stream.
const streamPaymentMatched = "payment_matched"

// wsEvent is the firehose frame: one decoded record per message.
type wsEvent struct {
	Stream    string          `json:"stream"`
	ChainID   uint64          `json:"chainId"`
	Block     uint64          `json:"block"`
	BlockTime time.Time       `json:"blockTime"`
	TxHash    string          `json:"txHash"`
	LogIndex  uint            `json:"logIndex"`
	Contract  string          `json:"contract"`
	Payload   json.RawMessage `json:"payload"`
}

// wsMatch is the firehose frame for a settled payment request.
type wsMatch struct {
	Stream    string `json:"stream"`
	RequestID string `json:"requestId"`
	PlayerID  string `json:"playerId"`
	Kind      string `json:"kind"`
	TxHash    string `json:"txHash"`
	Amount    string `json:"amount"`
	Strategy  string `json:"strategy"`
}

// handleEventsWS streams live records and payment settlements to the client.
// The optional streams query parameter is a comma-separated allowlist; absent
// means everything.
// Slow clients fall behind the bounded broadcaster buffers and miss records
// rather than stalling ingestion.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	wanted := map[string]bool{}
	if raw := r.URL.Query().Get("streams"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			wanted[strings.TrimSpace(name)] = true
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	out := make(chan *events.Record, 256)
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, src := range s.firehose {
		ch, cancel := src.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case <-done:
					return
				case rec, ok := <-ch:
					if !ok {
						return
					}
					if len(wanted) > 0 && !wanted[rec.Stream] {
						continue
					}
					select {
					case out <- rec:
					default:
						// Drop for this client; the record is durable in the store.
					}
				}
			}
		}()
	}

	matchOut := make(chan payments.Matched, 64)
	if s.matches != nil && (len(wanted) == 0 || wanted[streamPaymentMatched]) {
		mch := make(chan payments.Matched, 16)
		sub := s.matches.SubscribeMatched(mch)
		defer sub.Unsubscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				case m := <-mch:
					select {
					case matchOut <- m:
					default:
						// Drop for this client; the MATCHED row is durable.
					}
				}
			}
		}()
	}
	defer wg.Wait()
	defer close(done)

	// Reader goroutine notices the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case rec := <-out:
			payload, err := events.MarshalPayload(rec.Payload)
			if err != nil {
				continue
			}
			frame := wsEvent{
				Stream:    rec.Stream,
				ChainID:   rec.ChainID,
				Block:     rec.Block,
				BlockTime: rec.BlockTime,
				TxHash:    rec.TxHash.Hex(),
				LogIndex:  rec.LogIndex,
				Contract:  rec.Contract.Hex(),
				Payload:   payload,
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case m := <-matchOut:
			frame := wsMatch{
				Stream:    streamPaymentMatched,
				RequestID: m.RequestID.String(),
				PlayerID:  m.PlayerID,
				Kind:      m.Kind,
				TxHash:    m.TxHash.Hex(),
				Amount:    m.Amount.String(),
				Strategy:  m.Strategy,
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
