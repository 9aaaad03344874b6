package binance

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	mainnetStreamURL = "wss://stream.binance.com:9443/stream"
	testnetStreamURL = "wss://stream.testnet.binance.vision/stream"
)

// KlineHandler receives each closed candle from the stream.
type KlineHandler func(kline Kline)

// KlineStreamer consumes the combined 1m kline stream for a set of symbols
// and invokes the handler on every closed bar. Open (still forming) bars are
// ignored so history is only ever appended, never rewritten.
type KlineStreamer struct {
	streamURL string
	symbols   []string
	interval  string
	handler   KlineHandler

	conn     *websocket.Conn
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewKlineStreamer creates a streamer for the given symbols and interval.
func NewKlineStreamer(symbols []string, interval string, testnet bool, handler KlineHandler) *KlineStreamer {
	streamURL := mainnetStreamURL
	if testnet {
		streamURL = testnetStreamURL
	}
	return &KlineStreamer{
		streamURL: streamURL,
		symbols:   symbols,
		interval:  interval,
		handler:   handler,
		stopChan:  make(chan struct{}),
	}
}

// Start connects and begins dispatching closed candles. Reconnects with
// backoff on failure until Stop is called.
func (ks *KlineStreamer) Start() {
	ks.mu.Lock()
	if ks.running {
		ks.mu.Unlock()
		return
	}
	ks.running = true
	ks.mu.Unlock()

	ks.wg.Add(1)
	go ks.run()
}

// Stop closes the connection and waits for the read loop to exit.
func (ks *KlineStreamer) Stop() {
	ks.mu.Lock()
	if !ks.running {
		ks.mu.Unlock()
		return
	}
	ks.running = false
	close(ks.stopChan)
	if ks.conn != nil {
		ks.conn.Close()
	}
	ks.mu.Unlock()

	ks.wg.Wait()
}

func (ks *KlineStreamer) run() {
	defer ks.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-ks.stopChan:
			return
		default:
		}

		if err := ks.connectAndRead(); err != nil {
			select {
			case <-ks.stopChan:
				return
			default:
			}
			log.Printf("[KlineStream] connection lost, reconnecting in %v: %v", backoff, err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (ks *KlineStreamer) connectAndRead() error {
	streams := make([]string, len(ks.symbols))
	for i, s := range ks.symbols {
		streams[i] = fmt.Sprintf("%s@kline_%s", strings.ToLower(s), ks.interval)
	}
	endpoint := fmt.Sprintf("%s?streams=%s", ks.streamURL, strings.Join(streams, "/"))

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing stream: %w", err)
	}

	ks.mu.Lock()
	ks.conn = conn
	ks.mu.Unlock()

	log.Printf("[KlineStream] connected: %d symbols @ %s", len(ks.symbols), ks.interval)

	for {
		select {
		case <-ks.stopChan:
			return nil
		default:
		}

		var msg struct {
			Stream string `json:"stream"`
			Data   struct {
				EventType string `json:"e"`
				Symbol    string `json:"s"`
				Kline     struct {
					OpenTime  int64  `json:"t"`
					CloseTime int64  `json:"T"`
					Interval  string `json:"i"`
					Open      string `json:"o"`
					High      string `json:"h"`
					Low       string `json:"l"`
					Close     string `json:"c"`
					Volume    string `json:"v"`
					IsClosed  bool   `json:"x"`
				} `json:"k"`
			} `json:"data"`
		}

		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return fmt.Errorf("reading stream: %w", err)
		}

		k := msg.Data.Kline
		if !k.IsClosed {
			continue
		}

		ks.handler(Kline{
			Symbol:    msg.Data.Symbol,
			Interval:  k.Interval,
			OpenTime:  k.OpenTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: k.CloseTime,
		})
	}
}
