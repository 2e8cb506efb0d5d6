package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mediagen-studio/mediagen/pkg/progress"
)

const (
	dialTimeout      = 10 * time.Second
	reconnectBackoff = 3 * time.Second
	maxMessageSize   = 4 * 1024 * 1024
)

// Listener consumes the backend's WebSocket push stream and translates
// node-level events into progress emissions. It reconnects with a fixed
// backoff for as long as its context lives; the poll-based completion path
// keeps runs correct while the push stream is down.
type Listener struct {
	baseURL  string
	clientID string
	channel  *progress.Channel
	logger   *slog.Logger
}

func NewListener(baseURL, clientID string, channel *progress.Channel, logger *slog.Logger) *Listener {
	return &Listener{
		baseURL:  baseURL,
		clientID: clientID,
		channel:  channel,
		logger:   logger,
	}
}

// Run blocks until the context is cancelled.
func (l *Listener) Run(ctx context.Context) {
	endpoint := l.websocketURL()

	for {
		if err := l.listenOnce(ctx, endpoint); err != nil {
			if ctx.Err() != nil {
				return
			}

			l.logger.Warn("Engine push connection lost, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (l *Listener) websocketURL() string {
	endpoint := l.baseURL
	endpoint = strings.Replace(endpoint, "https://", "wss://", 1)
	endpoint = strings.Replace(endpoint, "http://", "ws://", 1)

	return endpoint + "/ws?clientId=" + url.QueryEscape(l.clientID)
}

func (l *Listener) listenOnce(ctx context.Context, endpoint string) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}

	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	l.logger.Info("Engine push connection established")

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		l.dispatch(payload)
	}
}

// pushMessage is the envelope of every engine push event.
type pushMessage struct {
	Type string `json:"type"`
	Data struct {
		PromptID string   `json:"prompt_id"`
		Node     *string  `json:"node"`
		Value    float64  `json:"value"`
		Max      float64  `json:"max"`
		Nodes    []string `json:"nodes"`
		Message  string   `json:"exception_message"`
	} `json:"data"`
}

func (l *Listener) dispatch(payload []byte) {
	var msg pushMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		l.logger.Debug("Ignoring unparseable engine push message", "error", err)

		return
	}

	switch msg.Type {
	case "executing":
		// node == null announces the end of the job; completion is confirmed
		// by the poll loop instead.
		if msg.Data.Node != nil {
			l.channel.NodeEvent(msg.Data.PromptID, *msg.Data.Node, 0)
		}
	case "progress":
		if msg.Data.Node == nil || msg.Data.Max <= 0 {
			return
		}

		percent := msg.Data.Value / msg.Data.Max * 100
		l.channel.NodeEvent(msg.Data.PromptID, *msg.Data.Node, percent)
	case "execution_cached":
		l.channel.NodesCached(msg.Data.PromptID, msg.Data.Nodes)
	case "execution_error":
		l.channel.EmitError(msg.Data.PromptID, "engine execution error", msg.Data.Message)
	default:
		// Status, queue and monitor chatter is not translated.
	}
}
