package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jingcjie/WDCableWUI/event"
)

// chatWire is the chat line payload. Timestamp is unix milliseconds.
type chatWire struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ChatOptions configures a Chat service.
type ChatOptions struct {
	Channel Channel
	Bus     *event.Bus
	Logger  *logrus.Logger
}

// Chat exchanges line-delimited messages on the chat channel. One JSON
// object per line on the wire; bare lines from older peers are accepted
// as plaintext.
type Chat struct {
	channel Channel
	bus     *event.Bus
	logger  *logrus.Logger

	sendMu sync.Mutex
}

// NewChat builds a Chat service on an established channel.
func NewChat(opts ChatOptions) (*Chat, error) {
	if opts.Channel == nil {
		return nil, errors.New("protocol: chat channel is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("protocol: chat event bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Chat{channel: opts.Channel, bus: opts.Bus, logger: logger}, nil
}

// Send serializes one message as a JSON line and writes it synchronously.
// Empty text and a dead channel are refused with an ErrorOccurred event;
// chat failures never surface as returned errors.
func (c *Chat) Send(text string) {
	if strings.TrimSpace(text) == "" {
		c.bus.Publish(event.Error("cannot send an empty message"))
		return
	}
	if !c.channel.Alive() {
		c.bus.Publish(event.Error("chat channel is not connected"))
		return
	}

	payload, err := json.Marshal(chatWire{Message: text, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		c.bus.Publish(event.Error("encode chat message: " + err.Error()))
		return
	}
	payload = append(payload, '\n')

	c.sendMu.Lock()
	_, err = c.channel.Write(payload)
	c.sendMu.Unlock()
	if err != nil {
		c.logger.Warnf("Chat send failed: %v", err)
		c.bus.Publish(event.Error("send chat message: " + err.Error()))
	}
}

// Run is the receive loop. It exits when ctx is cancelled or the channel
// closes; any other read error is published once and ends the loop. A
// fresh establishment starts a fresh loop.
func (c *Chat) Run(ctx context.Context) {
	for {
		line, err := readLine(c.channel)
		if err != nil {
			if errors.Is(err, ErrMalformedHeader) {
				c.bus.Publish(event.Error(err.Error()))
				continue
			}
			if isClosedRead(ctx, err) {
				c.logger.Debugf("Chat receive loop stopped")
				return
			}
			c.bus.Publish(event.Error("chat receive: " + err.Error()))
			return
		}
		if line == "" {
			continue
		}

		var wire chatWire
		if err := json.Unmarshal([]byte(line), &wire); err == nil && wire.Message != "" {
			c.bus.Publish(event.Event{Type: event.TypeMessageReceived, Message: wire.Message})
			continue
		}
		// Not chat JSON: deliver the raw line as plaintext.
		c.bus.Publish(event.Event{Type: event.TypeMessageReceived, Message: line})
	}
}
