// Package notify pushes simulator events to dashboards over a ZeroMQ PUB
// socket. Each message has two frames: the topic and the JSON payload.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/hylo/internal/events"
	"github.com/bardlex/hylo/pkg/errors"
	"github.com/bardlex/hylo/pkg/log"
)

// Topics published on the feed; subscribers filter by prefix
const (
	TopicRun        = "run"
	TopicTick       = "tick"
	TopicSettlement = "settlement"
)

// Publisher is a ZMQ PUB socket fed by the event pipeline
type Publisher struct {
	mu       sync.Mutex
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewPublisher binds a PUB socket to endpoint, e.g. tcp://*:28400
func NewPublisher(endpoint string, logger *log.Logger) (*Publisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	// never hold up Close on unsent frames
	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ linger: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to bind ZMQ endpoint %s: %w", endpoint, err)
	}

	bound, err := socket.GetLastEndpoint()
	if err != nil {
		bound = endpoint
	}

	l := logger.WithComponent("notify")
	l.Info("bound ZMQ publisher", "endpoint", bound)

	return &Publisher{
		socket:   socket,
		endpoint: bound,
		logger:   l,
	}, nil
}

// Endpoint returns the resolved bind address
func (p *Publisher) Endpoint() string {
	return p.endpoint
}

// Name identifies the publisher as an event recorder
func (p *Publisher) Name() string {
	return "zmq"
}

// Record publishes e on the topic for its kind
func (p *Publisher) Record(_ context.Context, e events.Event) error {
	topic, payload := topicOf(e)
	if payload == nil {
		return errors.New(errors.ErrorTypeValidation, "zmq_publish", "event has no payload").
			WithContext("kind", string(e.Kind))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "zmq_publish", "failed to marshal event").
			WithContext("kind", string(e.Kind))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.socket == nil {
		return errors.New(errors.ErrorTypeTransport, "zmq_publish", "publisher closed")
	}
	if _, err := p.socket.SendMessage(topic, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTransport, "zmq_publish", "failed to send ZMQ message").
			WithContext("topic", topic)
	}

	p.logger.Debug("published ZMQ message", "topic", topic, "size", len(data))
	return nil
}

func topicOf(e events.Event) (string, any) {
	switch e.Kind {
	case events.KindRunStarted, events.KindRunStopped:
		if e.Run != nil {
			return TopicRun, struct {
				Kind events.Kind `json:"kind"`
				*events.Run
			}{e.Kind, e.Run}
		}
	case events.KindTick:
		if e.Tick != nil {
			return TopicTick, e.Tick
		}
	case events.KindSettlement:
		if e.Settlement != nil {
			return TopicSettlement, e.Settlement
		}
	}
	return "", nil
}

// Close closes the ZMQ socket
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.socket == nil {
		return nil
	}
	err := p.socket.Close()
	p.socket = nil
	return err
}

// Subscriber reads the feed; dashboards and tests use it
type Subscriber struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewSubscriber creates a SUB socket for endpoint
func NewSubscriber(endpoint string, logger *log.Logger) (*Subscriber, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}
	if err := socket.SetRcvtimeo(200 * time.Millisecond); err != nil {
		socket.Close()
		return nil, fmt.Errorf("failed to set ZMQ receive timeout: %w", err)
	}

	return &Subscriber{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("notify"),
	}, nil
}

// Subscribe subscribes to a topic prefix; "" receives everything
func (s *Subscriber) Subscribe(topic string) error {
	if err := s.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	s.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the publisher
func (s *Subscriber) Connect() error {
	if err := s.socket.Connect(s.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", s.endpoint, err)
	}
	s.logger.Info("connected to ZMQ endpoint", "endpoint", s.endpoint)
	return nil
}

// Listen passes every message to handler until ctx is done. A receive
// error other than a timeout or interrupt ends it.
func (s *Subscriber) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := s.socket.RecvMessageBytes(0)
		if err != nil {
			switch zmq.AsErrno(err) {
			case zmq.Errno(syscall.EAGAIN), zmq.Errno(syscall.EINTR):
				continue
			}
			s.logger.WithError(err).Error("failed to receive ZMQ message")
			return fmt.Errorf("failed to receive ZMQ message: %w", err)
		}

		if len(msg) < 2 {
			s.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if err := handler(topic, msg[1]); err != nil {
			s.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic)
		}
	}
}

// Close closes the ZMQ socket
func (s *Subscriber) Close() error {
	if s.socket != nil {
		return s.socket.Close()
	}
	return nil
}
