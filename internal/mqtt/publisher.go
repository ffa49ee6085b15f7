package mqtt

import (
	"sync"
	"sync/atomic"
	"time"

	"bluetooth-peer/internal/device"
)

// defaultQueueSize bounds the messages waiting for the broker.
const defaultQueueSize = 256

// Sink is where a Publisher sends messages. *Client implements it.
type Sink interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Logger is the logging interface used by the publisher.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// Publisher turns registry and session events into MQTT messages.
//
// Event methods never block: messages go through a bounded queue drained by
// one goroutine, and are dropped (and counted) when the queue is full.
type Publisher struct {
	sink   Sink
	topics Topics
	qos    byte
	log    Logger
	now    func() time.Time

	mu      sync.RWMutex
	closed  bool
	queue   chan message
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewPublisher starts a publisher sending to sink. log may be nil.
func NewPublisher(sink Sink, topics Topics, qos byte, log Logger) *Publisher {
	if log == nil {
		log = noopLogger{}
	}
	p := &Publisher{
		sink:   sink,
		topics: topics,
		qos:    qos,
		log:    log,
		now:    time.Now,
		queue:  make(chan message, defaultQueueSize),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for m := range p.queue {
		if err := p.sink.Publish(m.topic, m.payload, p.qos, m.retained); err != nil {
			p.log.Warn("mqtt publish failed", "topic", m.topic, "error", err)
		}
	}
}

func (p *Publisher) enqueue(topic string, payload []byte, err error, retained bool) {
	if err != nil {
		p.log.Warn("encoding mqtt payload failed", "topic", topic, "error", err)
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- message{topic: topic, payload: payload, retained: retained}:
	default:
		n := p.dropped.Add(1)
		p.log.Warn("mqtt queue full, dropping message", "topic", topic, "dropped", n)
	}
}

// DeviceAdded publishes the device's identity, class and state.
func (p *Publisher) DeviceAdded(id device.Identity, props device.Properties) {
	b, err := deviceAddedPayload(id, props, p.now())
	p.enqueue(p.topics.DeviceAdded(id), b, err, false)
}

func (p *Publisher) DeviceRemoved(id device.Identity) {
	b, err := deviceRemovedPayload(id, p.now())
	p.enqueue(p.topics.DeviceRemoved(id), b, err, false)
}

// SessionData publishes one chunk read on a session.
func (p *Publisher) SessionData(sessionID string, dev device.Identity, data []byte) {
	b, err := sessionDataPayload(sessionID, dev, data, p.now())
	p.enqueue(p.topics.SessionRx(sessionID), b, err, false)
}

func (p *Publisher) SessionState(sessionID string, dev device.Identity, state string) {
	b, err := sessionStatePayload(sessionID, dev, state, p.now())
	p.enqueue(p.topics.SessionState(sessionID), b, err, false)
}

// Dropped reports how many messages were discarded because the queue was full.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

// Close stops accepting events and waits until queued messages are sent.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
