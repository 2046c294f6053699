package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeName is the durable topic exchange session events are published to.
const ExchangeName = "session.events"

// ErrBrokerUnavailable is returned by Publish while the publisher waits
// before dialing a broker that could not be reached.
var ErrBrokerUnavailable = errors.New("broker unavailable")

const (
    defaultDialTimeout = 2 * time.Second
    defaultRedialAfter = 5 * time.Second
)

// Publisher keeps one broker connection open and publishes events as
// persistent JSON messages keyed by event type.  A broken connection is
// dropped and re-dialed on the next Publish.  After a failed dial, Publish
// fails fast with ErrBrokerUnavailable until redialAfter has passed.
type Publisher struct {
    url         string
    dialTimeout time.Duration
    redialAfter time.Duration

    mu      sync.Mutex
    conn    *amqp.Connection
    ch      *amqp.Channel
    retryAt time.Time
}

// NewPublisher returns a publisher for the broker at url.  The connection is
// opened lazily so the API can start while the broker is still coming up.
func NewPublisher(url string) *Publisher {
    return &Publisher{url: url, dialTimeout: defaultDialTimeout, redialAfter: defaultRedialAfter}
}

func (p *Publisher) connect() error {
    if p.ch != nil && !p.ch.IsClosed() {
        return nil
    }
    p.closeLocked()
    if time.Now().Before(p.retryAt) {
        return ErrBrokerUnavailable
    }
    conn, err := amqp.DialConfig(p.url, amqp.Config{
        Heartbeat: 10 * time.Second,
        Locale:    "en_US",
        Dial:      amqp.DefaultDial(p.dialTimeout),
    })
    if err != nil {
        p.retryAt = time.Now().Add(p.redialAfter)
        return fmt.Errorf("dial rabbitmq: %w", err)
    }
    ch, err := conn.Channel()
    if err != nil {
        _ = conn.Close()
        return fmt.Errorf("open channel: %w", err)
    }
    if err := declareExchange(ch); err != nil {
        _ = ch.Close()
        _ = conn.Close()
        return err
    }
    p.conn, p.ch = conn, ch
    return nil
}

func declareExchange(ch *amqp.Channel) error {
    if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
        return fmt.Errorf("declare exchange: %w", err)
    }
    return nil
}

// Publish sends ev to the events exchange.  Errors are logged and returned
// so callers can ignore them without interrupting the request.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
    body, err := json.Marshal(ev)
    if err != nil {
        log.Printf("rabbitmq: marshal event failed: %v", err)
        return err
    }

    if err := ctx.Err(); err != nil {
        return err
    }
    p.mu.Lock()
    defer p.mu.Unlock()
    if err := p.connect(); err != nil {
        if !errors.Is(err, ErrBrokerUnavailable) {
            log.Printf("rabbitmq: %v", err)
        }
        return err
    }
    msg := amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent,
        MessageId:    ev.ID,
        Timestamp:    time.Now().UTC(),
        Body:         body,
    }
    if err := p.ch.PublishWithContext(ctx, ExchangeName, string(ev.Type), false, false, msg); err != nil {
        log.Printf("rabbitmq: publish %s failed: %v", ev.Type, err)
        p.closeLocked()
        return err
    }
    return nil
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
    p.mu.Lock()
    defer p.mu.Unlock()
    return p.closeLocked()
}

func (p *Publisher) closeLocked() error {
    var err error
    if p.ch != nil {
        _ = p.ch.Close()
        p.ch = nil
    }
    if p.conn != nil {
        err = p.conn.Close()
        p.conn = nil
    }
    return err
}
