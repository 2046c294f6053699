package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strings"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"
)

const settlementQueueName = "session.settlement"

// SettlementLogConsumer reads settlement events from the broker and appends
// one line per event to a log file.  Lines for partial claims and cancels
// list the riders whose holds are still authorized so they can be
// reconciled by hand.
type SettlementLogConsumer struct {
    URL     string
    LogPath string
}

// Run connects to RabbitMQ, declares the settlement queue (durable) bound to
// every session.* event and consumes until ctx is cancelled.  Connection
// failures are retried with a capped exponential backoff; a message that
// cannot be handled is logged and rejected without requeue.
func (c *SettlementLogConsumer) Run(ctx context.Context) error {
    backoff := time.Second
    for {
        if err := ctx.Err(); err != nil {
            return err
        }
        conn, err := amqp.Dial(c.URL)
        if err != nil {
            log.Printf("settlement-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
            if !sleep(ctx, backoff) {
                return ctx.Err()
            }
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second

        err = c.consumeLoop(ctx, conn)
        _ = conn.Close()
        if ctx.Err() != nil {
            return ctx.Err()
        }
        log.Printf("settlement-consumer: consume loop ended: %v; reconnecting", err)
        if !sleep(ctx, 2*time.Second) {
            return ctx.Err()
        }
    }
}

func sleep(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}

func (c *SettlementLogConsumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        log.Printf("settlement-consumer: set QoS failed: %v", err)
    }
    if err := declareExchange(ch); err != nil {
        return err
    }
    if _, err := ch.QueueDeclare(settlementQueueName, true, false, false, false, nil); err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }
    if err := ch.QueueBind(settlementQueueName, "session.*", ExchangeName, false, nil); err != nil {
        return fmt.Errorf("queue bind: %w", err)
    }

    msgs, err := ch.ConsumeWithContext(ctx, settlementQueueName, "", false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for d := range msgs {
        if err := c.handleMessage(d.Body); err != nil {
            log.Printf("settlement-consumer: handle message failed: %v", err)
            _ = d.Nack(false, false)
            continue
        }
        _ = d.Ack(false)
    }
    return errors.New("deliveries channel closed")
}

func (c *SettlementLogConsumer) handleMessage(body []byte) error {
    var ev Event
    if err := json.Unmarshal(body, &ev); err != nil {
        return fmt.Errorf("unmarshal: %w", err)
    }
    if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o755); err != nil {
        return fmt.Errorf("mkdir logs: %w", err)
    }
    f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil {
        return fmt.Errorf("open log file: %w", err)
    }
    defer f.Close()

    if _, err := f.WriteString(FormatSettlementLine(ev)); err != nil {
        return fmt.Errorf("write log: %w", err)
    }
    return nil
}

// FormatSettlementLine renders ev as a single log line terminated by '\n'.
func FormatSettlementLine(ev Event) string {
    var action string
    switch ev.Type {
    case EventSessionClaimed:
        action = "Session claimed"
    case EventSessionClaimPartial:
        action = "Claim incomplete"
    case EventSessionCancelled:
        action = "Session cancelled"
    default:
        action = string(ev.Type)
    }
    return fmt.Sprintf("[%s] %s | operator_id=%s | session_id=%s | status=%s | settled=%s | failed=%s | unresolved=%s\n",
        ev.OccurredAt, action, ev.OperatorID, ev.SessionID, ev.Status, list(ev.Settled), list(ev.Failed), list(ev.Unresolved))
}

func list(ids []string) string {
    if len(ids) == 0 {
        return "[]"
    }
    return "[" + strings.Join(ids, ",") + "]"
}
