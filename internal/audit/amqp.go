package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPConfig configures the broker sink.
type AMQPConfig struct {
	URL         string
	Exchange    string
	RoutingKey  string // prefix; the record kind and gate are appended
	DialTimeout time.Duration
}

// publisher is the part of *amqp.Channel the sink needs.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes each event, session change and completion as a JSON
// message on a durable topic exchange. Routing keys have the form
// <prefix>.<gate>.<kind> where kind is event, session or completion.
type AMQPSink struct {
	cfg AMQPConfig

	mu    sync.Mutex
	conn  *amqp.Connection
	ch    publisher
	dial  func() (*amqp.Connection, publisher, error)
	close chan *amqp.Error
}

// NewAMQPSink returns a sink that connects on first use and reconnects after
// the broker drops the connection.
func NewAMQPSink(cfg AMQPConfig) *AMQPSink {
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "gatecheck"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	s := &AMQPSink{cfg: cfg}
	s.dial = s.dialBroker
	return s
}

// Name implements Sink.
func (s *AMQPSink) Name() string { return "amqp" }

func (s *AMQPSink) dialBroker() (*amqp.Connection, publisher, error) {
	if s.cfg.URL == "" || s.cfg.Exchange == "" {
		return nil, nil, errors.New("amqp url or exchange not configured")
	}
	conn, err := amqp.DialConfig(s.cfg.URL, amqp.Config{Dial: amqp.DefaultDial(s.cfg.DialTimeout)})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to amqp server: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		s.cfg.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", s.cfg.Exchange, err)
	}
	return conn, ch, nil
}

// connect returns the live channel, dialling when needed. Callers hold mu.
func (s *AMQPSink) connect() (publisher, error) {
	if s.ch != nil {
		select {
		case err := <-s.close:
			log.With(logrus.Fields{"exchange": s.cfg.Exchange}).OpsErr(err, "amqp connection closed, reconnecting")
			s.ch, s.conn, s.close = nil, nil, nil
		default:
			return s.ch, nil
		}
	}
	conn, ch, err := s.dial()
	if err != nil {
		return nil, err
	}
	s.conn, s.ch = conn, ch
	if conn != nil {
		s.close = conn.NotifyClose(make(chan *amqp.Error, 1))
	}
	log.With(logrus.Fields{"exchange": s.cfg.Exchange}).Diagf("connected to amqp server")
	return ch, nil
}

type amqpMessage struct {
	kind string
	ts   time.Time
	body any
}

func batchMessages(b Batch) []amqpMessage {
	msgs := make([]amqpMessage, 0, len(b.Events)+len(b.Sessions)+len(b.Completions))
	for _, ev := range b.Events {
		msgs = append(msgs, amqpMessage{kind: "event", ts: ev.Timestamp, body: ev})
	}
	for _, sess := range b.Sessions {
		ts := sess.Start
		if sess.End != nil {
			ts = *sess.End
		}
		msgs = append(msgs, amqpMessage{kind: "session", ts: ts, body: sess})
	}
	for _, c := range b.Completions {
		msgs = append(msgs, amqpMessage{kind: "completion", ts: c.Timestamp, body: c})
	}
	return msgs
}

// Write implements Sink. A publish failure drops the channel so the next
// batch reconnects.
func (s *AMQPSink) Write(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.connect()
	if err != nil {
		return err
	}
	for _, m := range batchMessages(b) {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := json.Marshal(m.body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", m.kind, err)
		}
		key := fmt.Sprintf("%s.%s.%s", s.cfg.RoutingKey, b.GateID, m.kind)
		err = ch.Publish(s.cfg.Exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    m.ts,
			Type:         m.kind,
		})
		if err != nil {
			s.reset()
			return fmt.Errorf("publish %s: %w", key, err)
		}
	}
	return nil
}

func (s *AMQPSink) reset() {
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.ch, s.conn, s.close = nil, nil, nil
}

// Close implements Sink.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}
