// Package mqtt is the MQTT binding of the gateway envelope: one synthetic
// connection per agent label.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/conference/internal/adapters/gateway"
	"github.com/dkeye/conference/internal/core"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	qos            = 1
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
}

type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// Signaler subscribes <prefix>/request/+ and answers on
// <prefix>/response/<label>.
type Signaler struct {
	core   gateway.Core
	router *gateway.Router
	opts   Options

	cli pahomqtt.Client
	pub publisher
	ctx context.Context

	mu     sync.Mutex
	labels map[string]*labelConn

	onceStart sync.Once
}

// labelConn implements core.SignalConnection over the response topic.
type labelConn struct {
	pub   publisher
	topic string
	sess  *gateway.Session
}

func (c *labelConn) TrySend(f core.Frame) error {
	tok := c.pub.Publish(c.topic, qos, false, []byte(f))
	go func() {
		if !tok.WaitTimeout(publishTimeout) {
			log.Warn().Str("module", "mqtt").Str("topic", c.topic).Msg("publish timeout")
			return
		}
		if err := tok.Error(); err != nil {
			log.Warn().Err(err).Str("module", "mqtt").Str("topic", c.topic).Msg("publish failed")
		}
	}()
	return nil
}

func (c *labelConn) Close() {}

func NewSignaler(c gateway.Core, router *gateway.Router, opts Options) *Signaler {
	return &Signaler{
		core:   c,
		router: router,
		opts:   opts,
		ctx:    context.Background(),
		labels: make(map[string]*labelConn),
	}
}

func (s *Signaler) requestTopic() string { return s.opts.TopicPrefix + "/request/+" }

func (s *Signaler) responseTopic(label string) string {
	return s.opts.TopicPrefix + "/response/" + label
}

// Start connects and subscribes. The client disconnects when ctx ends.
func (s *Signaler) Start(ctx context.Context) error {
	var retErr error
	s.onceStart.Do(func() {
		s.ctx = ctx
		opts := pahomqtt.NewClientOptions().
			AddBroker(s.opts.Broker).
			SetClientID(fmt.Sprintf("%s-%d", s.opts.ClientID, time.Now().UnixNano())).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetResumeSubs(true).
			SetCleanSession(false).
			SetOrderMatters(false).
			SetKeepAlive(30 * time.Second).
			SetPingTimeout(10 * time.Second).
			SetConnectTimeout(connectTimeout)

		opts.OnConnect = func(c pahomqtt.Client) {
			topic := s.requestTopic()
			if tok := c.Subscribe(topic, qos, s.onMessage); tok.Wait() && tok.Error() != nil {
				log.Error().Err(tok.Error()).Str("module", "mqtt").Str("topic", topic).Msg("subscribe")
				return
			}
			log.Info().Str("module", "mqtt").Str("topic", topic).Msg("subscribed")
		}
		opts.OnConnectionLost = func(_ pahomqtt.Client, err error) {
			log.Warn().Err(err).Str("module", "mqtt").Msg("connection lost")
		}

		s.cli = pahomqtt.NewClient(opts)
		s.pub = s.cli

		log.Info().Str("module", "mqtt").Str("broker", s.opts.Broker).Str("prefix", s.opts.TopicPrefix).Msg("connecting")
		tok := s.cli.Connect()
		if !tok.WaitTimeout(connectTimeout) {
			retErr = fmt.Errorf("mqtt connect timeout (%s) at %s", connectTimeout, s.opts.Broker)
			return
		}
		if err := tok.Error(); err != nil {
			retErr = fmt.Errorf("mqtt connect: %w", err)
			return
		}

		go func() {
			<-ctx.Done()
			log.Info().Str("module", "mqtt").Msg("signaler shutting down")
			s.closeAll()
			s.cli.Disconnect(250)
		}()
	})
	return retErr
}

func (s *Signaler) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	s.handle(s.ctx, msg.Topic(), msg.Payload())
}

func (s *Signaler) handle(ctx context.Context, topic string, payload []byte) {
	label, ok := strings.CutPrefix(topic, s.opts.TopicPrefix+"/request/")
	if !ok || label == "" || strings.Contains(label, "/") {
		log.Warn().Str("module", "mqtt").Str("topic", topic).Msg("unexpected topic")
		return
	}
	s.session(label).Handle(ctx, payload)
}

func (s *Signaler) session(label string) *gateway.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.labels[label]; ok {
		return c.sess
	}
	c := &labelConn{pub: s.pub, topic: s.responseTopic(label)}
	c.sess = gateway.NewSession(s.core, s.router, c, "mqtt:"+label)
	s.labels[label] = c
	return c.sess
}

// closeAll destroys every label's session.
func (s *Signaler) closeAll() {
	s.mu.Lock()
	conns := make([]*labelConn, 0, len(s.labels))
	for label, c := range s.labels {
		conns = append(conns, c)
		delete(s.labels, label)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.sess.Close()
	}
}
