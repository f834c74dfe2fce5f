package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cugtyt/agentflow-distributed/internal/events"
)

const DefaultSubjectPrefix = "agentflow"

type Options struct {
	URL    string
	Prefix string
	// DurableChannels are backed by JetStream streams so messages survive a
	// subscriber being offline. Defaults to the task results channel.
	DurableChannels []string
	// QueueName is the durable consumer group used for durable subscriptions.
	QueueName string
	Logger    *slog.Logger
}

type DistributedEventBus struct {
	nats      *nats.Conn
	jetStream nats.JetStreamContext
	prefix    string
	queueName string
	durable   map[string]bool
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	subscriptions  map[*natsSubscription]struct{}
	createdStreams map[string]bool
}

type natsSubscription struct {
	bus     *DistributedEventBus
	channel string
	durable bool
	sub     *nats.Subscription
}

func (s *natsSubscription) Channel() string { return s.channel }

// Unsubscribe removes the subscription. For durable channels this also removes
// the JetStream consumer, so processes that want to resume later should rely
// on Close instead.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subscriptions, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func NewDistributedEventBus(opts Options) (*DistributedEventBus, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "eventbus")

	nc, err := nats.Connect(opts.URL,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	queueName := opts.QueueName
	if queueName == "" {
		queueName = "orchestrator"
	}
	durableChannels := opts.DurableChannels
	if durableChannels == nil {
		durableChannels = []string{events.TaskResultsChannel}
	}
	durable := make(map[string]bool, len(durableChannels))
	for _, ch := range durableChannels {
		durable[ch] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	deb := &DistributedEventBus{
		nats:           nc,
		jetStream:      js,
		prefix:         prefix,
		queueName:      queueName,
		durable:        durable,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		subscriptions:  make(map[*natsSubscription]struct{}),
		createdStreams: make(map[string]bool),
	}

	logger.Info("Connected to NATS", "url", opts.URL)
	return deb, nil
}

func (deb *DistributedEventBus) subject(channel string) string {
	return deb.prefix + "." + strings.ReplaceAll(channel, ":", ".")
}

func (deb *DistributedEventBus) streamName(channel string) string {
	name := deb.prefix + "_" + channel
	name = strings.NewReplacer(".", "_", ":", "_", "-", "_").Replace(name)
	return strings.ToUpper(name)
}

func (deb *DistributedEventBus) ensureStreamForChannel(channel string) error {
	deb.mu.Lock()
	defer deb.mu.Unlock()

	if deb.createdStreams[channel] {
		return nil
	}

	name := deb.streamName(channel)
	_, err := deb.jetStream.StreamInfo(name)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream %s: %w", name, err)
		}
		streamConfig := &nats.StreamConfig{
			Name:       name,
			Subjects:   []string{deb.subject(channel)},
			Retention:  nats.WorkQueuePolicy,
			Storage:    nats.FileStorage,
			Duplicates: 2 * time.Minute,
			MaxAge:     24 * time.Hour,
		}

		if _, err := deb.jetStream.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", name, err)
		}
		deb.logger.Info("Created JetStream stream", "stream", name)
	}

	deb.createdStreams[channel] = true
	return nil
}

func messageID(env events.Envelope) string {
	return fmt.Sprintf("%s:%s:%s:%d", env.Type, env.From, env.TaskID, env.Timestamp.UnixNano())
}

func (deb *DistributedEventBus) Publish(ctx context.Context, channel string, env events.Envelope) error {
	if !deb.IsConnected() {
		return &TransportError{Channel: channel, Err: nats.ErrConnectionClosed}
	}

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	subject := deb.subject(channel)
	if deb.durable[channel] {
		if err := deb.ensureStreamForChannel(channel); err != nil {
			return &TransportError{Channel: channel, Err: err}
		}
		if _, err := deb.jetStream.Publish(subject, data, nats.MsgId(messageID(env)), nats.Context(ctx)); err != nil {
			return &TransportError{Channel: channel, Err: err}
		}
	} else if err := deb.nats.Publish(subject, data); err != nil {
		return &TransportError{Channel: channel, Err: err}
	}

	deb.logger.Debug("EventBus: message published", "channel", channel, "type", env.Type, "task_id", env.TaskID)
	return nil
}

func (deb *DistributedEventBus) Subscribe(channel string, handler Handler) (Subscription, error) {
	subject := deb.subject(channel)
	isDurable := deb.durable[channel]

	deliver := func(msg *nats.Msg) {
		env, err := events.UnmarshalEnvelope(msg.Data)
		if err != nil {
			deb.logger.Warn("Dropping malformed message", "channel", channel, "error", err)
		} else {
			handler(deb.ctx, env)
		}
		if isDurable {
			if err := msg.Ack(); err != nil {
				deb.logger.Warn("Failed to ack message", "channel", channel, "error", err)
			}
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if isDurable {
		if err := deb.ensureStreamForChannel(channel); err != nil {
			return nil, err
		}
		sub, err = deb.jetStream.QueueSubscribe(subject, deb.queueName, deliver,
			nats.Durable(deb.queueName),
			nats.ManualAck(),
			nats.AckWait(30*time.Second),
			nats.MaxDeliver(5),
		)
	} else {
		sub, err = deb.nats.Subscribe(subject, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	s := &natsSubscription{bus: deb, channel: channel, durable: isDurable, sub: sub}
	deb.mu.Lock()
	deb.subscriptions[s] = struct{}{}
	deb.mu.Unlock()

	deb.logger.Info("EventBus: subscribed", "channel", channel, "subject", subject, "durable", isDurable)
	return s, nil
}

func (deb *DistributedEventBus) Close() error {
	deb.logger.Info("Closing EventBus connections...")

	deb.mu.Lock()
	subs := make([]*natsSubscription, 0, len(deb.subscriptions))
	for s := range deb.subscriptions {
		subs = append(subs, s)
	}
	deb.subscriptions = make(map[*natsSubscription]struct{})
	deb.mu.Unlock()

	for _, s := range subs {
		// durable consumers must outlive the process
		if s.durable {
			continue
		}
		if err := s.sub.Unsubscribe(); err != nil {
			deb.logger.Warn("Error unsubscribing", "channel", s.channel, "error", err)
		}
	}

	deb.cancel()
	if deb.nats != nil {
		deb.nats.Close()
	}

	deb.logger.Info("EventBus closed")
	return nil
}

func (deb *DistributedEventBus) IsConnected() bool {
	return deb.nats != nil && deb.nats.IsConnected()
}

func (deb *DistributedEventBus) Status() string {
	if deb.nats == nil {
		return "Not initialized"
	}
	if deb.nats.IsConnected() {
		return fmt.Sprintf("Connected to %s", deb.nats.ConnectedUrl())
	}
	return "Disconnected"
}
