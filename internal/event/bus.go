package event

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/y-oga-819/claude-session/internal/logging"
)

// TopicAll は全セッションの通知が流れるトピック
const TopicAll = "sessions"

// Topic はセッションごとのトピック名
func Topic(session string) string {
	return "session." + session
}

// Bus はwatermillのgochannelを使った複数購読者向けのSink
//
// Emitはキューに積むだけで、配信は1本のgoroutineが順に行う。
// 購読者ごとに受信順はEmit順と一致する。
// 購読者が受け取るEventのDataはJSONから復元した汎用の値になる。
type Bus struct {
	pubsub *gochannel.GoChannel
	queue  chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewBus は新しいBusを作成する
func NewBus() *Bus {
	b := &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 64,
				// 購読者ごとの順序を保つため、ackを待ってから次を送る
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NopLogger{},
		),
		queue: make(chan Event, 1024),
		done:  make(chan struct{}),
		log:   logging.For("event"),
	}

	b.wg.Add(1)
	go b.pump()
	return b
}

// Emit は通知を配信キューに積む。Close後は捨てる
func (b *Bus) Emit(e Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- e:
	case <-b.done:
	}
}

func (b *Bus) pump() {
	defer b.wg.Done()
	for {
		select {
		case e := <-b.queue:
			b.publish(e)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("event dropped: marshal failed")
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", string(e.Kind))

	topics := []string{TopicAll}
	if e.Session != "" {
		topics = append(topics, Topic(e.Session))
	}
	for _, topic := range topics {
		if err := b.pubsub.Publish(topic, msg); err != nil {
			b.log.Debug().Err(err).Str("topic", topic).Msg("publish failed")
			return
		}
	}
}

// Subscribe はセッションの通知を受け取るチャネルを返す
// sessionが空なら全セッション分。ctxが終わるとチャネルは閉じる
func (b *Bus) Subscribe(ctx context.Context, session string) (<-chan Event, error) {
	topic := TopicAll
	if session != "" {
		topic = Topic(session)
	}

	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var e Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				b.log.Warn().Err(err).Msg("event decode failed")
				msg.Ack()
				continue
			}
			select {
			case out <- e:
				msg.Ack()
			case <-ctx.Done():
				msg.Ack()
				return
			case <-b.done:
				msg.Ack()
				return
			}
		}
	}()
	return out, nil
}

// Close は配信を止め、購読チャネルを全て閉じる（冪等）
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		err = b.pubsub.Close()
	})
	return err
}
