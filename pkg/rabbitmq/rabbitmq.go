package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const dialTimeout = 10 * time.Second

// Client 持有一條 AMQP 連線與一個 channel
// channel 不是 goroutine-safe，發布時以 mu 保護
type Client struct {
	conn *amqp.Connection

	mu      sync.Mutex
	channel *amqp.Channel
	log     zerolog.Logger
}

// SanitizeURL 去掉前後空白與引號，並確認 scheme 為 amqp/amqps
func SanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// Dial 建立連線，啟動時不會無限等待
func Dial(rawURL string, log zerolog.Logger) (*Client, error) {
	cleanURL, err := SanitizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Client{conn: conn, channel: ch, log: log}, nil
}

// DeclareExchange 宣告 durable topic exchange
func (c *Client) DeclareExchange(exchange string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// PublishJSON 以 persistent 模式發布 JSON
// channel 失效時重開一次再試
func (c *Client) PublishJSON(ctx context.Context, exchange, routingKey string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}
	c.log.Warn().Err(err).Str("exchange", exchange).Str("routing_key", routingKey).Msg("publish failed, reopening channel")

	ch, chErr := c.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	c.channel = ch
	if err := c.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("redeclare exchange: %w", err)
	}
	if err := c.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// ErrDiscard handler 回傳包裝此錯誤的 error 時，訊息直接丟棄不重新排入 (例如格式錯誤)
var ErrDiscard = errors.New("discard message")

// Handler 處理一則訊息，回傳 error 代表要重新排入佇列
type Handler func(ctx context.Context, body []byte) error

// Consume 宣告 queue 並綁定 routingKey，阻塞直到 ctx 取消或連線中斷
func (c *Client) Consume(ctx context.Context, exchange, queue, routingKey string, handle Handler) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return err
	}
	if err := ch.Qos(32, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := handle(ctx, d.Body); err != nil {
				if errors.Is(err, ErrDiscard) {
					c.log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("dropping message")
					_ = d.Nack(false, false)
					continue
				}
				c.log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("handler failed, re-queuing")
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Close 關閉 channel 與連線
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
