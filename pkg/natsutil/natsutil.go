// Package natsutil provides typed JSON publish/subscribe helpers over NATS
// with OpenTelemetry trace propagation through message headers.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryHeader counts how many times a message has been redelivered by hand.
const RetryHeader = "X-Retry-Count"

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publisher sends JSON messages. *Conn satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any, header nats.Header) error
}

// Conn is a Publisher backed by a NATS connection.
type Conn struct{ NC *nats.Conn }

// Publish implements Publisher.
func (c Conn) Publish(ctx context.Context, subject string, v any, header nats.Header) error {
	return PublishWithHeader(ctx, c.NC, subject, v, header)
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	return PublishWithHeader(ctx, nc, subject, v, nil)
}

// PublishWithHeader is Publish with extra headers copied onto the message.
func PublishWithHeader[T any](ctx context.Context, nc *nats.Conn, subject string, v T, header nats.Header) error {
	msg, err := newMsg(ctx, subject, v, header)
	if err != nil {
		return err
	}
	return nc.PublishMsg(msg)
}

func newMsg[T any](ctx context.Context, subject string, v T, header nats.Header) (*nats.Msg, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("natsutil: marshal %s: %w", subject, err)
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	for k, vals := range header {
		for _, val := range vals {
			(*natsHeaderCarrier)(msg).addHeader(k, val)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

func (c *natsHeaderCarrier) addHeader(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Add(key, val)
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the handler.
// Malformed messages are silently dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return SubscribeMsg(nc, subject, func(ctx context.Context, v T, _ *nats.Msg) {
		handler(ctx, v)
	})
}

// SubscribeMsg is Subscribe with the raw message passed along for header access.
func SubscribeMsg[T any](nc *nats.Conn, subject string, handler func(context.Context, T, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		v, ctx, ok := decode[T](msg)
		if !ok {
			return
		}
		handler(ctx, v, msg)
	})
}

func decode[T any](msg *nats.Msg) (T, context.Context, bool) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return v, nil, false
	}
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
	return v, ctx, true
}

// RetryCount reads RetryHeader from msg. Missing or invalid values count as 0.
func RetryCount(msg *nats.Msg) int {
	if msg == nil || msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// RetryHeaderValue builds the headers for a redelivery with the given count.
func RetryHeaderValue(n int) nats.Header {
	h := nats.Header{}
	h.Set(RetryHeader, strconv.Itoa(n))
	return h
}
