// Copyright 2025 The fleetd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mqtt wraps the paho MQTT client behind the small transport surface
// the MQTT worker needs: connect, publish, subscribe, disconnect, with an
// independent timeout per operation. Operation timeouts classify as
// network-connection errors so they never advance retry streaks.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"fleetd/pkg/agenterr"
)

// MessageHandler receives one inbound publish.
type MessageHandler func(topic string, payload []byte)

// Transport is the worker-facing client surface. The production
// implementation is Client; tests substitute fakes.
type Transport interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Disconnect()
}

// Config describes one client+event-loop pair.
type Config struct {
	// BrokerURL is the broker endpoint, e.g. "tcp://mqtt.example.com:1883".
	BrokerURL string

	// ClientID identifies this session to the broker.
	ClientID string

	// Username carries the device session id; Password carries the bearer
	// token.
	Username string
	Password string

	// OnConnect fires on every successful CONNACK; OnConnectionLost on
	// every disconnect.
	OnConnect       func()
	OnConnectionLost func(err error)

	// Timeouts per operation. Zero values default to 10s.
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.PublishTimeout == 0 {
		out.PublishTimeout = 10 * time.Second
	}
	if out.SubscribeTimeout == 0 {
		out.SubscribeTimeout = 10 * time.Second
	}
	return out
}

// Client is a thin wrapper over one paho client and its event loop.
type Client struct {
	inner paho.Client
	cfg   Config
}

// NewClient builds the client without connecting.
func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(false).
		SetConnectTimeout(cfg.ConnectTimeout)

	if cfg.OnConnect != nil {
		opts.SetOnConnectHandler(func(paho.Client) { cfg.OnConnect() })
	}
	if cfg.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(func(_ paho.Client, err error) { cfg.OnConnectionLost(err) })
	}

	return &Client{inner: paho.NewClient(opts), cfg: cfg}
}

// Connect dials the broker. Bad credentials classify as authentication
// errors so the worker refreshes the token and rebuilds the client.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.wait(ctx, c.inner.Connect(), c.cfg.ConnectTimeout, "connect"); err != nil {
		if isBadCredentials(err) {
			return agenterr.Auth(err)
		}
		return err
	}
	return nil
}

// Publish sends one message at QoS 1.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	return c.wait(ctx, c.inner.Publish(topic, 1, false, payload), c.cfg.PublishTimeout, "publish to "+topic)
}

// Subscribe registers handler for topic at QoS 1.
func (c *Client) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	token := c.inner.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return c.wait(ctx, token, c.cfg.SubscribeTimeout, "subscribe to "+topic)
}

// Disconnect closes the connection, allowing a short quiesce for in-flight
// messages.
func (c *Client) Disconnect() {
	c.inner.Disconnect(250)
}

// wait blocks on a paho token with the operation's own timeout. Timeouts are
// network-connection errors by policy.
func (c *Client) wait(ctx context.Context, token paho.Token, timeout time.Duration, op string) error {
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt %s: %w", op, err)
		}
		return nil
	case <-time.After(timeout):
		return agenterr.Network(fmt.Errorf("mqtt %s: timed out after %s", op, timeout))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isBadCredentials detects the CONNACK refusals that mean the token is no
// longer accepted.
func isBadCredentials(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "bad user name or password") ||
		strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "not authorised")
}
