// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-pushkey-service/pkg/pushkey"
)

const (
	AuthCertificate = "certificate"
	AuthToken       = "token"

	DefaultTopic   = "me.fin.bark"
	DefaultSound   = "1107"
	DefaultTimeout = 10 * time.Second
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the credentials and delivery options for the gateway.
type Config struct {
	// AuthMode is AuthCertificate (default) or AuthToken.
	AuthMode string

	// Certificate auth: a .p12 or .pem file.
	CertPath     string
	CertPassword string

	// Token auth: raw content of the .p8 key.
	P8KeyContent string
	KeyID        string
	TeamID       string

	// Topic is the app bundle id every notification is addressed to.
	Topic      string
	Sound      string
	Production bool
	Timeout    time.Duration
}

type Dispatcher struct {
	client  APNSClient
	closer  func()
	topic   string
	sound   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates the process-wide APNs dispatcher. Credentials are
// loaded once here so bad certificates fail the service at startup, and the
// underlying HTTP/2 connection pool is reused by every Send.
func NewDispatcher(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	var client *apns2.Client

	switch cfg.AuthMode {
	case AuthToken:
		authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
		if err != nil {
			return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
		}
		client = apns2.NewTokenClient(&token.Token{
			AuthKey: authKey,
			KeyID:   cfg.KeyID,
			TeamID:  cfg.TeamID,
		})
	case AuthCertificate, "":
		cert, err := loadCertificate(cfg.CertPath, cfg.CertPassword)
		if err != nil {
			return nil, err
		}
		client = apns2.NewClient(cert)
	default:
		return nil, fmt.Errorf("unknown APNs auth mode %q", cfg.AuthMode)
	}

	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	d := newDispatcher(client, cfg, logger)
	d.closer = client.HTTPClient.CloseIdleConnections
	return d, nil
}

// NewDispatcherWithClient builds a dispatcher around an existing client.
func NewDispatcherWithClient(client APNSClient, cfg Config, logger *slog.Logger) *Dispatcher {
	return newDispatcher(client, cfg, logger)
}

func newDispatcher(client APNSClient, cfg Config, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		client:  client,
		topic:   cfg.Topic,
		sound:   cfg.Sound,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "APNSDispatcher"),
	}
	if d.topic == "" {
		d.topic = DefaultTopic
	}
	if d.sound == "" {
		d.sound = DefaultSound
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	return d
}

func loadCertificate(path, password string) (tls.Certificate, error) {
	if path == "" {
		return tls.Certificate{}, errors.New("APNs certificate path is empty")
	}
	var (
		cert tls.Certificate
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".p12") {
		cert, err = certificate.FromP12File(path, password)
	} else {
		cert, err = certificate.FromPemFile(path, password)
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load APNs certificate %s: %w", path, err)
	}
	return cert, nil
}

// alert keeps empty title/body in the JSON; payload.AlertTitle would drop them.
type alert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// BuildPayload assembles the APNs payload for req. The aps dictionary is
// built first; extra params become top-level custom keys and can never
// replace it.
func (d *Dispatcher) BuildPayload(req pushkey.PushRequest) (*payload.Payload, error) {
	badge, err := req.ExtraParams.Badge()
	if err != nil {
		return nil, err
	}

	p := payload.NewPayload().
		Alert(alert{Title: req.Title, Body: req.Body}).
		Sound(d.sound).
		Badge(badge).
		Category(req.Category).
		MutableContent()

	for k, v := range req.ExtraParams.Passthrough() {
		if k == "aps" {
			continue
		}
		p.Custom(k, v)
	}
	return p, nil
}

// Send pushes a single notification. APNs HTTP/2 is unary: one request per token.
func (d *Dispatcher) Send(ctx context.Context, deviceToken string, req pushkey.PushRequest) (pushkey.Outcome, error) {
	if deviceToken == "" {
		return pushkey.Outcome{}, fmt.Errorf("%w: empty device token", pushkey.ErrInvalidInput)
	}

	p, err := d.BuildPayload(req)
	if err != nil {
		return pushkey.Outcome{}, err
	}

	n := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       d.topic,
		Payload:     p,
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.client.PushWithContext(ctx, n)
	if err != nil {
		// Network, TLS or timeout: no verdict from the provider.
		d.logger.Error("APNs transport failed", "token", redact(deviceToken), "err", err)
		return pushkey.Outcome{}, fmt.Errorf("%w: %w", pushkey.ErrTransport, err)
	}

	if res.Sent() {
		d.logger.Debug("APNs accepted notification", "apns_id", res.ApnsID)
		return pushkey.Delivered(), nil
	}

	reason := res.Reason
	if reason == "" {
		reason = fmt.Sprintf("APNs status %d", res.StatusCode)
	}
	d.logger.Warn("APNs rejected notification", "reason", reason, "status", res.StatusCode, "token", redact(deviceToken))
	return pushkey.Failed(reason), nil
}

// Close releases pooled gateway connections.
func (d *Dispatcher) Close() {
	if d.closer != nil {
		d.closer()
	}
}

func redact(t string) string {
	if len(t) <= 8 {
		return "****"
	}
	return t[:8] + "****"
}
