// Package dav is the HTTP/WebDAV client for the remote mail server. A
// Client holds transport policy; Connect returns a Session bound to one
// account's endpoint and credentials.
package dav

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
)

// Client creates sessions with a shared timeout and retry policy.
type Client struct {
	cfg   model.HTTPConfig
	log   logrus.FieldLogger
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a protocol client. Zero config fields fall back to
// the defaults of model.DefaultAppConfig.
func NewClient(cfg model.HTTPConfig, log logrus.FieldLogger) *Client {
	def := model.DefaultAppConfig().HTTP
	if cfg.ConnectTimeoutSec <= 0 {
		cfg.ConnectTimeoutSec = def.ConnectTimeoutSec
	}
	if cfg.ReadTimeoutSec <= 0 {
		cfg.ReadTimeoutSec = def.ReadTimeoutSec
	}
	if cfg.WriteTimeoutSec <= 0 {
		cfg.WriteTimeoutSec = def.WriteTimeoutSec
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoffMs <= 0 {
		cfg.InitialBackoffMs = def.InitialBackoffMs
	}

	return &Client{
		cfg:   cfg,
		log:   log,
		sleep: sleepCtx,
	}
}

// Connect builds a session for the account and checks the server with
// OPTIONS /. The credential header is computed once here and reused by
// every request of the session.
func (c *Client) Connect(
	ctx context.Context,
	acc model.AccountConfig,
	password string,
) (*Session, error) {
	base, err := acc.Endpoint()
	if err != nil {
		return nil, err
	}

	log := c.log.WithField("account", acc.ID)

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if acc.InsecureSkipVerify {
		log.Warn("TLS certificate verification is DISABLED for this account; " +
			"this mode is for local testing only and must not be used in production")
		tlsCfg.InsecureSkipVerify = true
	}

	connectTimeout := time.Duration(c.cfg.ConnectTimeoutSec) * time.Second
	readTimeout := time.Duration(c.cfg.ReadTimeoutSec) * time.Second
	writeTimeout := time.Duration(c.cfg.WriteTimeoutSec) * time.Second

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}

	s := &Session{
		accountID: acc.ID,
		base:      base,
		auth:      basicAuth(acc.Username, password),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   connectTimeout + readTimeout + writeTimeout,
		},
		maxAttempts:    c.cfg.MaxAttempts,
		initialBackoff: time.Duration(c.cfg.InitialBackoffMs) * time.Millisecond,
		sleep:          c.sleep,
		log:            log,
	}

	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("connecting to %s: %w", base.Host, err)
	}

	log.WithField("server", base.String()).Debug("dav session established")
	return s, nil
}

func basicAuth(username, password string) string {
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return "Basic " + token
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
