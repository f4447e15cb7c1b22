// Package exchange implements the signed REST client and private execution
// stream for one exchange credential.
package exchange

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coachpo/copytrader/lib/retry"
)

const (
	venue = "bybit"

	defaultRESTURL          = "https://api.bybit.com"
	defaultStreamURL        = "wss://stream.bybit.com/v5/private"
	defaultTestnetRESTURL   = "https://api-testnet.bybit.com"
	defaultTestnetStreamURL = "wss://stream-testnet.bybit.com/v5/private"
	defaultCategory         = "linear"

	defaultHTTPTimeout       = 5 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultAuthTTL           = 10 * time.Second
	defaultRequestsPerSecond = 10

	streamReadLimit    = 1 << 20
	streamWriteTimeout = 5 * time.Second
	errorBodyLimit     = 4 << 10
)

// Options configures clients created for individual credentials.
type Options struct {
	RESTURL          string
	StreamURL        string
	TestnetRESTURL   string
	TestnetStreamURL string
	Category         string

	HTTPTimeout       time.Duration
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	AuthTTL           time.Duration
	RequestsPerSecond float64
	DialPolicy        retry.Policy

	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *log.Logger
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.RESTURL) == "" {
		o.RESTURL = defaultRESTURL
	}
	if strings.TrimSpace(o.StreamURL) == "" {
		o.StreamURL = defaultStreamURL
	}
	if strings.TrimSpace(o.TestnetRESTURL) == "" {
		o.TestnetRESTURL = defaultTestnetRESTURL
	}
	if strings.TrimSpace(o.TestnetStreamURL) == "" {
		o.TestnetStreamURL = defaultTestnetStreamURL
	}
	if strings.TrimSpace(o.Category) == "" {
		o.Category = defaultCategory
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = defaultHTTPTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.AuthTTL <= 0 {
		o.AuthTTL = defaultAuthTTL
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = defaultRequestsPerSecond
	}
	if o.DialPolicy.MaxAttempts <= 0 {
		o.DialPolicy = retry.Policy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 3 * time.Second}
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.HTTPTimeout}
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stdout, "exchange ", log.LstdFlags|log.Lmicroseconds)
	}
	return o
}

func (o Options) restBase(testnet bool) string {
	if testnet {
		return strings.TrimRight(o.TestnetRESTURL, "/")
	}
	return strings.TrimRight(o.RESTURL, "/")
}

func (o Options) streamURL(testnet bool) string {
	if testnet {
		return o.TestnetStreamURL
	}
	return o.StreamURL
}
