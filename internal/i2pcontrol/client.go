// Package i2pcontrol implements an authenticated JSON-RPC client for the
// I2PControl management API exposed by i2pd and Java I2P routers.
//
// The protocol is session based: Authenticate exchanges a password for a
// token, and every subsequent call presents that token. Tokens expire
// server-side, so the client transparently re-authenticates once when the
// router rejects one.
package i2pcontrol

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RouterInfo field keys published by the I2PControl API.
const (
	KeyStatus  = "i2p.router.status"
	KeyVersion = "i2p.router.version"
	KeyUptime  = "i2p.router.uptime"

	KeyBWInbound1s   = "i2p.router.net.bw.inbound.1s"
	KeyBWInbound15s  = "i2p.router.net.bw.inbound.15s"
	KeyBWOutbound1s  = "i2p.router.net.bw.outbound.1s"
	KeyBWOutbound15s = "i2p.router.net.bw.outbound.15s"
	KeyBWTransit15s  = "i2p.router.net.bw.transit.15s"

	KeyNetStatus    = "i2p.router.net.status"
	KeyNetStatusV6  = "i2p.router.net.status.v6"
	KeyNetError     = "i2p.router.net.error"
	KeyNetErrorV6   = "i2p.router.net.error.v6"
	KeyNetTesting   = "i2p.router.net.testing"
	KeyNetTestingV6 = "i2p.router.net.testing.v6"

	KeyTunnelsParticipating    = "i2p.router.net.tunnels.participating"
	KeyTunnelsInbound          = "i2p.router.net.tunnels.inbound"
	KeyTunnelsOutbound         = "i2p.router.net.tunnels.outbound"
	KeyTunnelsSuccessRate      = "i2p.router.net.tunnels.successrate"
	KeyTunnelsTotalSuccessRate = "i2p.router.net.tunnels.totalsuccessrate"
	KeyTunnelsQueue            = "i2p.router.net.tunnels.queue"
	KeyTunnelsTBMQueue         = "i2p.router.net.tunnels.tbmqueue"

	KeyNetDBActivePeers = "i2p.router.netdb.activepeers"
	KeyNetDBKnownPeers  = "i2p.router.netdb.knownpeers"
	KeyNetDBFloodfills  = "i2p.router.netdb.floodfills"
	KeyNetDBLeaseSets   = "i2p.router.netdb.leasesets"

	KeyTotalReceivedBytes = "i2p.router.net.total.received.bytes"
	KeyTotalSentBytes     = "i2p.router.net.total.sent.bytes"
	KeyTransitSentBytes   = "i2p.router.net.transit.sent.bytes"
)

// routerInfoFields lists every field requested on each RouterInfo call.
var routerInfoFields = []string{
	KeyStatus,
	KeyVersion,
	KeyUptime,
	KeyBWInbound1s,
	KeyBWInbound15s,
	KeyBWOutbound1s,
	KeyBWOutbound15s,
	KeyBWTransit15s,
	KeyNetStatus,
	KeyNetStatusV6,
	KeyNetError,
	KeyNetErrorV6,
	KeyNetTesting,
	KeyNetTestingV6,
	KeyTunnelsParticipating,
	KeyTunnelsInbound,
	KeyTunnelsOutbound,
	KeyTunnelsSuccessRate,
	KeyTunnelsTotalSuccessRate,
	KeyTunnelsQueue,
	KeyTunnelsTBMQueue,
	KeyNetDBActivePeers,
	KeyNetDBKnownPeers,
	KeyNetDBFloodfills,
	KeyNetDBLeaseSets,
	KeyTotalReceivedBytes,
	KeyTotalSentBytes,
	KeyTransitSentBytes,
}

// ErrAuthFailed marks authentication failures. Retrying with the same
// password cannot succeed, so callers surface these without retrying.
var ErrAuthFailed = errors.New("authentication failed")

// Config holds the client settings.
type Config struct {
	// BaseURL is the I2PControl endpoint without the /jsonrpc suffix.
	BaseURL  string
	Password string
	// DebugRPC logs redacted request parameters and RouterInfo response
	// bodies at debug level.
	DebugRPC bool
}

// Client talks JSON-RPC to one I2PControl endpoint. It is safe for
// concurrent use; the token store and auth deduplication are shared across
// all in-flight calls.
type Client struct {
	http     *http.Client
	endpoint string
	password string
	debugRPC bool

	tokens     tokenStore
	authFlight singleflight.Group

	logger *zap.Logger
}

// New creates a Client. The HTTP client carries the TLS trust policy; see
// NewHTTPClient.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	return &Client{
		http:     httpClient,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/jsonrpc",
		password: cfg.Password,
		debugRPC: cfg.DebugRPC,
		logger:   logger,
	}
}

// NewHTTPClient builds the HTTP client used for upstream calls. Scrape
// contexts carry the per-call deadlines; timeout is only a backstop for
// calls made without one. i2pd serves I2PControl with a self-signed
// certificate out of the box, which is why certificate verification is
// optional at all.
func NewHTTPClient(insecureTLS bool, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: insecureTLS},
		},
	}
}

type authResult struct {
	Token string `json:"Token"`
}

// authFlightTimeout bounds the shared Authenticate call once it is detached
// from the contexts of the scrapes waiting on it.
const authFlightTimeout = 30 * time.Second

// Authenticate exchanges the configured password for a fresh token and
// stores it. Concurrent callers share a single upstream call; each waiter
// still honors its own context deadline.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	ch := c.authFlight.DoChan("authenticate", func() (any, error) {
		// Another scrape may have stored a token while this one waited on
		// the flight.
		if token, ok := c.tokens.Current(); ok {
			return token, nil
		}

		// The flight outlives the scrape that started it; a waiter with a
		// longer budget must not lose the call to the initiator's deadline.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), authFlightTimeout)
		defer cancel()

		var res authResult
		err := c.call(fctx, methodAuthenticate, map[string]any{"API": 1, "Password": c.password}, &res)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				return nil, fmt.Errorf("%w: %w", ErrAuthFailed, rpcErr)
			}
			return nil, err
		}
		if res.Token == "" {
			return nil, fmt.Errorf("%w: no token in Authenticate response", ErrAuthFailed)
		}

		c.tokens.Set(res.Token)
		c.logger.Info("obtained authentication token")
		return res.Token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// FetchRouterInfo performs one authenticated RouterInfo call, acquiring a
// token first when none is stored. A token-expiry error invalidates the
// stored token and reruns the sequence exactly once; a second rejection is
// returned to the caller.
func (c *Client) FetchRouterInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	didRetry := false
	for {
		token, ok := c.tokens.Current()
		if !ok {
			c.logger.Info("no stored token, authenticating")
			var err error
			token, err = c.Authenticate(ctx)
			if err != nil {
				return nil, err
			}
		}

		result := make(map[string]json.RawMessage)
		err := c.call(ctx, methodRouterInfo, routerInfoParams(token), &result)
		if err == nil {
			return result, nil
		}
		if IsTokenError(err) && !didRetry {
			c.logger.Warn("token rejected, re-authenticating", zap.Error(err))
			c.tokens.Invalidate()
			didRetry = true
			continue
		}
		return nil, err
	}
}

// routerInfoParams builds the RouterInfo parameter map. Requested fields
// map to empty strings; some i2pd builds reject null placeholders.
func routerInfoParams(token string) map[string]any {
	params := make(map[string]any, len(routerInfoFields)+1)
	for _, f := range routerInfoFields {
		params[f] = ""
	}
	params["Token"] = token
	return params
}
