package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"xconnect/internal/adapter"
	"xconnect/internal/config"
	"xconnect/internal/credential"
	"xconnect/internal/eventbus"
	"xconnect/internal/metrics"
	"xconnect/internal/session"
	"xconnect/internal/subscription"
	"xconnect/internal/transport"
	"xconnect/internal/venue"
	"xconnect/internal/venue/coinbasefix"
	"xconnect/internal/venue/kraken"
	"xconnect/internal/venue/polymarket"
)

const defaultLivenessInterval = 15 * time.Second

// requestTimeout returns the configured adapter request timeout, or
// adapter.DefaultRequestTimeout if unset.
func requestTimeout(cfg *config.Config) time.Duration {
	if cfg.Adapter.RequestTimeout > 0 {
		return cfg.Adapter.RequestTimeout
	}
	return adapter.DefaultRequestTimeout
}

func livenessInterval(cfg *config.Config) time.Duration {
	if cfg.Adapter.LivenessInterval > 0 {
		return cfg.Adapter.LivenessInterval
	}
	return defaultLivenessInterval
}

// subscribePrivateChannels builds a session.Subscriber that, once the
// private session reaches Authenticated, requests one venue channel per
// entry in channels (e.g. "executions", "balances"). It fetches a fresh
// credential token first whenever proto has a credential service and
// passes it on every request; kraken's subscribe frame embeds it, while
// polymarket's user-channel frame carries its own auth payload and
// ignores it.
func subscribePrivateChannels(m *session.Machine, proto venue.Protocol, timeout time.Duration, channels ...string) session.Subscriber {
	return func(ctx context.Context) error {
		var token string
		if cred := proto.Credential(); cred != nil {
			tok, err := cred.GetToken(ctx)
			if err != nil {
				return fmt.Errorf("fetch credential token for private subscribe: %w", err)
			}
			token = tok.Value
		}
		for _, channel := range channels {
			key := subscription.Key{Channel: channel}
			m.Registry.MarkPending(key)
			reqs := []venue.SubscribeRequest{{Channel: channel, Token: token}}
			_, err := m.SendRequest(ctx, "subscribe_"+channel, timeout, func(reqID string) []byte {
				frame, encErr := proto.EncodeSubscribe(reqID, reqs)
				if encErr != nil {
					return nil
				}
				return frame
			})
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", channel, err)
			}
			m.Registry.Acknowledge(key)
		}
		return nil
	}
}

// buildKrakenFacade wires a Kraken public and private session into a
// Facade. The private session's token is minted via Kraken's REST
// GetWebSocketsToken endpoint, signed with the standard Kraken API-Sign
// scheme; without api_key/api_secret configured, the private session
// fails to authenticate at Connect time rather than at construction.
func buildKrakenFacade(v *config.KrakenConfig, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*adapter.Facade, error) {
	if cfg.Mode != "live" {
		return nil, fmt.Errorf("kraken: %w", errPaperModeUnsupported)
	}
	rc := resty.New().SetBaseURL(v.RESTBaseURL).SetTimeout(requestTimeout(cfg))

	var cred *credential.Service
	if v.APIKey != "" && v.APISecret != "" {
		fetch := kraken.NewRequestToken(func(ctx context.Context) (string, error) {
			return krakenWSToken(ctx, rc, v.APIKey, v.APISecret)
		})
		cred = credential.New(fetch, logger)
	}
	authenticate := func(ctx context.Context) error {
		if cred == nil {
			return fmt.Errorf("kraken private session requires api_key/api_secret")
		}
		_, err := cred.GetToken(ctx)
		return err
	}

	proto := kraken.New(logger, kraken.WithCredential(cred))

	book, orders, reconciler, _ := newVenueFacadeDeps("kraken", logger)
	bus := eventbus.New(logger)
	newEventLogger("kraken", bus, logger)

	public := session.New("kraken-public", session.Public, "kraken",
		func(ctx context.Context) (transport.Transport, error) {
			return transport.NewWSTransport(v.WSPublicURL, logger), nil
		}, nil, nil, logger)

	private := session.New("kraken-private", session.Private, "kraken",
		func(ctx context.Context) (transport.Transport, error) {
			return transport.NewWSTransport(v.WSPrivateURL, logger), nil
		}, authenticate, nil, logger)
	private.Subscribe = subscribePrivateChannels(private, proto, requestTimeout(cfg), "executions", "balances")

	facadeCfg := adapter.Config{
		VenueName:        "kraken",
		Protocol:         proto,
		Public:           public,
		Private:          private,
		Book:             book,
		Orders:           orders,
		Reconciler:       reconciler,
		Bus:              bus,
		Metrics:          reg,
		Mode:             adapter.Live,
		RequestTimeout:   requestTimeout(cfg),
		LivenessInterval: livenessInterval(cfg),
		Logger:           logger,
	}

	return adapter.New(facadeCfg)
}

// krakenWSToken signs a GetWebSocketsToken request using Kraken's
// standard API-Sign scheme: HMAC-SHA512 of (path + SHA256(nonce +
// postdata)) keyed by the base64-decoded API secret.
func krakenWSToken(ctx context.Context, rc *resty.Client, apiKey, apiSecret string) (string, error) {
	const path = "/0/private/GetWebSocketsToken"
	nonce := fmt.Sprintf("%d", time.Now().UnixNano()/int64(time.Millisecond))
	postdata := "nonce=" + nonce

	sign, err := krakenSign(path, nonce, postdata, apiSecret)
	if err != nil {
		return "", fmt.Errorf("sign kraken request: %w", err)
	}

	var out struct {
		Error  []string `json:"error"`
		Result struct {
			Token string `json:"token"`
		} `json:"result"`
	}
	resp, err := rc.R().
		SetContext(ctx).
		SetHeader("API-Key", apiKey).
		SetHeader("API-Sign", sign).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(postdata).
		SetResult(&out).
		Post(path)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("kraken token request failed: %s", resp.Status())
	}
	if len(out.Error) > 0 {
		return "", fmt.Errorf("kraken token request error: %v", out.Error)
	}
	return out.Result.Token, nil
}

// buildPolymarketFacade wires a Polymarket CLOB public and private user
// session into a Facade. When no pre-derived L2 triplet is supplied, the
// private session's credential fetcher performs the one-time
// L1-signed derive-api-key call; without a wallet key configured at all,
// the private session fails to authenticate at Connect time.
func buildPolymarketFacade(v *config.PolymarketConfig, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*adapter.Facade, error) {
	if cfg.Mode != "live" {
		return nil, fmt.Errorf("polymarket: %w", errPaperModeUnsupported)
	}
	rc := resty.New().SetBaseURL(v.CLOBBaseURL).SetTimeout(requestTimeout(cfg))

	var auth *polymarket.Auth
	var cred *credential.Service
	if v.PrivateKey != "" {
		a, err := polymarket.NewAuth(v.PrivateKey, v.FunderAddress, int64(v.ChainID), polymarket.SignatureType(v.SignatureType))
		if err != nil {
			return nil, fmt.Errorf("polymarket auth: %w", err)
		}
		auth = a
		if v.APIKey != "" && v.Secret != "" && v.Passphrase != "" {
			auth.SetCredentials(polymarket.Credentials{APIKey: v.APIKey, Secret: v.Secret, Passphrase: v.Passphrase})
		}
		fetch := polymarket.NewDeriveCredentialFetcher(auth, func(ctx context.Context) (polymarket.Credentials, error) {
			if auth.HasCredentials() {
				return polymarket.Credentials{APIKey: v.APIKey, Secret: v.Secret, Passphrase: v.Passphrase}, nil
			}
			return polymarketDeriveAPIKey(ctx, rc, auth)
		})
		cred = credential.New(fetch, logger)
	}
	authenticate := func(ctx context.Context) error {
		if cred == nil {
			return fmt.Errorf("polymarket private session requires private_key or a pre-derived api_key/secret/passphrase")
		}
		_, err := cred.GetToken(ctx)
		return err
	}

	proto := polymarket.New(auth, logger, polymarket.WithCredential(cred))

	book, orders, reconciler, _ := newVenueFacadeDeps("polymarket", logger)
	bus := eventbus.New(logger)
	newEventLogger("polymarket", bus, logger)

	public := session.New("polymarket-public", session.Public, "polymarket",
		func(ctx context.Context) (transport.Transport, error) {
			return transport.NewWSTransport(v.WSMarketURL, logger), nil
		}, nil, nil, logger)

	// Polymarket pushes order/fill updates over the "user" channel; there
	// is no separate balance channel (USDC balance lives on-chain and is
	// read over RPC, not pushed), so only "user" is subscribed here.
	private := session.New("polymarket-private", session.Private, "polymarket",
		func(ctx context.Context) (transport.Transport, error) {
			return transport.NewWSTransport(v.WSUserURL, logger), nil
		}, authenticate, nil, logger)
	private.Subscribe = subscribePrivateChannels(private, proto, requestTimeout(cfg), "user")

	facadeCfg := adapter.Config{
		VenueName:        "polymarket",
		Protocol:         proto,
		Public:           public,
		Private:          private,
		Book:             book,
		Orders:           orders,
		Reconciler:       reconciler,
		Bus:              bus,
		Metrics:          reg,
		Mode:             adapter.Live,
		RequestTimeout:   requestTimeout(cfg),
		LivenessInterval: livenessInterval(cfg),
		Logger:           logger,
	}

	return adapter.New(facadeCfg)
}

// polymarketDeriveAPIKey performs the one-time L1-authenticated
// derive-api-key REST call.
func polymarketDeriveAPIKey(ctx context.Context, rc *resty.Client, auth *polymarket.Auth) (polymarket.Credentials, error) {
	const path = "/auth/derive-api-key"
	headers, err := auth.L1Headers(int(time.Now().UnixNano()))
	if err != nil {
		return polymarket.Credentials{}, err
	}

	var out struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	resp, err := rc.R().SetContext(ctx).SetHeaders(headers).SetResult(&out).Get(path)
	if err != nil {
		return polymarket.Credentials{}, err
	}
	if resp.IsError() {
		return polymarket.Credentials{}, fmt.Errorf("derive-api-key failed: %s", resp.Status())
	}
	return polymarket.Credentials{APIKey: out.APIKey, Secret: out.Secret, Passphrase: out.Passphrase}, nil
}

// buildCoinbaseFIXFacade wires Coinbase's two FIX gateways into a Facade:
// Public dials the market-data gateway, Private the order-entry gateway.
// Both authenticate via quickfix's own Logon exchange inside
// FIXTransport.Open (internal/transport's Signer hook stamps the HMAC
// fields coinbasefix.Protocol computes), so the Private Machine's
// Authenticator is a no-op confirming that already happened.
func buildCoinbaseFIXFacade(v *config.CoinbaseFIXConfig, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*adapter.Facade, error) {
	if cfg.Mode != "live" {
		return nil, fmt.Errorf("coinbase_fix: %w", errPaperModeUnsupported)
	}

	creds := coinbasefix.Credentials{
		APIKey:       v.APIKey,
		APISecret:    v.APISecret,
		Passphrase:   v.Passphrase,
		SenderCompID: v.SenderCompID,
		TargetCompID: v.TargetCompID,
	}
	proto := coinbasefix.New(creds, logger)

	book, orders, reconciler, _ := newVenueFacadeDeps("coinbase_fix", logger)
	bus := eventbus.New(logger)
	newEventLogger("coinbase_fix", bus, logger)

	marketDataPort := v.MarketDataPort
	if marketDataPort == 0 {
		marketDataPort = v.Port
	}
	marketDataSettings := coinbaseFIXSessionSettings(v, marketDataPort)
	orderEntrySettings := coinbaseFIXSessionSettings(v, v.Port)

	public := session.New("coinbase-fix-marketdata", session.Public, "coinbase_fix",
		func(ctx context.Context) (transport.Transport, error) {
			t := transport.NewFIXTransport(marketDataSettings, logger)
			t.Signer = proto.Signer()
			return t, nil
		}, nil, nil, logger)

	// No Subscriber: execution reports flow unsolicited on the order-entry
	// session once Logon completes, and this gateway has no FIX business
	// message for a standing account balance push, so there is nothing to
	// subscribe to here (unlike kraken/polymarket's explicit channel
	// subscribe).
	private := session.New("coinbase-fix-orderentry", session.Private, "coinbase_fix",
		func(ctx context.Context) (transport.Transport, error) {
			t := transport.NewFIXTransport(orderEntrySettings, logger)
			t.Signer = proto.Signer()
			return t, nil
		},
		func(ctx context.Context) error { return nil },
		nil, logger)

	facadeCfg := adapter.Config{
		VenueName:        "coinbase_fix",
		Protocol:         proto,
		Public:           public,
		Private:          private,
		Book:             book,
		Orders:           orders,
		Reconciler:       reconciler,
		Bus:              bus,
		Metrics:          reg,
		Mode:             adapter.Live,
		RequestTimeout:   requestTimeout(cfg),
		LivenessInterval: livenessInterval(cfg),
		Logger:           logger,
	}
	return adapter.New(facadeCfg)
}

var errPaperModeUnsupported = errors.New("paper mode requires a custom entry point that supplies its own collaborator.PaperFillSimulator; this binary wires live venues only")
