/*
Package gateway provides the brokerage gateway client: typed endpoint
wrappers over the REST engine, the OAuth lifecycle, the keep-alive tickler,
and the brokerage-session health probe.
*/
package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"bgw-sdk-go/client/oauth"
	"bgw-sdk-go/client/rest"
	"bgw-sdk-go/config"
	"bgw-sdk-go/logger"
)

// ClientParams contains options for creating a gateway Client.
type ClientParams struct {
	// AccountID selects the account used by account-scoped endpoints.
	AccountID string

	// BaseURL overrides the gateway REST URL. When empty it is derived from
	// the OAuth config (OAuth mode) or from Host/Port.
	BaseURL string

	// Host and Port locate a locally running gateway; defaults 127.0.0.1
	// and 5000.
	Host string
	Port string

	// BaseRoute is the REST route prefix, default "/v1/api/".
	BaseRoute string

	Cacert               string
	Timeout              time.Duration
	MaxRetries           int
	UseSession           bool
	AutoRegisterShutdown bool
	LogResponses         bool

	// UseOAuth enables OAuth 1.0a signing; OAuth must then be set and valid.
	UseOAuth bool
	OAuth    *oauth.Config

	// TicklerInterval is the keep-alive period; default 60s.
	TicklerInterval time.Duration

	// Clock is a mockable; tests only.
	Clock clock.Clock
}

// Client is the gateway REST client.
type Client struct {
	*rest.Client

	params    ClientParams
	accountID string

	signer *oauth.Signer

	ticklerMtx sync.Mutex
	tickler    *Tickler

	// orderMtx globally serializes order placement and modification for
	// this client so the question-reply flow never interleaves.
	orderMtx sync.Mutex

	clock clock.Clock
	log   *logrus.Entry
}

// NewClient creates a gateway client. In OAuth mode the credential bundle
// is verified, the signer installed, and, unless disabled in the bundle,
// the OAuth flow initialised.
func NewClient(params ClientParams) (*Client, error) {
	if params.Host == "" {
		params.Host = "127.0.0.1"
	}
	if params.Port == "" {
		params.Port = "5000"
	}
	if params.BaseRoute == "" {
		params.BaseRoute = "/v1/api/"
	}
	if params.TicklerInterval == 0 {
		params.TicklerInterval = DefaultTicklerInterval
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}

	baseURL := params.BaseURL
	if params.UseOAuth {
		if params.OAuth == nil {
			return nil, errors.New("gateway: UseOAuth is set but no OAuth config was provided")
		}
		if err := params.OAuth.Verify(); err != nil {
			return nil, errors.Trace(err)
		}
		if baseURL == "" {
			baseURL = params.OAuth.RestURL
		}
	}
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s:%s%s", params.Host, params.Port, params.BaseRoute)
	}

	restClient, err := rest.NewClient(rest.ClientParams{
		BaseURL:              baseURL,
		Cacert:               params.Cacert,
		Timeout:              params.Timeout,
		MaxRetries:           params.MaxRetries,
		UseSession:           params.UseSession,
		AutoRegisterShutdown: params.AutoRegisterShutdown,
		LogResponses:         params.LogResponses,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	c := &Client{
		Client:    restClient,
		params:    params,
		accountID: params.AccountID,
		clock:     params.Clock,
		log:       logger.WithComponent("gateway"),
	}

	c.log.Infof("new gateway client, base_url=%s account_id=%s oauth=%v",
		restClient.BaseURL(), params.AccountID, params.UseOAuth)

	if params.UseOAuth {
		c.signer = oauth.NewSigner(*params.OAuth, restClient, restClient.BaseURL())
		restClient.SetHeaderProvider(c.signer)

		restClient.OnClose(func() {
			if params.OAuth.ShutdownOAuth {
				c.OAuthShutdown()
			}
		})

		if params.OAuth.InitOAuth {
			if err := c.OAuthInit(params.OAuth.MaintainOAuth, params.OAuth.InitBrokerageSession); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}

	return c, nil
}

// FromConfig builds the gateway client from the resolved SDK configuration.
func FromConfig(cfg *config.Config) (*Client, error) {
	params := ClientParams{
		AccountID:            cfg.AccountID,
		BaseURL:              cfg.RestURL,
		Cacert:               cfg.Cacert,
		UseSession:           cfg.UseSession,
		AutoRegisterShutdown: cfg.AutoRegisterShutdown,
		LogResponses:         cfg.LogResponses,
		TicklerInterval:      time.Duration(cfg.TicklerInterval) * time.Second,
		UseOAuth:             cfg.UseOAuth,
	}
	if cfg.UseOAuth {
		oc := oauth.FromConfig(cfg)
		params.OAuth = &oc
	}
	return NewClient(params)
}

// AccountID returns the configured account id.
func (c *Client) AccountID() string {
	return c.accountID
}

// Signer returns the OAuth signer, nil outside OAuth mode.
func (c *Client) Signer() *oauth.Signer {
	return c.signer
}

// OAuthInit initialises the OAuth 1.0a flow: it performs the live session
// token handshake (which validates the token against the server
// signature), optionally starts the tickler to maintain the session, and
// optionally initialises the brokerage session.
func (c *Client) OAuthInit(maintainOAuth, initBrokerageSession bool) error {
	if c.signer == nil {
		return errors.New("gateway: OAuthInit called without OAuth configured")
	}

	c.log.Info("initialising OAuth 1.0a")

	if _, _, _, err := c.signer.RequestLiveSessionToken(); err != nil {
		return errors.Annotatef(err, "OAuth initialisation")
	}

	if maintainOAuth {
		c.StartTickler()
	}

	if initBrokerageSession {
		if _, err := c.InitializeBrokerageSession(true); err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// OAuthShutdown stops the tickler and logs out of the gateway session.
func (c *Client) OAuthShutdown() {
	c.log.Info("shutting down OAuth session")
	c.StopTickler()
	if _, err := c.Logout(); err != nil {
		c.log.WithError(err).Warn("logout failed")
	}
}

// StartTickler starts the keep-alive worker; a no-op when already running.
func (c *Client) StartTickler() {
	c.ticklerMtx.Lock()
	defer c.ticklerMtx.Unlock()

	if c.tickler == nil {
		c.tickler = NewTickler(c, c.params.TicklerInterval, c.clock)
	}
	c.tickler.Start()
}

// StopTickler stops the keep-alive worker and waits for it to exit; a no-op
// when not running.
func (c *Client) StopTickler() {
	c.ticklerMtx.Lock()
	defer c.ticklerMtx.Unlock()

	if c.tickler != nil {
		c.tickler.Stop(0)
	}
}
