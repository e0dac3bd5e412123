package gateway

import (
	stderrors "errors"

	"bgw-sdk-go/client/rest"
)

// AuthenticationStatus returns the current authentication status of the
// brokerage session. Market data and trading are unavailable while
// authenticated is false.
func (c *Client) AuthenticationStatus() (rest.Result, error) {
	return c.Post("iserver/auth/status")
}

// InitializeBrokerageSession opens the brokerage session after OAuth
// authentication; required before any /iserver endpoint works. compete
// disconnects other brokerage sessions in favour of this one.
func (c *Client) InitializeBrokerageSession(compete bool) (rest.Result, error) {
	return c.Post("iserver/auth/ssodh/init", rest.WithJSON(map[string]interface{}{
		"publish": true,
		"compete": compete,
	}))
}

// Logout ends the gateway session; any further activity requires
// re-authentication.
func (c *Client) Logout() (rest.Result, error) {
	return c.Post("logout")
}

// Tickle pings the gateway to keep the session from timing out; it should
// be called about once a minute. The response carries the session id and
// the authentication status.
func (c *Client) Tickle() (rest.Result, error) {
	return c.Post("tickle", rest.Silent())
}

// Reauthenticate re-establishes authentication to the brokerage system
// while a valid brokerage session exists.
func (c *Client) Reauthenticate() (rest.Result, error) {
	return c.Post("iserver/reauthenticate")
}

// Validate validates the current session for the SSO user.
func (c *Client) Validate() (rest.Result, error) {
	return c.Get("sso/validate")
}

// CheckHealth probes the gateway session via the keep-alive endpoint and
// reports whether it is authenticated, not competing, and connected. Every
// failure mode yields false after logging: an unauthenticated session, a
// timeout (gateway likely down), or an unexpected response shape.
func (c *Client) CheckHealth() bool {
	result, err := c.Tickle()
	if err != nil {
		var brokerErr *rest.ExternalBrokerError
		var timeoutErr *rest.TimeoutError
		switch {
		case stderrors.As(err, &brokerErr) && brokerErr.StatusCode == 401:
			c.log.Info("gateway session is not authenticated")
		case stderrors.As(err, &timeoutErr):
			c.log.Error("timeout communicating with the gateway; it may not be running")
		default:
			c.log.WithError(err).Error("tickle request failed")
		}
		return false
	}

	authStatus, ok := authStatusFrom(result.Data)
	if !ok {
		c.log.Errorf("health check returned invalid data: %v", result.Data)
		return false
	}

	authenticated, _ := authStatus["authenticated"].(bool)
	competing, _ := authStatus["competing"].(bool)
	connected, _ := authStatus["connected"].(bool)

	return authenticated && !competing && connected
}

func authStatusFrom(data interface{}) (map[string]interface{}, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return nil, false
	}
	iserver, ok := m["iserver"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	authStatus, ok := iserver["authStatus"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	if _, present := authStatus["authenticated"]; !present {
		return nil, false
	}
	return authStatus, true
}
