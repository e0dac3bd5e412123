// Package oauth implements the OAuth 1.0a flow used by the brokerage
// gateway: the Diffie-Hellman live-session-token handshake and the
// HMAC-SHA256 signing of every protected request.
package oauth

import (
	"os"

	"github.com/juju/errors"

	"bgw-sdk-go/config"
)

// Config holds the OAuth 1.0a credentials and endpoints. Verify must pass
// before the bundle is used.
type Config struct {
	RestURL                  string
	WsURL                    string
	LiveSessionTokenEndpoint string
	AccessToken              string
	AccessTokenSecret        string
	ConsumerKey              string
	DHPrime                  string // hex
	DHGenerator              int
	EncryptionKeyFp          string
	SignatureKeyFp           string
	Realm                    string

	InitOAuth            bool
	MaintainOAuth        bool
	ShutdownOAuth        bool
	InitBrokerageSession bool
}

// FromConfig builds the OAuth bundle from the resolved SDK configuration.
func FromConfig(c *config.Config) Config {
	return Config{
		RestURL:                  c.OAuth1aRestURL,
		WsURL:                    c.OAuth1aWsURL,
		LiveSessionTokenEndpoint: c.OAuth1aLiveSessionTokenEndpoint,
		AccessToken:              c.OAuth1aAccessToken,
		AccessTokenSecret:        c.OAuth1aAccessTokenSecret,
		ConsumerKey:              c.OAuth1aConsumerKey,
		DHPrime:                  c.OAuth1aDHPrime,
		DHGenerator:              c.OAuth1aDHGenerator,
		EncryptionKeyFp:          c.OAuth1aEncryptionKeyFp,
		SignatureKeyFp:           c.OAuth1aSignatureKeyFp,
		Realm:                    c.OAuth1aRealm,
		InitOAuth:                c.InitOAuth,
		MaintainOAuth:            c.MaintainOAuth,
		ShutdownOAuth:            c.ShutdownOAuth,
		InitBrokerageSession:     c.InitBrokerageSession,
	}
}

// Verify checks that every required parameter is present and that both key
// files exist. It fails loudly at construction time so a misconfigured
// bundle never reaches the wire.
func (c Config) Verify() error {
	required := []struct {
		name  string
		value string
	}{
		{"RestURL", c.RestURL},
		{"LiveSessionTokenEndpoint", c.LiveSessionTokenEndpoint},
		{"AccessToken", c.AccessToken},
		{"AccessTokenSecret", c.AccessTokenSecret},
		{"ConsumerKey", c.ConsumerKey},
		{"DHPrime", c.DHPrime},
		{"EncryptionKeyFp", c.EncryptionKeyFp},
		{"SignatureKeyFp", c.SignatureKeyFp},
	}

	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("oauth config is missing required parameters: %v", missing)
	}

	if c.DHGenerator <= 0 {
		return errors.Errorf("oauth config: DHGenerator must be positive, got %d", c.DHGenerator)
	}

	for _, fp := range []string{c.EncryptionKeyFp, c.SignatureKeyFp} {
		if _, err := os.Stat(fp); err != nil {
			return errors.Annotatef(err, "oauth config: key file %s", fp)
		}
	}

	return nil
}
