package oauth

import (
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"bgw-sdk-go/client/rest"
	"bgw-sdk-go/logger"
)

// expiryMargin is how long before the reported expiration a live session
// token is considered stale and refreshed.
const expiryMargin = 60 * time.Second

// poster sends the handshake POST with the prepared headers.
type poster interface {
	post(endpoint string, headers map[string]string) (rest.Result, error)
}

// restPoster adapts *rest.Client to the poster seam.
type restPoster struct {
	client *rest.Client
}

func (p restPoster) post(endpoint string, headers map[string]string) (rest.Result, error) {
	return p.client.Post(endpoint, rest.WithHeaders(headers))
}

// Signer holds the live session state and signs protected requests. It
// implements rest.HeaderProvider. The handshake mutates the cached token
// under a lock, so concurrent requests always observe a consistent
// (token, expiration) pair and at most one handshake runs at a time.
type Signer struct {
	cfg    Config
	poster poster
	lstURL string

	mtx              sync.Mutex
	liveSessionToken string
	expirationMs     int64
	lstSignature     string

	log *logrus.Entry
}

// NewSigner creates a Signer bound to a verified OAuth config and the REST
// client used for the handshake. baseURL is the client's base URL, used to
// recognize the live-session-token endpoint and skip signing it.
func NewSigner(cfg Config, client *rest.Client, baseURL string) *Signer {
	return newSigner(cfg, restPoster{client: client}, baseURL)
}

func newSigner(cfg Config, p poster, baseURL string) *Signer {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Signer{
		cfg:    cfg,
		poster: p,
		lstURL: baseURL + strings.TrimLeft(cfg.LiveSessionTokenEndpoint, "/"),
		log:    logger.WithComponent("oauth"),
	}
}

// Config returns the signer's OAuth configuration.
func (s *Signer) Config() Config {
	return s.cfg
}

// LiveSessionToken returns the cached token and its expiration in epoch
// milliseconds; both are zero before the first handshake.
func (s *Signer) LiveSessionToken() (string, int64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.liveSessionToken, s.expirationMs
}

// Headers implements rest.HeaderProvider. Requests to the live-session-token
// endpoint itself pass through unsigned; everything else is signed with
// HMAC-SHA256 keyed by a valid live session token, refreshing it first when
// expiration approaches.
func (s *Signer) Headers(method, requestURL string) (map[string]string, error) {
	if trimQuery(requestURL) == s.lstURL {
		return nil, nil
	}

	lst, err := s.ensureLiveSessionToken()
	if err != nil {
		return nil, errors.Trace(err)
	}

	return s.cfg.GenerateHeaders(method, trimQuery(requestURL), HeaderParams{
		LiveSessionToken: lst,
	})
}

func trimQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

func (s *Signer) ensureLiveSessionToken() (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.liveSessionToken != "" {
		nowMs := time.Now().UnixMilli()
		if nowMs < s.expirationMs-expiryMargin.Milliseconds() {
			return s.liveSessionToken, nil
		}
		s.log.Info("live session token approaching expiration, refreshing")
	}

	if _, _, _, err := s.requestLiveSessionTokenLocked(); err != nil {
		return "", errors.Trace(err)
	}
	return s.liveSessionToken, nil
}

// RequestLiveSessionToken performs the full handshake and returns the
// computed token, its expiration in epoch milliseconds, and the
// server-provided signature. The new state is cached for signing.
func (s *Signer) RequestLiveSessionToken() (string, int64, string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.requestLiveSessionTokenLocked()
}

func (s *Signer) requestLiveSessionTokenLocked() (string, int64, string, error) {
	encryptionKey, err := ReadPrivateKey(s.cfg.EncryptionKeyFp)
	if err != nil {
		return "", 0, "", errors.Trace(err)
	}

	dhRandom, err := GenerateDHRandom()
	if err != nil {
		return "", 0, "", errors.Trace(err)
	}

	dhChallenge, err := GenerateDHChallenge(s.cfg.DHPrime, dhRandom, s.cfg.DHGenerator)
	if err != nil {
		return "", 0, "", errors.Trace(err)
	}

	prepend, err := CalculatePrepend(s.cfg.AccessTokenSecret, encryptionKey)
	if err != nil {
		return "", 0, "", errors.Trace(err)
	}

	headers, err := s.cfg.GenerateHeaders("POST", s.lstURL, HeaderParams{
		ExtraFields:     map[string]string{"diffie_hellman_challenge": dhChallenge},
		SignatureMethod: SignatureRSA,
		Prepend:         prepend,
	})
	if err != nil {
		return "", 0, "", errors.Trace(err)
	}

	result, err := s.poster.post(s.cfg.LiveSessionTokenEndpoint, headers)
	if err != nil {
		return "", 0, "", errors.Annotatef(err, "live session token handshake")
	}

	data, ok := result.Data.(map[string]interface{})
	if !ok {
		return "", 0, "", errors.Errorf("live session token response has unexpected shape: %v", result.Data)
	}

	dhResponse, ok := data["diffie_hellman_response"].(string)
	if !ok {
		return "", 0, "", errors.Errorf("live session token response missing diffie_hellman_response")
	}
	lstSignature, ok := data["live_session_token_signature"].(string)
	if !ok {
		return "", 0, "", errors.Errorf("live session token response missing live_session_token_signature")
	}
	expiration, ok := data["live_session_token_expiration"].(float64)
	if !ok {
		return "", 0, "", errors.Errorf("live session token response missing live_session_token_expiration")
	}

	lst, err := CalculateLiveSessionToken(s.cfg.DHPrime, dhRandom, dhResponse, prepend)
	if err != nil {
		return "", 0, "", errors.Trace(err)
	}

	valid, err := ValidateLiveSessionToken(lst, lstSignature, s.cfg.ConsumerKey)
	if err != nil {
		return "", 0, "", errors.Trace(err)
	}
	if !valid {
		return "", 0, "", errors.Errorf("live session token validation failed")
	}

	s.liveSessionToken = lst
	s.expirationMs = int64(expiration)
	s.lstSignature = lstSignature

	s.log.WithField("expiration_ms", s.expirationMs).Info("live session token established")

	return lst, s.expirationMs, lstSignature, nil
}
