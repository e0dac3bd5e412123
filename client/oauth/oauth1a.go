package oauth

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

const (
	// SignatureRSA is used for the live-session-token handshake only.
	SignatureRSA = "RSA-SHA256"
	// SignatureHMAC signs every protected request, keyed by the live
	// session token.
	SignatureHMAC = "HMAC-SHA256"

	nonceLength     = 16
	nonceCharacters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateNonce returns a random string of 16 alphanumeric characters. A
// fresh nonce is generated for each request.
func GenerateNonce() string {
	buf := make([]byte, nonceLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failure means the process cannot proceed
	}
	for i, b := range buf {
		buf[i] = nonceCharacters[int(b)%len(nonceCharacters)]
	}
	return string(buf)
}

// GenerateTimestamp returns the current Unix time in seconds as a string.
func GenerateTimestamp() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

// ReadPrivateKey loads an RSA private key from a PEM file, accepting both
// PKCS#1 and PKCS#8 encodings.
func ReadPrivateKey(fp string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(fp)
	if err != nil {
		return nil, errors.Annotatef(err, "reading private key %s", fp)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.Errorf("no PEM block found in %s", fp)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing private key %s", fp)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("%s does not contain an RSA private key", fp)
	}
	return key, nil
}

// GenerateDHRandom returns a random 256-bit value as lowercase hex. It is
// the client's ephemeral Diffie-Hellman exponent.
func GenerateDHRandom() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Trace(err)
	}
	return new(big.Int).SetBytes(buf).Text(16), nil
}

// GenerateDHChallenge computes generator^random mod prime and returns it as
// lowercase hex without leading zeros.
func GenerateDHChallenge(dhPrimeHex, dhRandomHex string, dhGenerator int) (string, error) {
	prime, ok := new(big.Int).SetString(dhPrimeHex, 16)
	if !ok {
		return "", errors.Errorf("invalid DH prime hex")
	}
	random, ok := new(big.Int).SetString(dhRandomHex, 16)
	if !ok {
		return "", errors.Errorf("invalid DH random hex")
	}

	challenge := new(big.Int).Exp(big.NewInt(int64(dhGenerator)), random, prime)
	return challenge.Text(16), nil
}

// CalculatePrepend decrypts the base64 access-token secret with the RSA
// encryption key using PKCS#1 v1.5 padding and returns the plaintext as
// lowercase hex. The result prefixes the base string during the handshake.
func CalculatePrepend(accessTokenSecret string, encryptionKey *rsa.PrivateKey) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(accessTokenSecret)
	if err != nil {
		return "", errors.Annotatef(err, "base64-decoding access token secret")
	}

	plaintext, err := rsa.DecryptPKCS1v15(nil, encryptionKey, ciphertext)
	if err != nil {
		return "", errors.Annotatef(err, "decrypting access token secret")
	}

	return hex.EncodeToString(plaintext), nil
}

// quotePlus percent-encodes a string the way the gateway expects: space
// maps to '+', unreserved characters pass through.
func quotePlus(s string) string {
	return url.QueryEscape(s)
}

// GenerateBaseString assembles the OAuth signature base string:
// method & encoded-url & encoded-parameter-list, where the parameter list
// merges authorization fields and request parameters sorted by key. When a
// prepend is given it prefixes the base string with no separator.
func GenerateBaseString(method, requestURL string, oauthFields map[string]string, requestParams map[string]string, prepend string) string {
	merged := make(map[string]string, len(oauthFields)+len(requestParams))
	for k, v := range oauthFields {
		merged[k] = v
	}
	for k, v := range requestParams {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+merged[k])
	}

	base := strings.Join([]string{method, quotePlus(requestURL), quotePlus(strings.Join(pairs, "&"))}, "&")
	return prepend + base
}

// SignRSASHA256 signs the base string with the RSA signature key and
// returns the percent-encoded base64 signature. Used for the handshake.
func SignRSASHA256(baseString string, signatureKey *rsa.PrivateKey) (string, error) {
	digest := sha256.Sum256([]byte(baseString))
	sig, err := rsa.SignPKCS1v15(nil, signatureKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", errors.Annotatef(err, "signing base string")
	}
	return quotePlus(base64.StdEncoding.EncodeToString(sig)), nil
}

// SignHMACSHA256 signs the base string keyed by the base64-decoded live
// session token and returns the percent-encoded base64 signature. Used for
// every protected request.
func SignHMACSHA256(baseString, liveSessionToken string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(liveSessionToken)
	if err != nil {
		return "", errors.Annotatef(err, "base64-decoding live session token")
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(baseString))
	return quotePlus(base64.StdEncoding.EncodeToString(mac.Sum(nil))), nil
}

// sharedSecretBytes serializes the DH shared secret as big-endian bytes,
// prefixing a zero byte whenever the bit length is divisible by eight. The
// gateway derives its copy of the key with signed big-integer semantics, so
// the sign bit must never collide with the value.
func sharedSecretBytes(k *big.Int) []byte {
	b := k.Bytes()
	if k.BitLen()%8 == 0 {
		b = append([]byte{0x00}, b...)
	}
	return b
}

// CalculateLiveSessionToken derives the live session token from the DH
// response: K = response^random mod prime, then
// base64(HMAC-SHA1 keyed by K's byte serialization over the raw decrypted
// access-token secret).
func CalculateLiveSessionToken(dhPrimeHex, dhRandomHex, dhResponseHex, prepend string) (string, error) {
	prime, ok := new(big.Int).SetString(dhPrimeHex, 16)
	if !ok {
		return "", errors.Errorf("invalid DH prime hex")
	}
	random, ok := new(big.Int).SetString(dhRandomHex, 16)
	if !ok {
		return "", errors.Errorf("invalid DH random hex")
	}
	response, ok := new(big.Int).SetString(strings.TrimSpace(dhResponseHex), 16)
	if !ok {
		return "", errors.Errorf("invalid DH response hex")
	}

	secretBytes, err := hex.DecodeString(prepend)
	if err != nil {
		return "", errors.Annotatef(err, "hex-decoding prepend")
	}

	shared := new(big.Int).Exp(response, random, prime)

	mac := hmac.New(sha1.New, sharedSecretBytes(shared))
	mac.Write(secretBytes)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// ValidateLiveSessionToken checks the client-computed token against the
// server-returned signature: hex(HMAC-SHA1 keyed by the decoded token over
// the consumer key) must equal the signature.
func ValidateLiveSessionToken(liveSessionToken, signature, consumerKey string) (bool, error) {
	key, err := base64.StdEncoding.DecodeString(liveSessionToken)
	if err != nil {
		return false, errors.Annotatef(err, "base64-decoding live session token")
	}

	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(consumerKey))
	return hex.EncodeToString(mac.Sum(nil)) == signature, nil
}

// AuthorizationHeader renders the final header value:
// OAuth realm="<realm>", k1="v1", k2="v2", ... with keys ASCII-sorted.
func AuthorizationHeader(fields map[string]string, realm string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+`="`+fields[k]+`"`)
	}

	return `OAuth realm="` + realm + `", ` + strings.Join(pairs, ", ")
}

// HeaderParams carries the optional inputs of GenerateHeaders. Nonce and
// Timestamp exist so tests can pin them; production callers leave them
// empty.
type HeaderParams struct {
	LiveSessionToken string
	ExtraFields      map[string]string
	RequestParams    map[string]string
	SignatureMethod  string // defaults to SignatureHMAC
	Prepend          string
	Nonce            string
	Timestamp        string
}

// GenerateHeaders returns the complete header set authenticating one
// request: the Authorization header built from the sorted OAuth fields plus
// the surrounding transport headers the gateway expects.
func (c Config) GenerateHeaders(method, requestURL string, p HeaderParams) (map[string]string, error) {
	if p.SignatureMethod == "" {
		p.SignatureMethod = SignatureHMAC
	}
	if p.Nonce == "" {
		p.Nonce = GenerateNonce()
	}
	if p.Timestamp == "" {
		p.Timestamp = GenerateTimestamp()
	}

	fields := map[string]string{
		"oauth_consumer_key":     c.ConsumerKey,
		"oauth_nonce":            p.Nonce,
		"oauth_signature_method": p.SignatureMethod,
		"oauth_timestamp":        p.Timestamp,
		"oauth_token":            c.AccessToken,
	}
	for k, v := range p.ExtraFields {
		fields[k] = v
	}

	baseString := GenerateBaseString(method, requestURL, fields, p.RequestParams, p.Prepend)

	var signature string
	var err error
	if p.SignatureMethod == SignatureHMAC {
		signature, err = SignHMACSHA256(baseString, p.LiveSessionToken)
	} else {
		var key *rsa.PrivateKey
		key, err = ReadPrivateKey(c.SignatureKeyFp)
		if err == nil {
			signature, err = SignRSASHA256(baseString, key)
		}
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	fields["oauth_signature"] = signature

	host := ""
	if u, parseErr := url.Parse(requestURL); parseErr == nil {
		host = u.Host
	}

	return map[string]string{
		"Accept":          "*/*",
		"Accept-Encoding": "gzip,deflate",
		"Authorization":   AuthorizationHeader(fields, c.Realm),
		"Connection":      "keep-alive",
		"Host":            host,
		"User-Agent":      "bgw-sdk-go",
	}, nil
}
