/*
Package config resolves the SDK configuration from built-in defaults and the
process environment. The environment is read when FromEnv is called.
FromEnv takes no override input; explicit overrides are applied by setting
fields of the returned Config, as cmd/stream-client does.
*/
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
)

// EnvPrefix is prepended to every recognized environment variable name.
const EnvPrefix = "BGW_"

// boolValues maps the accepted textual boolean spellings. Anything outside
// this set is a hard configuration error.
var boolValues = map[string]bool{
	"y": true, "yes": true, "t": true, "true": true, "on": true, "1": true,
	"n": false, "no": false, "f": false, "false": false, "off": false, "0": false,
}

// ParseBool converts a textual boolean using the accepted spellings,
// case-insensitively.
func ParseBool(value string) (bool, error) {
	b, ok := boolValues[strings.ToLower(strings.TrimSpace(value))]
	if !ok {
		return false, errors.Errorf("%q is not a valid bool value", value)
	}
	return b, nil
}

// LoadDotEnv loads a .env file from the working directory when one exists.
// Call it before FromEnv; variables already present in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
}

func lookupString(name, def string) string {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		return v
	}
	return def
}

func lookupBool(name string, def bool) (bool, error) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return def, nil
	}
	b, err := ParseBool(v)
	if err != nil {
		return false, errors.Annotatef(err, "environment variable %s%s", EnvPrefix, name)
	}
	return b, nil
}

func lookupInt(name string, def int) (int, error) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Errorf("environment variable %s%s: %q is not a valid integer", EnvPrefix, name, v)
	}
	return i, nil
}

// Config is the configuration bundle shared by the REST and WebSocket
// clients. Build it with FromEnv.
type Config struct {
	// General.
	UseSession           bool
	AutoRegisterShutdown bool
	LogResponses         bool

	// Logging.
	LogToConsole  bool
	LogToFile     bool
	LogLevel      string
	LogFormat     string
	LogsDir       string
	PrintFileLogs bool

	// Gateway endpoints.
	RestURL   string
	WsURL     string
	AccountID string
	Cacert    string // path to CA bundle; empty disables certificate verification

	// WebSocket behaviour.
	WsPingInterval        int
	WsMaxPingInterval     int
	WsTimeout             int
	WsSubscriptionRetries int
	WsSubscriptionTimeout int
	WsLogRawMessages      bool

	// OAuth lifecycle.
	UseOAuth             bool
	InitOAuth            bool
	InitBrokerageSession bool
	MaintainOAuth        bool
	ShutdownOAuth        bool
	TicklerInterval      int

	// OAuth 1.0a parameters.
	OAuth1aRestURL                  string
	OAuth1aWsURL                    string
	OAuth1aLiveSessionTokenEndpoint string
	OAuth1aAccessToken              string
	OAuth1aAccessTokenSecret        string
	OAuth1aConsumerKey              string
	OAuth1aDHPrime                  string
	OAuth1aDHGenerator              int
	OAuth1aEncryptionKeyFp          string
	OAuth1aSignatureKeyFp           string
	OAuth1aRealm                    string
}

// FromEnv resolves the full configuration from the process environment,
// applying defaults for anything unset. Malformed booleans and integers are
// hard errors.
func FromEnv() (*Config, error) {
	c := &Config{
		LogLevel:  lookupString("LOG_LEVEL", "info"),
		LogFormat: lookupString("LOG_FORMAT", "text"),
		LogsDir:   lookupString("LOGS_DIR", os.TempDir()),

		RestURL:   lookupString("REST_URL", ""),
		WsURL:     lookupString("WS_URL", ""),
		AccountID: lookupString("ACCOUNT_ID", ""),
		Cacert:    lookupString("CACERT", ""),

		OAuth1aRestURL:                  lookupString("OAUTH1A_REST_URL", "https://api.ibkr.com/v1/api/"),
		OAuth1aWsURL:                    lookupString("OAUTH1A_WS_URL", "wss://api.ibkr.com/v1/api/ws"),
		OAuth1aLiveSessionTokenEndpoint: lookupString("OAUTH1A_LIVE_SESSION_TOKEN_ENDPOINT", "oauth/live_session_token"),
		OAuth1aAccessToken:              lookupString("OAUTH1A_ACCESS_TOKEN", ""),
		OAuth1aAccessTokenSecret:        lookupString("OAUTH1A_ACCESS_TOKEN_SECRET", ""),
		OAuth1aConsumerKey:              lookupString("OAUTH1A_CONSUMER_KEY", ""),
		OAuth1aDHPrime:                  lookupString("OAUTH1A_DH_PRIME", ""),
		OAuth1aEncryptionKeyFp:          lookupString("OAUTH1A_ENCRYPTION_KEY_FP", ""),
		OAuth1aSignatureKeyFp:           lookupString("OAUTH1A_SIGNATURE_KEY_FP", ""),
		OAuth1aRealm:                    lookupString("OAUTH1A_REALM", "limited_poa"),
	}

	var err error

	type boolField struct {
		dst  *bool
		name string
		def  bool
	}
	for _, f := range []boolField{
		{&c.UseSession, "USE_SESSION", true},
		{&c.AutoRegisterShutdown, "AUTO_REGISTER_SHUTDOWN", true},
		{&c.LogResponses, "LOG_RESPONSES", false},
		{&c.LogToConsole, "LOG_TO_CONSOLE", true},
		{&c.LogToFile, "LOG_TO_FILE", false},
		{&c.PrintFileLogs, "PRINT_FILE_LOGS", false},
		{&c.WsLogRawMessages, "WS_LOG_RAW_MESSAGES", false},
		{&c.UseOAuth, "USE_OAUTH", false},
		{&c.InitOAuth, "INIT_OAUTH", true},
		{&c.InitBrokerageSession, "INIT_BROKERAGE_SESSION", true},
		{&c.MaintainOAuth, "MAINTAIN_OAUTH", true},
		{&c.ShutdownOAuth, "SHUTDOWN_OAUTH", true},
	} {
		if *f.dst, err = lookupBool(f.name, f.def); err != nil {
			return nil, errors.Trace(err)
		}
	}

	type intField struct {
		dst  *int
		name string
		def  int
	}
	for _, f := range []intField{
		{&c.WsPingInterval, "WS_PING_INTERVAL", 45},
		{&c.WsMaxPingInterval, "WS_MAX_PING_INTERVAL", 300},
		{&c.WsTimeout, "WS_TIMEOUT", 5},
		{&c.WsSubscriptionRetries, "WS_SUBSCRIPTION_RETRIES", 5},
		{&c.WsSubscriptionTimeout, "WS_SUBSCRIPTION_TIMEOUT", 2},
		{&c.TicklerInterval, "TICKLER_INTERVAL", 60},
		{&c.OAuth1aDHGenerator, "OAUTH1A_DH_GENERATOR", 2},
	} {
		if *f.dst, err = lookupInt(f.name, f.def); err != nil {
			return nil, errors.Trace(err)
		}
	}

	return c, nil
}
