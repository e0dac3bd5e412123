package websocket

// snapshotFieldsByID maps the gateway's numeric market-data field ids to
// human-readable keys. Market-data frames only carry the fields that
// changed; the unwrap step remaps the ids it knows and drops the rest.
// See the gateway's market data fields reference for the full enumeration.
var snapshotFieldsByID = map[string]string{
	// Contract
	"55":   "symbol",
	"6008": "conid",
	"6070": "sec_type",
	"6457": "underlying_conid",
	"6509": "market_data_availability",
	"7094": "conid_exchange",

	// Price and volume
	"7295": "open",
	"70":   "high",
	"71":   "low",
	"7296": "close",
	"31":   "last_price",
	"84":   "bid_price",
	"86":   "ask_price",
	"7059": "last_size",
	"88":   "bid_size",
	"85":   "ask_size",
	"7741": "prior_close",
	"7635": "mark_price",
	"87":   "volume",
	"7762": "volume_long",
	"82":   "change",
	"7682": "change_since_open",
	"83":   "change_percent",

	// Financial information
	"7087": "hist_vol_percent",
	"7282": "average_volume_90",
	"7286": "dividend_amount",
	"7287": "dividend_yield_percent",
	"7288": "ex_date_dividend",
	"7289": "market_cap",
	"7290": "p_e",
	"7291": "eps",
	"7293": "52_week_high",
	"7294": "52_week_low",
}

// UnwrapFunc remaps one inbound frame before it is enqueued; it must be a
// pure function of the frame.
type UnwrapFunc func(map[string]interface{}) map[string]interface{}

// UnwrapMarketData is the default market-data unwrap: it keeps the conid,
// topic and update-time fields and remaps every known numeric field id to
// its readable key.
func UnwrapMarketData(message map[string]interface{}) map[string]interface{} {
	result := map[string]interface{}{}
	for _, k := range []string{"conid", "_updated", "topic"} {
		if v, ok := message[k]; ok {
			result[k] = v
		}
	}
	for key, value := range message {
		if name, ok := snapshotFieldsByID[key]; ok {
			result[name] = value
		}
	}
	return result
}
