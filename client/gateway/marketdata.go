package gateway

import (
	"fmt"
	"strings"

	"github.com/juju/errors"

	"bgw-sdk-go/client/rest"
)

// historyMaxWorkers caps concurrent history requests; the endpoint accepts
// five concurrent requests in theory but throttles above four.
const historyMaxWorkers = 4

// LiveMarketdataSnapshot returns a market data snapshot for the given
// contracts. The brokerage-accounts pre-flight runs first, as the gateway
// requires it before snapshot requests.
func (c *Client) LiveMarketdataSnapshot(conids []string, fields []string) (rest.Result, error) {
	if _, err := c.ReceiveBrokerageAccounts(); err != nil {
		return rest.Result{}, errors.Annotatef(err, "brokerage accounts pre-flight")
	}

	return c.Get("iserver/marketdata/snapshot", rest.WithParams(map[string]interface{}{
		"conids": strings.Join(conids, ","),
		"fields": strings.Join(fields, ","),
	}))
}

// RegulatorySnapshot returns a regulatory snapshot for a contract. Each
// call may incur a fee on production accounts.
func (c *Client) RegulatorySnapshot(conid string) (rest.Result, error) {
	return c.Get("md/regsnapshot", rest.WithParams(map[string]interface{}{
		"conid": conid,
	}))
}

// HistoryQuery describes one market-data history request.
type HistoryQuery struct {
	Conid      string
	Bar        string // e.g. "1min", "1d"
	Exchange   string
	Period     string // e.g. "1d", "1w"
	OutsideRTH bool
	StartTime  string // format YYYYMMDD-HH:mm:ss, gateway-local
}

func (q HistoryQuery) params() map[string]interface{} {
	params := map[string]interface{}{
		"conid":  q.Conid,
		"bar":    q.Bar,
		"period": q.Period,
	}
	if q.Exchange != "" {
		params["exchange"] = q.Exchange
	}
	if q.OutsideRTH {
		params["outsideRth"] = true
	}
	if q.StartTime != "" {
		params["startTime"] = q.StartTime
	}
	return params
}

// MarketdataHistory returns historical bars for one contract.
func (c *Client) MarketdataHistory(query HistoryQuery) (rest.Result, error) {
	return c.Get("iserver/marketdata/history", rest.WithParams(query.params()))
}

// MarketdataHistoryByConids fetches history for several contracts through
// the parallel executor, keyed by conid. Failed queries carry their error
// in place; one contract failing never aborts the rest.
func (c *Client) MarketdataHistoryByConids(queries []HistoryQuery) map[string]rest.Outcome[rest.Result] {
	jobs := make(map[string]func() (rest.Result, error), len(queries))
	for _, q := range queries {
		query := q
		jobs[query.Conid] = func() (rest.Result, error) {
			return c.MarketdataHistory(query)
		}
	}

	return rest.ParallelMap(jobs, rest.ParallelOptions{MaxWorkers: historyMaxWorkers})
}

// MarketdataUnsubscribe cancels the market data feed for the given
// contracts, one request per conid.
func (c *Client) MarketdataUnsubscribe(conids []string) ([]rest.Result, error) {
	results := make([]rest.Result, 0, len(conids))
	for _, conid := range conids {
		result, err := c.Post(fmt.Sprintf("iserver/marketdata/%s/unsubscribe", conid))
		if err != nil {
			return results, errors.Annotatef(err, "unsubscribing conid %s", conid)
		}
		results = append(results, result)
	}
	return results, nil
}

// MarketdataUnsubscribeAll cancels every standing market data request.
func (c *Client) MarketdataUnsubscribeAll() (rest.Result, error) {
	return c.Get("iserver/marketdata/unsubscribeall")
}
