package gateway

import (
	"bgw-sdk-go/client/rest"
)

// ScannerParams returns the parameter tree accepted by the market scanner.
func (c *Client) ScannerParams() (rest.Result, error) {
	return c.Get("iserver/scanner/params")
}

// ScannerQuery describes one market scanner run.
type ScannerQuery struct {
	Instrument string
	Type       string
	Location   string
	Filter     []map[string]interface{}
}

// RunScanner runs a market scanner query and returns the matching
// contracts.
func (c *Client) RunScanner(query ScannerQuery) (rest.Result, error) {
	filter := query.Filter
	if filter == nil {
		filter = []map[string]interface{}{}
	}
	return c.Post("iserver/scanner/run", rest.WithJSON(map[string]interface{}{
		"instrument": query.Instrument,
		"type":       query.Type,
		"location":   query.Location,
		"filter":     filter,
	}))
}
