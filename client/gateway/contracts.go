package gateway

import (
	"fmt"
	"strings"

	"bgw-sdk-go/client/rest"
)

// SecurityStocksBySymbol returns stock contract details for the given
// symbols.
func (c *Client) SecurityStocksBySymbol(symbols []string) (rest.Result, error) {
	return c.Get("trsrv/stocks", rest.WithParams(map[string]interface{}{
		"symbols": strings.Join(symbols, ","),
	}))
}

// SecurityDefinitionByConid returns security definitions for the given
// contract ids.
func (c *Client) SecurityDefinitionByConid(conids []string) (rest.Result, error) {
	return c.Get("trsrv/secdef", rest.WithParams(map[string]interface{}{
		"conids": strings.Join(conids, ","),
	}))
}

// SearchContractBySymbol searches contracts by symbol or company name.
// secType, when non-empty, narrows the asset class.
func (c *Client) SearchContractBySymbol(symbol string, name bool, secType string) (rest.Result, error) {
	body := map[string]interface{}{
		"symbol": symbol,
		"name":   name,
	}
	if secType != "" {
		body["secType"] = secType
	}
	return c.Post("iserver/secdef/search", rest.WithJSON(body))
}

// ContractInfoByConid returns the full contract details for one conid.
func (c *Client) ContractInfoByConid(conid string) (rest.Result, error) {
	return c.Get(fmt.Sprintf("iserver/contract/%s/info", conid))
}

// ContractRules returns the order rules for a contract; isBuy selects the
// side the rules apply to.
func (c *Client) ContractRules(conid string, isBuy bool) (rest.Result, error) {
	return c.Post("iserver/contract/rules", rest.WithJSON(map[string]interface{}{
		"conid": conid,
		"isBuy": isBuy,
	}))
}
