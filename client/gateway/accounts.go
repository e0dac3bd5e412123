package gateway

import (
	"fmt"

	"bgw-sdk-go/client/rest"
)

// PortfolioAccounts returns the portfolio accounts for the user; required
// before other portfolio calls.
func (c *Client) PortfolioAccounts() (rest.Result, error) {
	return c.Get("portfolio/accounts")
}

// ReceiveBrokerageAccounts returns the brokerage accounts for the current
// session. It is the pre-flight for market-data endpoints.
func (c *Client) ReceiveBrokerageAccounts() (rest.Result, error) {
	return c.Get("iserver/accounts")
}

// SwitchAccount selects the active account for the session.
func (c *Client) SwitchAccount(accountID string) (rest.Result, error) {
	return c.Post("iserver/account", rest.WithJSON(map[string]interface{}{
		"acctId": accountID,
	}))
}

// AccountSummary returns a summary of the account's balances and margins.
func (c *Client) AccountSummary(accountID string) (rest.Result, error) {
	return c.Get(fmt.Sprintf("portfolio/%s/summary", c.orDefaultAccount(accountID)))
}

// Ledger returns the account ledger broken down by currency.
func (c *Client) Ledger(accountID string) (rest.Result, error) {
	return c.Get(fmt.Sprintf("portfolio/%s/ledger", c.orDefaultAccount(accountID)))
}

// PnL returns the partitioned profit-and-loss for the user's accounts.
func (c *Client) PnL() (rest.Result, error) {
	return c.Get("iserver/account/pnl/partitioned")
}

// Positions returns one page of the account's positions; pages hold up to
// 100 rows.
func (c *Client) Positions(accountID string, page int) (rest.Result, error) {
	return c.Get(fmt.Sprintf("portfolio/%s/positions/%d", c.orDefaultAccount(accountID), page))
}

// PositionByConid returns the account's position in a single contract.
func (c *Client) PositionByConid(accountID, conid string) (rest.Result, error) {
	return c.Get(fmt.Sprintf("portfolio/%s/position/%s", c.orDefaultAccount(accountID), conid))
}

// InvalidatePortfolioCache marks the portfolio cache stale so the next
// portfolio call fetches fresh data.
func (c *Client) InvalidatePortfolioCache(accountID string) (rest.Result, error) {
	return c.Post(fmt.Sprintf("portfolio/%s/positions/invalidate", c.orDefaultAccount(accountID)))
}

func (c *Client) orDefaultAccount(accountID string) string {
	if accountID != "" {
		return accountID
	}
	return c.accountID
}
