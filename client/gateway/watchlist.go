package gateway

import (
	"bgw-sdk-go/client/rest"
)

// CreateWatchlist creates a named watchlist holding the given conids.
func (c *Client) CreateWatchlist(id, name string, conids []string) (rest.Result, error) {
	rows := make([]interface{}, 0, len(conids))
	for _, conid := range conids {
		rows = append(rows, map[string]interface{}{"C": conid})
	}
	return c.Post("iserver/watchlist", rest.WithJSON(map[string]interface{}{
		"id":   id,
		"name": name,
		"rows": rows,
	}))
}

// GetWatchlists returns all watchlists for the user.
func (c *Client) GetWatchlists() (rest.Result, error) {
	return c.Get("iserver/watchlists")
}

// GetWatchlist returns one watchlist's rows.
func (c *Client) GetWatchlist(id string) (rest.Result, error) {
	return c.Get("iserver/watchlist", rest.WithParams(map[string]interface{}{
		"id": id,
	}))
}

// DeleteWatchlist removes a watchlist.
func (c *Client) DeleteWatchlist(id string) (rest.Result, error) {
	return c.Delete("iserver/watchlist", rest.WithParams(map[string]interface{}{
		"id": id,
	}))
}
