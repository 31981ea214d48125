package polymarket

// data.go — Data API pública: actividad y posiciones por wallet.

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

const (
	activityPerPage = 100
	positionsLimit  = 500
)

// FetchActivity devuelve la actividad TRADE reciente del usuario, más reciente primero.
func (c *Client) FetchActivity(ctx context.Context, user string) ([]domain.PendingTrade, error) {
	u := fmt.Sprintf("%s/activity?user=%s&type=%s&limit=%d",
		c.dataBase, url.QueryEscape(strings.ToLower(user)), domain.ActivityTrade, activityPerPage)

	var resp []rawActivity
	if err := c.get(ctx, c.dataLimiter, u, &resp); err != nil {
		return nil, fmt.Errorf("data-api.FetchActivity: %w", err)
	}

	trades := mapActivities(user, resp)
	slog.Debug("polymarket: activity fetched", "user", user, "items", len(resp), "trades", len(trades))
	return trades, nil
}

// FetchPositions devuelve las posiciones abiertas de la wallet.
func (c *Client) FetchPositions(ctx context.Context, owner string) ([]domain.Position, error) {
	u := fmt.Sprintf("%s/positions?user=%s&sizeThreshold=0&limit=%d",
		c.dataBase, url.QueryEscape(strings.ToLower(owner)), positionsLimit)

	var resp []rawPosition
	if err := c.get(ctx, c.dataLimiter, u, &resp); err != nil {
		return nil, fmt.Errorf("data-api.FetchPositions: %w", err)
	}
	return mapPositions(owner, resp), nil
}
