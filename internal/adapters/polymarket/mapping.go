package polymarket

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polycopy/internal/domain"
)

// mapOrderBook convierte la respuesta de /book a domain.OrderBook.
func mapOrderBook(r orderBookResponse) domain.OrderBook {
	return domain.OrderBook{
		TokenID: r.AssetID,
		Bids:    mapBookEntries(r.Bids, false),
		Asks:    mapBookEntries(r.Asks, true),
	}
}

// mapBookEntries convierte entries raw a domain.BookEntry y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Price, 64)
		size, _ := strconv.ParseFloat(r.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})

	return entries
}

// mapActivities convierte la actividad raw en trades pendientes del usuario.
// Items sin hash o con un lado desconocido se descartan.
func mapActivities(user string, raw []rawActivity) []domain.PendingTrade {
	trades := make([]domain.PendingTrade, 0, len(raw))
	for _, r := range raw {
		if r.TransactionHash == "" {
			continue
		}
		t := domain.PendingTrade{
			TransactionHash: strings.ToLower(r.TransactionHash),
			Counterparty:    strings.ToLower(user),
			Type:            strings.ToUpper(r.Type),
			ConditionID:     r.ConditionID,
			Asset:           r.Asset,
			Size:            number(r.Size),
			USDCSize:        number(r.USDCSize),
			Price:           number(r.Price),
			Timestamp:       parseTradeTimestamp(r.Timestamp),
			Title:           r.Title,
			Slug:            r.Slug,
			EventSlug:       r.EventSlug,
			Outcome:         r.Outcome,
			OutcomeIndex:    r.OutcomeIndex,
		}

		// REDEEM/SPLIT/MERGE vienen sin side; solo los TRADE lo necesitan
		side, err := domain.ParseSide(r.Side)
		if err != nil && t.Type == domain.ActivityTrade {
			slog.Debug("polymarket: skipping trade with unknown side", "tx", r.TransactionHash, "side", r.Side)
			continue
		}
		t.Side = side
		if t.USDCSize == 0 && t.Size > 0 {
			t.USDCSize = t.Size * t.Price
		}
		trades = append(trades, t)
	}
	return trades
}

// mapPositions convierte posiciones raw a domain.Position.
func mapPositions(owner string, raw []rawPosition) []domain.Position {
	positions := make([]domain.Position, 0, len(raw))
	for _, r := range raw {
		positions = append(positions, domain.Position{
			Owner:        strings.ToLower(owner),
			ConditionID:  r.ConditionID,
			Asset:        r.Asset,
			Size:         number(r.Size),
			AvgPrice:     number(r.AvgPrice),
			CurrentValue: number(r.CurrentValue),
			Title:        r.Title,
			Outcome:      r.Outcome,
		})
	}
	return positions
}

func number(n json.Number) float64 {
	f, _ := n.Float64()
	return f
}

func parseTradeTimestamp(n json.Number) time.Time {
	s := n.String()
	// Try as unix timestamp (seconds or milliseconds)
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > 1e12 {
			return time.Unix(sec/1000, (sec%1000)*int64(time.Millisecond)).UTC()
		}
		return time.Unix(sec, 0).UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	// Try as ISO string
	for _, layout := range []string{
		time.RFC3339Nano, time.RFC3339,
		"2006-01-02T15:04:05.000Z", "2006-01-02T15:04:05Z",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
