// hours.go resolves which contracts cover the current hour.
//
// Both venues name their hourly BTC contracts by the Eastern Time settlement
// hour: Kalshi events look like KXBTCD-25AUG2517 (settles 5pm ET on Aug 25
// 2025) and Polymarket slugs like bitcoin-up-or-down-august-25-5pm-et. The
// contract trading *now* is the one that settles at the end of the current
// hour, and its reference strike is the open of the current 1h candle.
package exchange

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// KalshiHourlyBTCSeries is the series every hourly BTC event belongs to.
const KalshiHourlyBTCSeries = "KXBTCD"

var (
	easternOnce sync.Once
	easternLoc  *time.Location
	easternErr  error
)

func eastern() (*time.Location, error) {
	easternOnce.Do(func() {
		easternLoc, easternErr = time.LoadLocation("America/New_York")
	})
	return easternLoc, easternErr
}

// HourlyMarket identifies the two venues' contracts for one hourly window.
type HourlyMarket struct {
	EventTicker string    // Kalshi event, e.g. KXBTCD-25AUG2517
	Slug        string    // Polymarket slug, e.g. bitcoin-up-or-down-august-25-5pm-et
	HourStart   time.Time // UTC start of the traded hour; its candle open is the reference strike
	SettleTime  time.Time // UTC end of the hour, when both contracts settle
}

// CurrentHourlyMarket resolves the contracts covering the hour containing now.
func CurrentHourlyMarket(now time.Time) (HourlyMarket, error) {
	loc, err := eastern()
	if err != nil {
		return HourlyMarket{}, fmt.Errorf("load eastern tz: %w", err)
	}

	hourStart := now.UTC().Truncate(time.Hour)
	settle := hourStart.Add(time.Hour)
	et := settle.In(loc)

	ticker := fmt.Sprintf("%s-%02d%s%02d%02d",
		KalshiHourlyBTCSeries,
		et.Year()%100,
		strings.ToUpper(et.Format("Jan")),
		et.Day(),
		et.Hour(),
	)
	slug := fmt.Sprintf("bitcoin-up-or-down-%s-%d-%s-et",
		strings.ToLower(et.Format("January")),
		et.Day(),
		strings.ToLower(et.Format("3PM")),
	)

	return HourlyMarket{
		EventTicker: ticker,
		Slug:        slug,
		HourStart:   hourStart,
		SettleTime:  settle,
	}, nil
}
