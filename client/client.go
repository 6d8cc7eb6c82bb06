package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/linluma/pricehub/shared/models"
)

// DisplaySnapshot formats and prints one price frame
func DisplaySnapshot(snap models.Snapshot) {
	emoji := "🟡" // connecting or idle
	switch snap.State {
	case models.StateLive:
		emoji = "🟢"
	case models.StateDegraded:
		emoji = "🔴"
	}

	symbols := make([]string, 0, len(snap.Prices))
	for sym := range snap.Prices {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var prices []string
	for _, sym := range symbols {
		rec := snap.Prices[sym]
		prices = append(prices, fmt.Sprintf("%s $%.2f (%+.2f%%) local:%.2f",
			sym, rec.PriceUSD, rec.Change24hPercent, rec.PriceLocal))
	}

	line := fmt.Sprintf("%s %s [%s] #%d | %s", emoji, snap.Source, snap.State, snap.UpdateCount, strings.Join(prices, " | "))
	if snap.Error != "" {
		line += " | error: " + snap.Error
	}
	fmt.Println(line)
}

// DisplayCandle formats and prints an analysed candle
func DisplayCandle(c models.ProcessedCandle) {
	timeRange := fmt.Sprintf("%s-%s",
		c.OpenTime.Local().Format("01-02 15:04"), c.CloseTime.Local().Format("15:04"))

	ohlcv := fmt.Sprintf("O:%.2f H:%.2f L:%.2f C:%.2f V:%.4f",
		c.Open, c.High, c.Low, c.Close, c.Volume)

	emoji := "🔻"
	if c.IsBullish {
		emoji = "🔺"
	}

	fmt.Printf("%s %s | %s | body:%.2f upper:%.2f lower:%.2f | momentum:%.3f\n",
		emoji, timeRange, ohlcv, c.BodySize, c.UpperShadow, c.LowerShadow, c.Momentum)
}
