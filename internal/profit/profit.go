package profit

import (
	"sort"

	"binance-grid-engine-go/internal/models"

	"github.com/shopspring/decimal"
)

// Input 是一次收益核算的输入。每次核算都从完整的订单历史
// 重新计算，而不是增量累加，保证崩溃恢复后结果一致。
type Input struct {
	Orders       []models.Order
	PositionSide models.PositionSide
	MarkPrice    float64
	// FundingFee 来自资金费率结算，单独上报，不并入手续费和总盈亏
	FundingFee float64
}

// lot 是一笔尚未配对的开仓。
type lot struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

// Compute 用先进先出配对法核算网格收益。
//
// 开仓成交按时间顺序入队，平仓成交依次与最早的开仓配对，
// 配对差价累积为已实现盈亏。剩余未配对的开仓构成当前持仓。
// 总盈亏 = 配对差价 - 全部手续费；资金费不参与该口径。
func Compute(in Input) *models.ProfitSnapshot {
	filled := make([]models.Order, 0, len(in.Orders))
	for _, o := range in.Orders {
		if o.Status == models.OrderFilled && o.ExecutedQty > 0 {
			filled = append(filled, o)
		}
	}
	sort.Slice(filled, func(i, j int) bool {
		return filled[i].UpdatedAt.Before(filled[j].UpdatedAt)
	})

	snap := &models.ProfitSnapshot{}
	totalFee := decimal.Zero
	matched := decimal.Zero
	var lots []lot
	pairings := 0

	for _, o := range filled {
		price := decimal.NewFromFloat(o.AvgFillPrice)
		if price.IsZero() {
			price = decimal.NewFromFloat(o.Price)
		}
		qty := decimal.NewFromFloat(o.ExecutedQty)
		totalFee = totalFee.Add(decimal.NewFromFloat(o.Fee))

		if !o.ReduceOnly {
			lots = append(lots, lot{price: price, qty: qty})
			continue
		}

		// 平仓：与最早的开仓逐笔配对
		remaining := qty
		for remaining.IsPositive() && len(lots) > 0 {
			head := &lots[0]
			pairQty := decimal.Min(remaining, head.qty)

			diff := price.Sub(head.price)
			if in.PositionSide == models.Short {
				diff = head.price.Sub(price)
			}
			matched = matched.Add(diff.Mul(pairQty))
			pairings++

			head.qty = head.qty.Sub(pairQty)
			remaining = remaining.Sub(pairQty)
			if !head.qty.IsPositive() {
				lots = lots[1:]
			}
		}
	}

	openQty := decimal.Zero
	entryCost := decimal.Zero
	for _, l := range lots {
		openQty = openQty.Add(l.qty)
		entryCost = entryCost.Add(l.price.Mul(l.qty))
	}

	snap.TotalTrades = len(filled)
	snap.TotalPairingTimes = pairings
	snap.TotalFee = totalFee
	snap.FundingFee = decimal.NewFromFloat(in.FundingFee)
	snap.TotalProfitLoss = matched.Sub(totalFee)
	snap.OpenPositionQuantity = openQty
	snap.OpenPositionEntryCost = entryCost
	snap.OpenPositionValue = openQty.Mul(decimal.NewFromFloat(in.MarkPrice))
	return snap
}
