package grid

import (
	"math"

	"binance-grid-engine-go/internal/models"
)

// Level 是网格规划产出的一个目标挂单意图。
type Level struct {
	Price      float64
	Quantity   float64
	Side       models.Side
	ReduceOnly bool
}

// PlanInput 汇集一次规划所需的全部输入，规划本身是纯函数。
type PlanInput struct {
	Strategy     *models.GridStrategy
	Filters      *models.SymbolFilters
	CurrentPrice float64
	// PositionQty 是当前方向上的可平仓数量，用于限制平仓单的数量
	PositionQty float64
	// AllowOpen 为 false 时只规划平仓单（例如余额不足或价格越界时的只平模式）
	AllowOpen bool
}

// AdjustToStep 将数值向下对齐到步进的整数倍，消除浮点尾差。
func AdjustToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step+1e-9) * step
}

// Plan 根据当前价格计算目标网格挂单集合。
//
// 网格线为 price_min + i*step（i=0..N），全部落在 [price_min, price_max] 内。
// 做多时价格下方的网格线挂买入开仓单，上方挂卖出平仓单；做空则镜像。
// 恰好等于当前价格的网格线不挂单。平仓单总量不超过当前持仓。
func Plan(in PlanInput) []Level {
	s := in.Strategy
	step := s.Step()
	if step <= 0 {
		return nil
	}

	tick := in.Filters.TickSize
	qty := AdjustToStep(s.OrderSize, in.Filters.StepSize)
	if qty <= 0 {
		return nil
	}

	openSide, closeSide := models.Buy, models.Sell
	if s.PositionSide == models.Short {
		openSide, closeSide = models.Sell, models.Buy
	}

	var below, above []float64
	for price := s.PriceMin; price <= s.PriceMax+tick/2; price += step {
		p := AdjustToStep(price, tick)
		if p < s.PriceMin-tick/2 || p > s.PriceMax+tick/2 {
			continue
		}
		if math.Abs(p-in.CurrentPrice) <= tick/2 {
			continue // 当前价所在网格线留空
		}
		if p*qty < in.Filters.MinNotional {
			continue
		}
		if p < in.CurrentPrice {
			below = append(below, p)
		} else {
			above = append(above, p)
		}
	}

	openPrices, closePrices := below, above
	if s.PositionSide == models.Short {
		openPrices, closePrices = above, below
	}

	var levels []Level
	if in.AllowOpen {
		for _, p := range openPrices {
			levels = append(levels, Level{Price: p, Quantity: qty, Side: openSide})
		}
	}

	// 平仓单不能超过持仓：离当前价最近的网格线优先
	maxClose := int(math.Floor(in.PositionQty/qty + 1e-9))
	if maxClose > len(closePrices) {
		maxClose = len(closePrices)
	}
	nearest := nearestFirst(closePrices, in.CurrentPrice)
	for i := 0; i < maxClose; i++ {
		levels = append(levels, Level{Price: nearest[i], Quantity: qty, Side: closeSide, ReduceOnly: true})
	}
	return levels
}

// nearestFirst 返回按与当前价距离升序排列的副本。
func nearestFirst(prices []float64, current float64) []float64 {
	out := make([]float64, len(prices))
	copy(out, prices)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && math.Abs(out[j]-current) < math.Abs(out[j-1]-current); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
