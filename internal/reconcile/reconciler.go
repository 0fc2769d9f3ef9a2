package reconcile

import (
	"math"
	"sort"

	"binance-grid-engine-go/internal/grid"
	"binance-grid-engine-go/internal/models"
)

// Actions 是一次对账的产物：需要补挂的目标和需要撤销的挂单。
type Actions struct {
	Place  []grid.Level
	Cancel []models.Order
	// DuplicateCount 记录同一网格线上的重复挂单数量，用于恢复闸门判断
	DuplicateCount int
}

// Empty 表示交易所挂单与目标已完全一致。
func (a Actions) Empty() bool {
	return len(a.Place) == 0 && len(a.Cancel) == 0
}

// Diff 将交易所当前挂单与目标网格集合对账。
//
// 价格在容差内、方向和开平属性一致即视为匹配。同一网格线出现多个
// 匹配时保留交易所订单ID最小的那个（最早挂出的），其余撤销。
// 已有部分成交的挂单永远不会被撤销。对同样的输入重复调用，
// 第一次产出的动作执行完后第二次必然为空。
func Diff(target []grid.Level, open []models.Order, tolerance float64) Actions {
	var actions Actions

	matched := make([]bool, len(target))
	byLevel := make(map[int][]models.Order)
	var strays []models.Order

	for _, o := range open {
		idx := matchLevel(target, o, tolerance)
		if idx < 0 {
			strays = append(strays, o)
			continue
		}
		byLevel[idx] = append(byLevel[idx], o)
	}

	for idx, orders := range byLevel {
		matched[idx] = true
		if len(orders) == 1 {
			continue
		}
		actions.DuplicateCount += len(orders) - 1
		sort.Slice(orders, func(i, j int) bool {
			return orders[i].ExchangeOrderID < orders[j].ExchangeOrderID
		})
		for _, o := range orders[1:] {
			if o.ExecutedQty > 0 {
				continue
			}
			actions.Cancel = append(actions.Cancel, o)
		}
	}

	for _, o := range strays {
		if o.ExecutedQty > 0 {
			continue
		}
		actions.Cancel = append(actions.Cancel, o)
	}

	for i, lvl := range target {
		if !matched[i] {
			actions.Place = append(actions.Place, lvl)
		}
	}
	return actions
}

func matchLevel(target []grid.Level, o models.Order, tolerance float64) int {
	best, bestDist := -1, math.MaxFloat64
	for i, lvl := range target {
		if lvl.Side != o.Side || lvl.ReduceOnly != o.ReduceOnly {
			continue
		}
		dist := math.Abs(lvl.Price - o.Price)
		if dist <= tolerance && dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}
