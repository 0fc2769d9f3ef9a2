package report

import (
	"io"
	"strconv"

	"binance-grid-engine-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Strategies 将策略状态汇总渲染成文本表格，
// 供命令行查看和 /api/report 接口使用。
func Strategies(w io.Writer, strategies []models.GridStrategy) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "交易对", "方向", "区间", "状态", "已配对", "总盈亏", "手续费", "持仓量"})

	for _, s := range strategies {
		var pairings int
		profitLoss, fee, position := "-", "-", "-"
		if s.Profit != nil {
			pairings = s.Profit.TotalPairingTimes
			profitLoss = s.Profit.TotalProfitLoss.StringFixed(4)
			fee = s.Profit.TotalFee.StringFixed(4)
			position = s.Profit.OpenPositionQuantity.String()
		}
		t.AppendRow(table.Row{
			shortID(s.ID),
			s.Symbol,
			s.PositionSide,
			priceBand(s),
			s.ExecutionStatus,
			pairings,
			profitLoss,
			fee,
			position,
		})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, Align: text.AlignRight},
	})
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func priceBand(s models.GridStrategy) string {
	return strconv.FormatFloat(s.PriceMin, 'f', -1, 64) + " ~ " +
		strconv.FormatFloat(s.PriceMax, 'f', -1, 64)
}
