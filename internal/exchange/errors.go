package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/adshao/go-binance/v2/common"
)

// FailureKind 是交易所调用失败的封闭分类, 驱动执行状态机。
// 每个 Exchange 实现返回的错误都恰好携带一种分类。
type FailureKind int

const (
	// FailureNetwork 覆盖传输错误和超时, 可重试
	FailureNetwork FailureKind = iota
	// FailureAuth 覆盖无效的key/secret/签名, 对交易而言是致命的
	FailureAuth
	// FailureRateLimit 覆盖请求权重封禁和 429/418 响应
	FailureRateLimit
	// FailureReject 覆盖业务拒绝（余额不足、数量非法、过滤器不通过）
	FailureReject
)

func (k FailureKind) String() string {
	switch k {
	case FailureNetwork:
		return "NETWORK"
	case FailureAuth:
		return "AUTH"
	case FailureRateLimit:
		return "RATE_LIMIT"
	case FailureReject:
		return "EXCHANGE_REJECT"
	}
	return "UNKNOWN"
}

// Error 把底层交易所错误和它的分类包在一起。
type Error struct {
	Kind FailureKind
	Code int64 // 已知时为币安错误码, 否则为0
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// 引擎需要特判的币安错误码
const (
	codeInvalidTimestamp    = -1021
	codeTooManyRequests     = -1003
	codeInvalidSignature    = -1022
	codeAPIKeyFormatInvalid = -2014
	codeRejectedMbxKey      = -2015
	codeBalanceInsufficient = -2018
	codeMarginInsufficient  = -2019
	codeReduceOnlyReject    = -2022
	codeNoNeedChangeMargin  = -4046
	codeNoNeedChangeSide    = -4059
)

// classify 把 go-binance 客户端抛出的任意错误转换为 *Error。
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		kind := FailureReject
		switch apiErr.Code {
		case codeAPIKeyFormatInvalid, codeRejectedMbxKey, codeInvalidSignature:
			kind = FailureAuth
		case codeTooManyRequests:
			kind = FailureRateLimit
		case codeInvalidTimestamp:
			// 时间戳漂移按网络问题处理：重试时会重新取样本地时间
			kind = FailureNetwork
		}
		return &Error{Kind: kind, Code: apiErr.Code, Op: op, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: FailureNetwork, Op: op, Err: err}
	}

	// 无法识别的传输层错误也按网络故障处理,
	// 让 Runner 重试而不是把策略永久置为故障
	return &Error{Kind: FailureNetwork, Op: op, Err: err}
}

// isNoNeedChange 识别目标配置已生效时币安返回的"无需变更"拒绝, 视同成功。
func isNoNeedChange(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeNoNeedChangeMargin || apiErr.Code == codeNoNeedChangeSide
}

// KindOf 提取错误的分类；nil 或外来错误返回 ok=false。
func KindOf(err error) (FailureKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsAuth 返回是否为凭证错误。
func IsAuth(err error) bool {
	k, ok := KindOf(err)
	return ok && k == FailureAuth
}

// IsNetwork 返回是否为可重试的传输错误。
func IsNetwork(err error) bool {
	k, ok := KindOf(err)
	return ok && k == FailureNetwork
}

// IsRateLimit 返回是否为限频响应。
func IsRateLimit(err error) bool {
	k, ok := KindOf(err)
	return ok && k == FailureRateLimit
}

// IsInsufficientBalance 返回拒绝是否由保证金/余额不足导致,
// 这类错误映射到 INSUFFICIENT_BALANCE 而非 OTHER_ERROR。
func IsInsufficientBalance(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == codeBalanceInsufficient || e.Code == codeMarginInsufficient
}

// IsReduceOnlyReject 识别 -2022 拒绝：订单想减的仓位已不存在
// （在别处被平掉）。Runner 重新同步即可, 不算故障。
func IsReduceOnlyReject(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == codeReduceOnlyReject
}
