// Package gateway 第三方支付网关的出站调用
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"paysettle/internal/config"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrTimeout 网关调用超时；不代表网关侧操作失败，调用方应使用相同幂等键重试
	ErrTimeout = errors.New("支付网关超时")
	// ErrUpstream 网关返回非 2xx 或响应无法解析
	ErrUpstream = errors.New("支付网关错误")
)

const createOrderPath = "/v1/orders"

// CreateOrderRequest 网关创建支付意图请求，amount 为最小货币单位
type CreateOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// Order 网关侧的支付意图
type Order struct {
	ID       string `json:"id"`
	Entity   string `json:"entity"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type errorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// Client 网关 HTTP 客户端，使用 Basic Auth 认证
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	timeout    time.Duration
	httpClient *http.Client
	tracer     trace.Tracer
}

func NewClient(cfg *config.GatewayConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		timeout:   timeout,
		// 不设置 http.Client.Timeout，超时完全由每次请求的 context 控制
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		tracer: otel.Tracer("paysettle/gateway"),
	}
}

// CreateOrder 在网关侧创建支付意图
func (c *Client) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*Order, error) {
	ctx, span := c.tracer.Start(ctx, "gateway.CreateOrder", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("payment.amount", req.Amount),
		attribute.String("payment.currency", req.Currency),
		attribute.String("payment.receipt", req.Receipt),
	)

	order, err := c.createOrder(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("gateway.order_id", order.ID))
	return order, nil
}

func (c *Client) createOrder(ctx context.Context, req *CreateOrderRequest) (*Order, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "序列化网关请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+createOrderPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "构造网关请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.keyID, c.keySecret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, errors.Wrapf(ErrTimeout, "%s 超过 %s", createOrderPath, c.timeout)
		}
		return nil, errors.Wrapf(ErrUpstream, "请求失败: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, errors.Wrapf(ErrTimeout, "读取响应超过 %s", c.timeout)
		}
		return nil, errors.Wrapf(ErrUpstream, "读取响应失败: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		return nil, errors.Wrapf(ErrUpstream, "status=%d code=%s desc=%s",
			resp.StatusCode, eb.Error.Code, eb.Error.Description)
	}

	var order Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return nil, errors.Wrapf(ErrUpstream, "解析响应失败: %v", err)
	}
	if order.ID == "" {
		return nil, errors.Wrap(ErrUpstream, "响应缺少意图ID")
	}
	return &order, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// String 便于日志输出，不包含密钥
func (c *Client) String() string {
	return fmt.Sprintf("gateway(%s, key=%s)", c.baseURL, c.keyID)
}
