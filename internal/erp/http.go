package erp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/procurehq/erpsync/internal/config"
	"github.com/procurehq/erpsync/internal/domain/statemachine"
	"github.com/procurehq/erpsync/internal/entity"
)

// Default change-feed endpoints per entity kind; overridable through
// ERP_ENTITY_ENDPOINTS.
var defaultEndpoints = map[statemachine.Kind]string{
	statemachine.KindSupplier:        "/api/v1/suppliers/changes",
	statemachine.KindPurchaseRequest: "/api/v1/purchase-requests/changes",
	statemachine.KindPurchaseOrder:   "/api/v1/purchase-orders/changes",
	statemachine.KindReceipt:         "/api/v1/receipts/changes",
}

const submitEndpoint = "/api/v1/purchase-orders"

// HTTPClient talks to the ERP over its REST API.
type HTTPClient struct {
	cfg    config.ERP
	http   *http.Client
	logger *zap.Logger
}

// NewHTTPClient builds an ERP gateway from configuration.
func NewHTTPClient(cfg config.ERP, logger *zap.Logger) *HTTPClient {
	transport := http.DefaultTransport
	if !cfg.VerifySSL {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &HTTPClient{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		logger: logger,
	}
}

type changeRecord struct {
	ID        string         `json:"id"`
	UpdatedAt time.Time      `json:"updated_at"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data"`
}

type changeFeed struct {
	Records []changeRecord `json:"records"`
	Cursor  string         `json:"cursor"`
}

// FetchChanged queries the ERP change feed for records past the watermark.
func (c *HTTPClient) FetchChanged(ctx context.Context, tenantID string, kind statemachine.Kind, since *entity.Watermark, limit int) (*Page, error) {
	endpoint, ok := c.cfg.EntityEndpoints[string(kind)]
	if !ok {
		endpoint, ok = defaultEndpoints[kind]
	}
	if !ok {
		return nil, &IntegrationError{
			Op:      "fetch_changed",
			Message: fmt.Sprintf("no change-feed endpoint for kind %s", kind),
		}
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if since != nil {
		if !since.SourceUpdatedAt.IsZero() {
			q.Set("updated_after", since.SourceUpdatedAt.UTC().Format(time.RFC3339Nano))
			q.Set("after_id", since.SourceID)
		}
		if since.Cursor != "" {
			q.Set("cursor", since.Cursor)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req, tenantID)

	var feed changeFeed
	if err := c.do(req, "fetch_changed", &feed); err != nil {
		return nil, err
	}

	page := &Page{Cursor: feed.Cursor, Records: make([]Record, 0, len(feed.Records))}
	for _, rec := range feed.Records {
		page.Records = append(page.Records, Record{
			ExternalID: rec.ID,
			UpdatedAt:  rec.UpdatedAt.UTC(),
			Status:     rec.Status,
			Payload:    rec.Data,
		})
	}
	return page, nil
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SubmitPurchaseOrder posts one purchase order to the ERP.
func (c *HTTPClient) SubmitPurchaseOrder(ctx context.Context, tenantID string, po *entity.PurchaseOrder) (*PushResult, error) {
	body, err := json.Marshal(map[string]any{
		"number":       po.Number,
		"supplier":     po.SupplierName,
		"currency":     po.Currency,
		"total_amount": po.TotalAmount,
		"reference":    po.ID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+submitEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, tenantID)

	var resp submitResponse
	if err := c.do(req, "submit_purchase_order", &resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		return nil, &IntegrationError{
			Op:      "submit_purchase_order",
			Message: "response missing purchase order id",
		}
	}
	if resp.Status == "" {
		resp.Status = "accepted"
	}
	return &PushResult{ExternalID: resp.ID, Status: resp.Status}, nil
}

func (c *HTTPClient) authorize(req *http.Request, tenantID string) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	req.Header.Set("X-Tenant-ID", tenantID)
}

func (c *HTTPClient) do(req *http.Request, op string, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		// Timeouts and connection resets are retried.
		return &IntegrationError{Op: op, Transient: true, Message: err.Error(), Err: err}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return &IntegrationError{Op: op, Transient: true, Message: err.Error(), Err: err}
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if err := json.Unmarshal(payload, out); err != nil {
			return &IntegrationError{Op: op, Status: res.StatusCode, Message: "malformed response body", Err: err}
		}
		return nil
	}

	ie := &IntegrationError{
		Op:      op,
		Status:  res.StatusCode,
		Message: string(payload),
	}
	switch {
	case res.StatusCode == http.StatusRequestTimeout,
		res.StatusCode == http.StatusTooManyRequests,
		res.StatusCode >= 500:
		ie.Transient = true
	}
	c.logger.Warn("erp request failed",
		zap.String("op", op),
		zap.Int("status", res.StatusCode),
		zap.Bool("transient", ie.Transient),
	)
	return ie
}
