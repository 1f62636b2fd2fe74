package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/recon_backend/models"
	"github.com/mmdatafocus/recon_backend/utils"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultGatewayPageSize = 200
	maxGatewayPages        = 10000
)

// GatewayClient pages through the payment gateway's transaction API.
type GatewayClient struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	pageSize  int
	http      *http.Client
	limiter   *rate.Limiter
}

// NewGatewayClientFromEnv reads GATEWAY_API_* settings.
func NewGatewayClientFromEnv() (*GatewayClient, error) {
	ratePerMin := 60
	if v := strings.TrimSpace(os.Getenv("GATEWAY_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ratePerMin = n
		}
	}
	pageSize := defaultGatewayPageSize
	if v := strings.TrimSpace(os.Getenv("GATEWAY_PAGE_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}
	return NewGatewayClient(
		os.Getenv("GATEWAY_API_BASE_URL"),
		os.Getenv("GATEWAY_API_KEY"),
		os.Getenv("GATEWAY_API_KEY_HEADER"),
		ratePerMin,
		pageSize,
	)
}

func NewGatewayClient(baseURL, apiKey, apiKeyHeader string, ratePerMin, pageSize int) (*GatewayClient, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("gateway api base url is empty")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gateway api key is empty")
	}
	apiKeyHeader = strings.TrimSpace(apiKeyHeader)
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if ratePerMin <= 0 {
		ratePerMin = 60
	}
	if pageSize <= 0 {
		pageSize = defaultGatewayPageSize
	}
	return &GatewayClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		pageSize:  pageSize,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(ratePerMin)), 1),
	}, nil
}

type gatewayTransaction struct {
	Id              string          `json:"id"`
	Reference       string          `json:"reference"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	TransactionDate string          `json:"transaction_date"`
	PayerName       string          `json:"payer_name"`
	PayerPhone      string          `json:"payer_phone"`
	PayerEmail      string          `json:"payer_email"`
	County          string          `json:"county"`
	Status          string          `json:"status"`
}

type gatewayListResponse struct {
	Data       []gatewayTransaction `json:"data"`
	NextCursor string               `json:"next_cursor"`
	HasMore    *bool                `json:"has_more"`
}

// Fetch returns every gateway transaction inside the query window.
func (c *GatewayClient) Fetch(ctx context.Context, q models.LedgerQuery) ([]models.LedgerRecord, error) {
	params := url.Values{}
	params.Set("from", q.PeriodStart.Format(time.DateOnly))
	params.Set("to", q.PeriodEnd.Format(time.DateOnly))
	params.Set("limit", strconv.Itoa(c.pageSize))
	if q.County != nil && strings.TrimSpace(*q.County) != "" {
		params.Set("county", strings.TrimSpace(*q.County))
	}

	var records []models.LedgerRecord
	seen := map[string]bool{}
	for page := 0; page < maxGatewayPages; page++ {
		resp, err := c.getList(ctx, "/v1/transactions", params)
		if err != nil {
			return nil, err
		}
		for _, tx := range resp.Data {
			rec, err := tx.toLedgerRecord()
			if err != nil {
				return nil, err
			}
			if rec.TransactionDate != nil && !q.Contains(*rec.TransactionDate) {
				continue
			}
			if !q.MatchesCounty(rec.County) {
				continue
			}
			records = append(records, rec)
		}
		next := strings.TrimSpace(resp.NextCursor)
		if next == "" || (resp.HasMore != nil && !*resp.HasMore) {
			return records, nil
		}
		if seen[next] {
			return nil, fmt.Errorf("gateway api repeated cursor %q", next)
		}
		seen[next] = true
		params.Set("cursor", next)
	}
	return nil, fmt.Errorf("gateway api returned more than %d pages", maxGatewayPages)
}

func (c *GatewayClient) getList(ctx context.Context, path string, params url.Values) (gatewayListResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gatewayListResponse{}, err
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gatewayListResponse{}, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return gatewayListResponse{}, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gatewayListResponse{}, fmt.Errorf("gateway api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if readErr != nil {
		return gatewayListResponse{}, fmt.Errorf("read gateway response: %w", readErr)
	}

	var parsed gatewayListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return gatewayListResponse{}, fmt.Errorf("decode gateway response: %w", err)
	}
	return parsed, nil
}

func (tx gatewayTransaction) toLedgerRecord() (models.LedgerRecord, error) {
	rec := models.LedgerRecord{
		RecordId:   strings.TrimSpace(tx.Id),
		Reference:  strings.TrimSpace(tx.Reference),
		Amount:     tx.Amount,
		Currency:   strings.ToUpper(strings.TrimSpace(tx.Currency)),
		PayerName:  utils.NilIfEmpty(strings.TrimSpace(tx.PayerName)),
		PayerPhone: utils.NilIfEmpty(strings.TrimSpace(tx.PayerPhone)),
		PayerEmail: utils.NilIfEmpty(strings.TrimSpace(tx.PayerEmail)),
		County:     utils.NilIfEmpty(strings.TrimSpace(tx.County)),
		Status:     tx.Status,
		Source:     models.LedgerSourceGateway,
	}
	rec.TransactionId = utils.NilIfEmpty(rec.RecordId)
	if strings.TrimSpace(tx.TransactionDate) != "" {
		d, err := utils.ParseDate(tx.TransactionDate)
		if err != nil {
			return rec, fmt.Errorf("gateway transaction %s: %w", tx.Id, err)
		}
		rec.TransactionDate = &d
	}
	return rec, nil
}
