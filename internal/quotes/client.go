package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rewired-gh/watchdigest/internal/logger"
	"github.com/rewired-gh/watchdigest/internal/models"
)

// Options configures a Client. Zero values fall back to sensible defaults.
type Options struct {
	BaseURL             string
	APIKey              string
	Timeout             time.Duration
	BatchSize           int
	MaxRetries          int
	RetryDelayBase      time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// Client provides access to the quote provider
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	batchSize      int
	maxRetries     int
	retryDelayBase time.Duration
}

// providerQuote is one element of the provider's response array
type providerQuote struct {
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name"`
	Sector           string  `json:"sector"`
	Industry         string  `json:"industry"`
	Price            float64 `json:"price"`
	PreviousClose    float64 `json:"previousClose"`
	FiftyTwoWeekHigh float64 `json:"fiftyTwoWeekHigh"`
	FiftyTwoWeekLow  float64 `json:"fiftyTwoWeekLow"`
}

// NewClient creates a new quote client
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.MaxIdleConns > 0 {
		transport.MaxIdleConns = opts.MaxIdleConns
	}
	if opts.MaxIdleConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = opts.MaxIdleConnsPerHost
	}
	if opts.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = opts.IdleConnTimeout
	}

	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		apiKey:         opts.APIKey,
		httpClient:     &http.Client{Timeout: opts.Timeout, Transport: transport},
		batchSize:      opts.BatchSize,
		maxRetries:     opts.MaxRetries,
		retryDelayBase: opts.RetryDelayBase,
	}
}

// FetchQuotes retrieves quotes for codes, batchSize symbols per request.
// Symbols the provider does not know are simply absent from the result.
func (c *Client) FetchQuotes(ctx context.Context, codes []string) ([]models.Quote, error) {
	symbols := normalize(codes)
	var out []models.Quote

	for start := 0; start < len(symbols); start += c.batchSize {
		end := start + c.batchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch, err := c.fetchBatch(ctx, symbols[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}

	logger.Debug("Fetched %d quotes for %d symbols", len(out), len(symbols))
	return out, nil
}

func (c *Client) fetchBatch(ctx context.Context, symbols []string) ([]models.Quote, error) {
	u, err := url.Parse(c.baseURL + "/quotes")
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	q := u.Query()
	q.Set("symbols", strings.Join(symbols, ","))
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quote provider returned status %d", resp.StatusCode)
	}

	var pq []providerQuote
	if err := json.NewDecoder(resp.Body).Decode(&pq); err != nil {
		return nil, fmt.Errorf("failed to decode quotes: %w", err)
	}

	quotes := make([]models.Quote, 0, len(pq))
	for _, p := range pq {
		if models.NormalizeCode(p.Symbol) == "" {
			continue
		}
		quotes = append(quotes, models.Quote{
			Symbol:        models.NormalizeCode(p.Symbol),
			Name:          p.Name,
			Sector:        p.Sector,
			Industry:      p.Industry,
			Price:         p.Price,
			PreviousClose: p.PreviousClose,
			High52:        p.FiftyTwoWeekHigh,
			Low52:         p.FiftyTwoWeekLow,
		})
	}
	return quotes, nil
}

// doRequest performs HTTP request with retry logic
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.maxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * c.retryDelayBase):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("X-API-Key", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func normalize(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		code := models.NormalizeCode(c)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out
}
