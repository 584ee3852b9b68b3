package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelkids/agent/internal/domain"
)

// APIConfig configures the backend HTTP clients. FallbackBaseURL is
// optional: when set, a request that fails at the transport level is
// retried once against it before the error is surfaced.
type APIConfig struct {
	BaseURL         string
	FallbackBaseURL string
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
}

// apiClient is the shared JSON-over-HTTP plumbing for both backends.
type apiClient struct {
	config APIConfig
	client *http.Client
	logger *zap.Logger
}

func newAPIClient(config APIConfig, logger *zap.Logger) *apiClient {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 15 * time.Second
	}
	return &apiClient{
		config: config,
		client: &http.Client{
			Timeout: config.ReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: config.ConnectTimeout,
				}).DialContext,
			},
		},
		logger: logger,
	}
}

// doJSON sends one request, failing over to the fallback base URL on a
// transport error. A non-2xx status is wrapped as a TransportError so
// callers treat it as retryable on the next scheduled run.
func (c *apiClient) doJSON(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
	}

	resp, reqURL, err := c.send(ctx, method, c.config.BaseURL, path, query, payload)
	if err != nil && c.config.FallbackBaseURL != "" {
		c.logger.Warn("primary backend unreachable, trying fallback",
			zap.String("op", op), zap.Error(err))
		resp, reqURL, err = c.send(ctx, method, c.config.FallbackBaseURL, path, query, payload)
	}
	if err != nil {
		return &domain.TransportError{Op: op, URL: reqURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &domain.TransportError{
			Op:  op,
			URL: reqURL,
			Err: fmt.Errorf("backend returned status %d", resp.StatusCode),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.TransportError{Op: op, URL: reqURL, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func (c *apiClient) send(ctx context.Context, method, base, path string, query url.Values, payload []byte) (*http.Response, string, error) {
	reqURL := strings.TrimSuffix(base, "/") + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, reqURL, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	return resp, reqURL, err
}

// policyDTO is the backend's policy wire format.
type policyDTO struct {
	ChildID           string   `json:"child_id,omitempty"`
	DailyLimitMinutes *int     `json:"daily_limit_minutes"`
	BlockedPackages   []string `json:"blocked_packages"`
	BedtimeStart      *string  `json:"bedtime_start"`
	BedtimeEnd        *string  `json:"bedtime_end"`
	WeekendRelaxPct   int      `json:"weekend_relax_pct"`
}

func (d policyDTO) toDomain() domain.Policy {
	p := domain.Policy{
		DailyLimitMinutes: -1,
		BlockedPackages:   make(map[string]struct{}, len(d.BlockedPackages)),
		WeekendRelaxPct:   d.WeekendRelaxPct,
	}
	if d.DailyLimitMinutes != nil {
		p.DailyLimitMinutes = *d.DailyLimitMinutes
	}
	for _, pkg := range d.BlockedPackages {
		p.BlockedPackages[pkg] = struct{}{}
	}
	if d.BedtimeStart != nil {
		p.BedtimeStart = *d.BedtimeStart
	}
	if d.BedtimeEnd != nil {
		p.BedtimeEnd = *d.BedtimeEnd
	}
	return p
}

// PolicyClient implements domain.PolicyAPI against the remote backend.
type PolicyClient struct {
	*apiClient
}

// NewPolicyClient creates a policy API client.
func NewPolicyClient(config APIConfig, logger *zap.Logger) *PolicyClient {
	return &PolicyClient{apiClient: newAPIClient(config, logger)}
}

// GetCurrentPolicy fetches the authoritative policy for a child.
func (c *PolicyClient) GetCurrentPolicy(ctx context.Context, userID string) (domain.Policy, error) {
	var dto policyDTO
	err := c.doJSON(ctx, "get policy", http.MethodGet, "/policy/current",
		url.Values{"user_id": {userID}}, nil, &dto)
	if err != nil {
		return domain.Policy{}, err
	}
	return dto.toDomain(), nil
}

// settingsDTO is the PUT /policy/settings request body.
type settingsDTO struct {
	DailyLimitMinutes *int     `json:"daily_limit_minutes,omitempty"`
	BedtimeStart      *string  `json:"bedtime_start,omitempty"`
	BedtimeEnd        *string  `json:"bedtime_end,omitempty"`
	WeekendRelaxPct   int      `json:"weekend_relax_pct"`
	BlockedPackages   []string `json:"blocked_packages,omitempty"`
}

// UpdateSettings pushes a partial settings update and returns the
// server's resulting policy.
func (c *PolicyClient) UpdateSettings(ctx context.Context, userID string, settings domain.PolicySettings) (domain.Policy, error) {
	body := settingsDTO{
		DailyLimitMinutes: settings.DailyLimitMinutes,
		BedtimeStart:      settings.BedtimeStart,
		BedtimeEnd:        settings.BedtimeEnd,
		WeekendRelaxPct:   settings.WeekendRelaxPct,
		BlockedPackages:   settings.BlockedPackages,
	}
	var dto policyDTO
	err := c.doJSON(ctx, "update settings", http.MethodPut, "/policy/settings",
		url.Values{"user_id": {userID}}, body, &dto)
	if err != nil {
		return domain.Policy{}, err
	}
	return dto.toDomain(), nil
}

var _ domain.PolicyAPI = (*PolicyClient)(nil)

// usageEventDTO is one condensed record in the report payload.
type usageEventDTO struct {
	PackageName     string `json:"package_name"`
	AppName         string `json:"app_name"`
	TimestampStart  string `json:"timestamp_start"`
	TimestampEnd    string `json:"timestamp_end"`
	DurationSeconds int64  `json:"duration_seconds"`
}

type usageReportRequestDTO struct {
	UserID   string          `json:"user_id"`
	DeviceID string          `json:"device_id"`
	Events   []usageEventDTO `json:"events"`
}

type usageReportResponseDTO struct {
	Status   string `json:"status"`
	Inserted int    `json:"inserted"`
}

// UsageClient implements domain.UsageAPI against the remote backend.
type UsageClient struct {
	*apiClient
}

// NewUsageClient creates a usage API client.
func NewUsageClient(config APIConfig, logger *zap.Logger) *UsageClient {
	return &UsageClient{apiClient: newAPIClient(config, logger)}
}

// ReportUsage uploads one batch of condensed records. Timestamps go
// out as ISO-8601 UTC, which is what the backend expects.
func (c *UsageClient) ReportUsage(ctx context.Context, userID, deviceID string, records []domain.CondensedRecord) (int, error) {
	events := make([]usageEventDTO, 0, len(records))
	for _, rec := range records {
		events = append(events, usageEventDTO{
			PackageName:     rec.Package,
			AppName:         rec.AppName,
			TimestampStart:  rec.Start.UTC().Format(time.RFC3339),
			TimestampEnd:    rec.End.UTC().Format(time.RFC3339),
			DurationSeconds: rec.TotalSeconds,
		})
	}

	var resp usageReportResponseDTO
	err := c.doJSON(ctx, "report usage", http.MethodPost, "/usage/report", nil,
		usageReportRequestDTO{UserID: userID, DeviceID: deviceID, Events: events}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Inserted, nil
}

var _ domain.UsageAPI = (*UsageClient)(nil)
