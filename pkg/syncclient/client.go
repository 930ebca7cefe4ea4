// Package syncclient is a Go client for the syncd HTTP API. Participant
// calls are signed with the caller's ledger key; operator calls use a bearer
// token.
package syncclient

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ledgersync/pkg/auth"
	"ledgersync/pkg/chaincache"
	"ledgersync/pkg/httpx"
	"ledgersync/pkg/ledger"
	"ledgersync/pkg/models"
	"ledgersync/pkg/reconcile"
)

type Client struct {
	// BaseURL is the public listener, InternalURL the sponsorship listener.
	BaseURL     string
	InternalURL string
	HTTPClient  *http.Client
	AuthToken   string
	Key         *ecdsa.PrivateKey
	Now         func() time.Time

	// Retries applies to GET requests on transport errors and 5xx.
	Retries    int
	RetryDelay time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response. Code is the server's machine-readable code.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("syncd: status=%d code=%s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("syncd: status=%d body=%s", e.Status, string(e.Body))
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

type ChainSyncOptions struct {
	Force     bool
	MaxWaitMs *int64
	Digest    string
}

type ChainSyncResult struct {
	Order           models.LocalOrderRecord `json:"order"`
	Chain           models.ChainOrderRecord `json:"chain"`
	Source          string                  `json:"source"`
	Retries         int                     `json:"retries"`
	TotalWaitMs     int64                   `json:"totalWaitMs"`
	FilledFromLocal []string                `json:"filledFromLocal,omitempty"`
}

// ChainSync asks syncd to mirror one order. With a Key the request is signed
// as a participant, otherwise AuthToken is sent.
func (c *Client) ChainSync(ctx context.Context, orderID string, opts ChainSyncOptions) (ChainSyncResult, error) {
	payload := map[string]any{}
	if opts.Force {
		payload["force"] = true
	}
	if opts.MaxWaitMs != nil {
		payload["maxWaitMs"] = *opts.MaxWaitMs
	}
	if opts.Digest != "" {
		payload["digest"] = opts.Digest
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ChainSyncResult{}, err
	}
	var out ChainSyncResult
	path := "/orders/" + url.PathEscape(orderID) + "/chain-sync"
	err = c.do(ctx, http.MethodPost, c.BaseURL+path, body, "orders:chain-sync:"+orderID, false, &out)
	return out, err
}

type CacheStatus struct {
	Cache  chaincache.Stats `json:"cache"`
	Config map[string]any   `json:"config"`
	Status string           `json:"status"`
}

func (c *Client) CacheStatus(ctx context.Context) (CacheStatus, error) {
	var out CacheStatus
	err := c.do(ctx, http.MethodGet, c.BaseURL+"/cache", nil, "", false, &out)
	return out, err
}

type RefreshResult struct {
	Refreshed  bool           `json:"refreshed"`
	DurationMs int64          `json:"durationMs"`
	OrderCount int            `json:"orderCount"`
	ByStatus   map[string]int `json:"byStatus"`
}

func (c *Client) RefreshCache(ctx context.Context) (RefreshResult, error) {
	var out RefreshResult
	err := c.do(ctx, http.MethodPost, c.BaseURL+"/cache", nil, "", false, &out)
	return out, err
}

func (c *Client) ClearCache(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.BaseURL+"/cache", nil, "", false, nil)
}

func (c *Client) Reconcile(ctx context.Context, opts reconcile.Options) (reconcile.Report, error) {
	q := url.Values{}
	q.Set("refresh", strconv.FormatBool(opts.ForceRefresh))
	q.Set("detailed", strconv.FormatBool(opts.Detailed))
	var out reconcile.Report
	err := c.do(ctx, http.MethodGet, c.BaseURL+"/reconcile?"+q.Encode(), nil, "", false, &out)
	return out, err
}

type QueueResult struct {
	BatchID       string            `json:"batchId"`
	Discrepancies int               `json:"discrepancies"`
	Queued        int               `json:"queued"`
	Summary       reconcile.Summary `json:"summary"`
}

// QueueReview parks the current discrepancies for manual review.
func (c *Client) QueueReview(ctx context.Context, refresh bool) (QueueResult, error) {
	body, _ := json.Marshal(map[string]any{"action": "queue_review", "refresh": refresh})
	var out QueueResult
	err := c.do(ctx, http.MethodPost, c.BaseURL+"/reconcile", body, "", false, &out)
	return out, err
}

func (c *Client) SponsorBuild(ctx context.Context, kindBytes []byte) (models.SponsoredTxResult, error) {
	if c.Key == nil {
		return models.SponsoredTxResult{}, errors.New("syncclient: signing key required")
	}
	body, err := json.Marshal(models.SponsoredTxRequest{
		Sender:    ledger.AddressOf(c.Key).Hex(),
		KindBytes: base64.StdEncoding.EncodeToString(kindBytes),
	})
	if err != nil {
		return models.SponsoredTxResult{}, err
	}
	var out models.SponsoredTxResult
	err = c.do(ctx, http.MethodPost, c.internal()+"/internal/sponsor/build", body, "sponsor:build", true, &out)
	return out, err
}

func (c *Client) SponsorExecute(ctx context.Context, txB64, userSignature string) (string, error) {
	body, err := json.Marshal(models.SponsoredExecuteRequest{Bytes: txB64, UserSignature: userSignature})
	if err != nil {
		return "", err
	}
	var out struct {
		Digest string `json:"digest"`
	}
	err = c.do(ctx, http.MethodPost, c.internal()+"/internal/sponsor/execute", body, "sponsor:execute", true, &out)
	return out.Digest, err
}

// Submit runs the whole sponsored flow for one order hub call: build,
// co-sign as the sender, execute. It returns the transaction digest.
func (c *Client) Submit(ctx context.Context, kind ledger.TransactionKind) (string, error) {
	raw, err := ledger.EncodeKind(kind)
	if err != nil {
		return "", err
	}
	built, err := c.SponsorBuild(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("build: %w", err)
	}
	txBytes, err := base64.StdEncoding.DecodeString(built.Bytes)
	if err != nil {
		return "", fmt.Errorf("decode sponsored bytes: %w", err)
	}
	sig, err := ledger.SignTransaction(c.Key, txBytes)
	if err != nil {
		return "", err
	}
	digest, err := c.SponsorExecute(ctx, built.Bytes, sig)
	if err != nil {
		return "", fmt.Errorf("execute: %w", err)
	}
	return digest, nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, intent string, protect bool, out any) error {
	headers := http.Header{}
	switch {
	case intent != "" && c.Key != nil:
		signed, err := auth.SignRequest(c.Key, intent, body, protect, c.now())
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		headers = signed
	case strings.TrimSpace(c.AuthToken) != "":
		headers.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
	}
	// Signed requests carry a single-use nonce, so only reads are retried.
	retries := 0
	if method == http.MethodGet {
		retries = c.Retries
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.httpClient(), method, target, body, headers, retries, c.RetryDelay)
	if err != nil {
		return err
	}
	if status >= 300 {
		apiErr := &APIError{Status: status, Body: respBody}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &e) == nil {
			apiErr.Code, apiErr.Message = e.Code, e.Error
		}
		return apiErr
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) internal() string {
	if c.InternalURL != "" {
		return strings.TrimSuffix(c.InternalURL, "/")
	}
	return c.BaseURL
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
