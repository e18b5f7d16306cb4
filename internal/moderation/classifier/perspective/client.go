// Package perspective scores message text with the Perspective comment
// analyzer API.
package perspective

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"modguard/internal/moderation"
	logx "modguard/pkg/logx"
)

const DefaultEndpoint = "https://commentanalyzer.googleapis.com/v1alpha1/comments:analyze"

var errNoKey = errors.New("perspective api key not configured")

type Config struct {
	APIKey     string
	Endpoint   string
	RetryMax   int
	Languages  []string
	Attributes []string

	// HTTPClient overrides the transport used underneath the retrying client.
	HTTPClient *http.Client
}

// Client implements moderation.Classifier.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if len(cfg.Attributes) == 0 {
		cfg.Attributes = moderation.DefaultCategories
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "perspective"))

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 250 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = retryablehttp.LeveledLogger(leveled{log})
	// Return the last response instead of a generic "giving up" error so the
	// status code shows up in logs.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.HTTPClient != nil {
		rc.HTTPClient = cfg.HTTPClient
	}
	return &Client{cfg: cfg, http: rc, log: log}
}

type analyzeRequest struct {
	Comment             comment             `json:"comment"`
	Languages           []string            `json:"languages,omitempty"`
	RequestedAttributes map[string]struct{} `json:"requestedAttributes"`
	DoNotStore          bool                `json:"doNotStore"`
}

type comment struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	AttributeScores map[string]struct {
		SummaryScore struct {
			Value float64 `json:"value"`
		} `json:"summaryScore"`
	} `json:"attributeScores"`
}

// Analyze returns one summary score per requested attribute. Every failure
// wraps moderation.ErrClassifierUnavailable.
func (c *Client) Analyze(ctx context.Context, text string) (map[string]float64, error) {
	scores, err := c.analyze(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", moderation.ErrClassifierUnavailable, err)
	}
	return scores, nil
}

func (c *Client) analyze(ctx context.Context, text string) (map[string]float64, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, errNoKey
	}

	req := analyzeRequest{
		Comment:             comment{Text: text},
		Languages:           c.cfg.Languages,
		RequestedAttributes: make(map[string]struct{}, len(c.cfg.Attributes)),
		DoNotStore:          true,
	}
	for _, a := range c.cfg.Attributes {
		req.RequestedAttributes[strings.ToUpper(a)] = struct{}{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()

	hreq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, redactKey(err, c.cfg.APIKey)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Debug("analyze rejected",
			logx.Int("status", resp.StatusCode),
			logx.Duration("took", time.Since(start)),
		)
		return nil, fmt.Errorf("perspective: status %d", resp.StatusCode)
	}

	var out analyzeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("perspective: decode response: %w", err)
	}
	scores := make(map[string]float64, len(out.AttributeScores))
	for name, s := range out.AttributeScores {
		scores[name] = s.SummaryScore.Value
	}
	return scores, nil
}

// url.Error embeds the full request URL, key included.
func redactKey(err error, key string) error {
	if key == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), key, "REDACTED"))
}

// leveled routes retryablehttp logs into logx. Retries are logged at debug
// and the final error at warn, since the caller reports the failure anyway.
type leveled struct{ log logx.Logger }

func (l leveled) Error(msg string, kv ...interface{}) { l.log.Warn(msg, kvFields(kv)...) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.log.Warn(msg, kvFields(kv)...) }
func (l leveled) Info(msg string, kv ...interface{})  { l.log.Debug(msg, kvFields(kv)...) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.log.Debug(msg, kvFields(kv)...) }

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		if k == "url" {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
