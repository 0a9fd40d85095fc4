package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// DefaultAPIBase is the Slack Web API root.
const DefaultAPIBase = "https://slack.com/api"

const maxErrorBody = 2 << 10

// Client talks to Slack webhooks and the Web API. Requests answered with
// 429 or 5xx are retried with exponential backoff, honouring Retry-After.
type Client struct {
	Token      string
	APIBase    string
	HTTP       *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	UserAgent  string
}

// NewClient returns a client using the bot token for Web API calls.
func NewClient(token string) *Client {
	return &Client{
		Token:      token,
		APIBase:    DefaultAPIBase,
		HTTP:       &http.Client{Timeout: 50 * time.Second},
		MaxRetries: 3,
		BaseDelay:  time.Second,
		UserAgent:  "deliverycheck/1.0",
	}
}

// StatusError is a non-2xx response that was not (or no longer) retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("slack: status %d: %s", e.Code, e.Body)
}

// LookupUserByEmail resolves a member id for email. A user that does not
// exist yields ("", nil).
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (string, error) {
	u := strings.TrimRight(c.APIBase, "/") + "/users.lookupByEmail?email=" + url.QueryEscape(email)
	res, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.Token)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	var body struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("slack: decode users.lookupByEmail: %w", err)
	}
	if !body.OK {
		if body.Error == "users_not_found" {
			return "", nil
		}
		return "", fmt.Errorf("slack: users.lookupByEmail: %s", body.Error)
	}
	return body.User.ID, nil
}

// PostWebhook sends msg to an incoming webhook.
func (c *Client) PostWebhook(ctx context.Context, webhookURL string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: encode message: %w", err)
	}
	res, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return res.Body.Close()
}

// retryAfter lets a response override the next backoff interval.
type retryAfter struct {
	backoff.BackOff
	next time.Duration
}

func (r *retryAfter) NextBackOff() time.Duration {
	d := r.BackOff.NextBackOff()
	if d != backoff.Stop && r.next > 0 {
		d, r.next = r.next, 0
	}
	return d
}

// do sends the request built by build, retrying transport errors, 429 and
// 5xx. Any other non-2xx status is returned as *StatusError at once.
func (c *Client) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	exp := backoff.NewExponentialBackOff()
	if c.BaseDelay > 0 {
		exp.InitialInterval = c.BaseDelay
	}
	exp.MaxElapsedTime = 0
	ra := &retryAfter{BackOff: backoff.WithMaxRetries(exp, uint64(max(c.MaxRetries, 0)))}

	op := func() (*http.Response, error) {
		req, err := build()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if c.UserAgent != "" {
			req.Header.Set("User-Agent", c.UserAgent)
		}
		res, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res, nil
		}
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		_ = res.Body.Close()
		serr := &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(b))}
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			ra.next = parseRetryAfter(res.Header.Get("Retry-After"))
			return nil, serr
		}
		return nil, backoff.Permanent(serr)
	}
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("slack request failed, retrying")
	}

	res, err := backoff.RetryNotifyWithData(op, backoff.WithContext(ra, ctx), notify)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}
	return res, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if s, err := strconv.Atoi(v); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
