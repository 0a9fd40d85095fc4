// Package gam implements report.Service against the Google Ad Manager SOAP
// API (ReportService and NetworkService). Only the handful of operations the
// delivery checker needs are modelled; saved report queries are carried as
// opaque XML and handed back to runReportJob unchanged.
package gam

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tbourn/go-delivery-alerts/internal/report"
)

const (
	// DefaultVersion is the Ad Manager API version used when none is configured.
	DefaultVersion = "v202508"
	// DefaultEndpoint is the SOAP base URL; the version and service name are appended.
	DefaultEndpoint = "https://ads.google.com/apis/ads/publisher"
	// Scope is the OAuth2 scope for Ad Manager.
	Scope = "https://www.googleapis.com/auth/dfp"

	exportFormat = "CSV_DUMP"
	maxErrorBody = 4 << 10
)

// Config describes the target network.
type Config struct {
	ApplicationName string
	NetworkCode     string
	Version         string
	Endpoint        string
}

// Client is a minimal Ad Manager SOAP client. It is safe for sequential use.
type Client struct {
	cfg  Config
	http *http.Client
	// download fetches signed report URLs; those need no OAuth header.
	download *http.Client
}

// Network is the result of NetworkService.getCurrentNetwork.
type Network struct {
	NetworkCode string `xml:"networkCode"`
	DisplayName string `xml:"displayName"`
}

// New returns a client that sends requests with hc, which must already
// attach credentials.
func New(cfg Config, hc *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.NetworkCode) == "" {
		return nil, errors.New("gam: network code is required")
	}
	if strings.TrimSpace(cfg.ApplicationName) == "" {
		return nil, errors.New("gam: application name is required")
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{cfg: cfg, http: hc, download: &http.Client{Timeout: 5 * time.Minute}}, nil
}

// NewFromServiceAccount builds a client authenticated with a service
// account key. credentials is either the key JSON itself or a path to it.
func NewFromServiceAccount(ctx context.Context, cfg Config, credentials string) (*Client, error) {
	raw, err := LoadCredentials(credentials)
	if err != nil {
		return nil, err
	}
	creds, err := google.CredentialsFromJSON(ctx, raw, Scope)
	if err != nil {
		return nil, fmt.Errorf("gam: parse service account: %w", err)
	}
	hc := oauth2.NewClient(ctx, creds.TokenSource)
	hc.Timeout = 2 * time.Minute
	return New(cfg, hc)
}

// LoadCredentials returns the service account JSON. A value starting with
// '{' is the JSON itself; anything else is read as a file path.
func LoadCredentials(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("gam: service account credentials are empty")
	}
	if strings.HasPrefix(v, "{") {
		return []byte(v), nil
	}
	b, err := os.ReadFile(v) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("gam: read service account file: %w", err)
	}
	return b, nil
}

// CurrentNetwork verifies credentials by fetching the current network.
func (c *Client) CurrentNetwork(ctx context.Context) (Network, error) {
	var resp struct {
		Rval Network `xml:"rval"`
	}
	if err := c.call(ctx, "NetworkService", getCurrentNetwork{XMLNS: c.ns()}, &resp); err != nil {
		return Network{}, err
	}
	log.Info().Str("network_code", resp.Rval.NetworkCode).Str("display_name", resp.Rval.DisplayName).Msg("gam network verified")
	return resp.Rval, nil
}

// SavedQuery implements report.Service.
func (c *Client) SavedQuery(ctx context.Context, id int64) (report.Definition, error) {
	req := getSavedQueriesByStatement{
		XMLNS: c.ns(),
		Statement: statement{
			Query: "WHERE id = :id LIMIT 1",
			Values: []stringValueMapEntry{{
				Key:   "id",
				Value: numberValue{Type: "NumberValue", Value: strconv.FormatInt(id, 10)},
			}},
		},
	}
	var resp struct {
		Rval struct {
			Results []struct {
				ID          int64   `xml:"id"`
				Name        string  `xml:"name"`
				ReportQuery *rawXML `xml:"reportQuery"`
			} `xml:"results"`
		} `xml:"rval"`
	}
	if err := c.call(ctx, "ReportService", req, &resp); err != nil {
		return report.Definition{}, err
	}
	if len(resp.Rval.Results) == 0 {
		return report.Definition{}, fmt.Errorf("gam: saved query %d not found", id)
	}
	r := resp.Rval.Results[0]
	def := report.Definition{ID: r.ID, Name: r.Name}
	if r.ReportQuery != nil {
		def.Query = bytes.TrimSpace(r.ReportQuery.Inner)
	}
	return def, nil
}

// RunReportJob implements report.Service.
func (c *Client) RunReportJob(ctx context.Context, def report.Definition) (string, error) {
	req := runReportJob{XMLNS: c.ns()}
	req.ReportJob.ReportQuery = rawXML{Inner: def.Query}
	var resp struct {
		Rval struct {
			ID string `xml:"id"`
		} `xml:"rval"`
	}
	if err := c.call(ctx, "ReportService", req, &resp); err != nil {
		return "", err
	}
	if resp.Rval.ID == "" {
		return "", errors.New("gam: runReportJob returned no job id")
	}
	return resp.Rval.ID, nil
}

// JobStatus implements report.Service.
func (c *Client) JobStatus(ctx context.Context, jobID string) (string, error) {
	var resp struct {
		Rval string `xml:"rval"`
	}
	if err := c.call(ctx, "ReportService", getReportJobStatus{XMLNS: c.ns(), ReportJobID: jobID}, &resp); err != nil {
		return "", err
	}
	return resp.Rval, nil
}

// DownloadURL returns the signed CSV_DUMP download URL of a completed job.
func (c *Client) DownloadURL(ctx context.Context, jobID string) (string, error) {
	req := getReportDownloadURLWithOptions{XMLNS: c.ns(), ReportJobID: jobID}
	req.Options.ExportFormat = exportFormat
	req.Options.UseGzipCompression = true
	var resp struct {
		Rval string `xml:"rval"`
	}
	if err := c.call(ctx, "ReportService", req, &resp); err != nil {
		return "", err
	}
	if resp.Rval == "" {
		return "", errors.New("gam: empty download url")
	}
	return strings.TrimSpace(resp.Rval), nil
}

// Results implements report.Service: it resolves the download URL and
// streams the gzip CSV body.
func (c *Client) Results(ctx context.Context, jobID string) (io.ReadCloser, error) {
	url, err := c.DownloadURL(ctx, jobID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("gam: build download request: %w", err)
	}
	res, err := c.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gam: download report: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, fmt.Errorf("gam: download report: status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return res.Body, nil
}

func (c *Client) ns() string {
	return "https://www.google.com/apis/ads/publisher/" + c.cfg.Version
}

func (c *Client) serviceURL(service string) string {
	return c.cfg.Endpoint + "/" + c.cfg.Version + "/" + service
}

// call posts one SOAP request and decodes the first body element into out.
func (c *Client) call(ctx context.Context, service string, body any, out any) error {
	env := envelope{
		SoapNS: soapEnvelopeNS,
		XsiNS:  xsiNS,
		Header: requestHeader{
			XMLNS:           c.ns(),
			NetworkCode:     c.cfg.NetworkCode,
			ApplicationName: c.cfg.ApplicationName,
		},
		Body: envelopeBody{Content: body},
	}
	payload, err := xml.Marshal(env)
	if err != nil {
		return fmt.Errorf("gam: encode %s request: %w", service, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serviceURL(service), bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return fmt.Errorf("gam: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", `""`)

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gam: %s: %w", service, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("gam: read %s response: %w", service, err)
	}
	return decodeResponse(data, res.StatusCode, out)
}

func decodeResponse(data []byte, status int, out any) error {
	var env responseEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		if status != http.StatusOK {
			return fmt.Errorf("gam: status %d: %s", status, truncate(string(data), maxErrorBody))
		}
		return fmt.Errorf("gam: decode response: %w", err)
	}
	if env.Body.Fault != nil {
		return env.Body.Fault
	}
	if status != http.StatusOK {
		return fmt.Errorf("gam: status %d", status)
	}
	if len(bytes.TrimSpace(env.Body.Inner)) == 0 {
		return errors.New("gam: empty response body")
	}
	if err := xml.Unmarshal(env.Body.Inner, out); err != nil {
		return fmt.Errorf("gam: decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
