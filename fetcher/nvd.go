package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/inconshreveable/log15"
	"golang.org/x/xerrors"

	"github.com/vulsio/go-cvewatch/config"
)

// NVDClient is the Feed Client: it queries the NVD CVE API per vendor and
// returns the raw pages. Rate limiting and retry live here, not in the pipeline.
type NVDClient struct {
	conf   config.FetchConfig
	client *retryablehttp.Client
}

// NewNVDClient :
func NewNVDClient(conf config.FetchConfig) (*NVDClient, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = conf.RetryMax
	client.RetryWaitMin = conf.RetryWaitMin
	client.RetryWaitMax = conf.RetryWaitMax
	client.CheckRetry = checkRetry
	client.Logger = log15.New("module", "nvd")

	if conf.HTTPProxy != "" {
		proxyURL, err := url.Parse(conf.HTTPProxy)
		if err != nil {
			return nil, xerrors.Errorf("Failed to parse http-proxy. err: %w", err)
		}
		if t, ok := client.HTTPClient.Transport.(*http.Transport); ok {
			t.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &NVDClient{conf: conf, client: client}, nil
}

// NVD answers 403 when the rate limit is exceeded
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil && resp.StatusCode == http.StatusForbidden {
		log15.Warn("Rate limit exceeded, waiting before retry", "status", resp.StatusCode)
		return true, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// FetchPages fetches up to MaxResults CVEs for every configured vendor.
// A vendor that fails is logged and skipped; the error lists them after the other vendors are done.
func (c *NVDClient) FetchPages(ctx context.Context) ([]Page, error) {
	pages := []Page{}
	failed := []string{}
	for _, vendor := range c.conf.Vendors {
		ps, err := c.fetchVendor(ctx, vendor)
		pages = append(pages, ps...)
		if err != nil {
			if ctx.Err() != nil {
				return pages, xerrors.Errorf("Failed to fetch NVD. err: %w", ctx.Err())
			}
			log15.Error("Failed to fetch vendor", "vendor", vendor, "err", err)
			failed = append(failed, vendor)
			continue
		}
		log15.Info("Fetched vendor", "vendor", vendor, "pages", len(ps))
	}
	if 0 < len(failed) {
		return pages, xerrors.Errorf("Failed to fetch vendors: %s", strings.Join(failed, ", "))
	}
	return pages, nil
}

func (c *NVDClient) fetchVendor(ctx context.Context, vendor string) ([]Page, error) {
	pages := []Page{}
	startIndex := 0
	for {
		resp, err := c.fetchPage(ctx, vendor, startIndex)
		if err != nil {
			return pages, err
		}
		if resp.TotalResults == 0 {
			log15.Info("Empty response", "vendor", vendor)
			return pages, nil
		}
		page := resp.page()
		pages = append(pages, page)

		startIndex += len(page.Items)
		limit := resp.TotalResults
		if c.conf.MaxResults < limit {
			limit = c.conf.MaxResults
		}
		log15.Debug("Fetched page", "vendor", vendor, "startIndex", resp.StartIndex, "totalResults", resp.TotalResults)
		if len(page.Items) == 0 || limit <= startIndex {
			return pages, nil
		}
		if err := sleepContext(ctx, c.conf.Interval); err != nil {
			return pages, err
		}
	}
}

func (c *NVDClient) pageURL(vendor string, startIndex int) (string, error) {
	u, err := url.Parse(c.conf.BaseURL)
	if err != nil {
		return "", xerrors.Errorf("Failed to parse base url. err: %w", err)
	}
	q := u.Query()
	q.Set("resultsPerPage", strconv.Itoa(c.conf.ResultsPerPage))
	q.Set("startIndex", strconv.Itoa(startIndex))
	q.Set("cpeMatchString", fmt.Sprintf("cpe:2.3:*:%s:*:*:*:*:*:*:*:*", vendor))
	q.Set("noRejected", "")
	if 0 < len(c.conf.Severities) {
		q.Set("cvssV3Severity", strings.Join(c.conf.Severities, ","))
	}
	if c.conf.APIKey != "" {
		q.Set("apiKey", c.conf.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *NVDClient) fetchPage(ctx context.Context, vendor string, startIndex int) (*nvdResponse, error) {
	u, err := c.pageURL(vendor, startIndex)
	if err != nil {
		return nil, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, xerrors.Errorf("Failed to create request. err: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-cvewatch")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("Failed to query NVD. err: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Errorf("Failed to query NVD. status: %s", resp.Status)
	}

	var r nvdResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, xerrors.Errorf("Failed to decode NVD response. err: %w", err)
	}
	return &r, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
