// Package marketplace implements the Visual Studio Marketplace gallery client:
// catalog paging, per-extension version listings, archive downloads, and
// review retrieval.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// DefaultEndpoint is the public gallery API base URL.
	DefaultEndpoint = "https://marketplace.visualstudio.com/_apis/public/gallery"

	defaultUserAgent = "vscavator/1.0"
	defaultPageSize  = 100

	acceptHeader = "application/json;api-version=7.2-preview.1;"
)

// Client abstracts the marketplace gallery API.
type Client interface {
	// ListPage fetches one page of the full catalog walk. Page numbers
	// start at 1.
	ListPage(ctx context.Context, pageNumber int) (*CatalogPage, error)

	// ListReleases fetches the full version history of one extension,
	// newest first. Returns ErrNotFound when the extension has vanished.
	ListReleases(ctx context.Context, identifier string) ([]Version, error)

	// FetchArchive streams the archive for one release. The caller must
	// close the returned Artifact.Body.
	FetchArchive(ctx context.Context, publisherName, extensionName, version string) (*Artifact, error)

	// FetchReviews fetches the most recent reviews of one extension.
	FetchReviews(ctx context.Context, publisherName, extensionName string) ([]Review, error)
}

type defaultClient struct {
	endpoint       string
	userAgent      string
	pageSize       int
	client         *http.Client
	downloadClient *http.Client
}

// ClientOption configures the gallery client.
type ClientOption func(*defaultClient)

// WithEndpoint overrides the gallery API base URL.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *defaultClient) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *defaultClient) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithPageSize sets the catalog listing page size.
func WithPageSize(n int) ClientOption {
	return func(c *defaultClient) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithHTTPClient sets the client used for listing and review calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *defaultClient) {
		c.client = hc
	}
}

// WithTimeouts adjusts the request and download deadlines of the default
// HTTP clients.
func WithTimeouts(request, download time.Duration) ClientOption {
	return func(c *defaultClient) {
		if request > 0 {
			c.client.Timeout = request
		}
		if download > 0 {
			c.downloadClient.Timeout = download
		}
	}
}

// WithDownloadClient sets the client used for archive downloads. Its timeout
// bounds the total transfer time of a single archive, guarding against
// stalled connections.
func WithDownloadClient(hc *http.Client) ClientOption {
	return func(c *defaultClient) {
		c.downloadClient = hc
	}
}

// NewClient creates a gallery client.
func NewClient(opts ...ClientOption) Client {
	c := &defaultClient{
		endpoint:  DefaultEndpoint,
		userAgent: defaultUserAgent,
		pageSize:  defaultPageSize,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		downloadClient: &http.Client{
			Timeout: 10 * time.Minute, // Archives can be large
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *defaultClient) ListPage(ctx context.Context, pageNumber int) (*CatalogPage, error) {
	req := queryRequest{
		Filters: []queryFilter{
			{
				Criteria: []filterCriterion{
					{FilterType: filterTypeTarget, Value: vscodeTarget},
					{FilterType: filterTypeSearchText, Value: `target:"` + vscodeTarget + `"`},
				},
				PageNumber: pageNumber,
				PageSize:   c.pageSize,
				SortBy:     sortByTitle,
				SortOrder:  sortOrderAscending,
			},
		},
		Flags: flagIncludeStatistics,
	}

	resp, err := c.extensionQuery(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing catalog page %d: %w", pageNumber, err)
	}
	if len(resp.Results) == 0 {
		return nil, &FatalError{StatusCode: http.StatusOK, Message: "extensionquery response carried no results"}
	}

	result := resp.Results[0]
	return &CatalogPage{
		Extensions: result.Extensions,
		TotalCount: totalCount(result.ResultMetadata),
	}, nil
}

func (c *defaultClient) ListReleases(ctx context.Context, identifier string) ([]Version, error) {
	req := queryRequest{
		Filters: []queryFilter{
			{
				Criteria: []filterCriterion{
					{FilterType: filterTypeExtensionName, Value: identifier},
				},
				PageNumber: 1,
				PageSize:   c.pageSize,
			},
		},
		Flags: flagIncludeVersions,
	}

	resp, err := c.extensionQuery(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("listing releases for %s: %w", identifier, err)
	}
	if len(resp.Results) == 0 || len(resp.Results[0].Extensions) == 0 {
		// An extension removed between listing and this query is an
		// expected race, not a failure.
		return nil, fmt.Errorf("listing releases for %s: %w", identifier, ErrNotFound)
	}

	return resp.Results[0].Extensions[0].Versions, nil
}

func (c *defaultClient) FetchArchive(
	ctx context.Context, publisherName, extensionName, version string,
) (*Artifact, error) {
	url := fmt.Sprintf(
		"%s/publishers/%s/vsextensions/%s/%s/vspackage",
		c.endpoint, publisherName, extensionName, version,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamDown, err)
	}

	if resp.StatusCode != http.StatusOK {
		body := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		return nil, classifyStatus(resp, body)
	}

	size := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			size = n
		}
	}

	return &Artifact{
		Body:        resp.Body,
		Size:        size,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (c *defaultClient) FetchReviews(
	ctx context.Context, publisherName, extensionName string,
) ([]Review, error) {
	url := fmt.Sprintf(
		"%s/publishers/%s/extensions/%s/reviews?count=100",
		c.endpoint, publisherName, extensionName,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, readErrorBody(resp.Body))
	}

	var parsed reviewsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &FatalError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decoding reviews response: %v", err)}
	}

	return parsed.Reviews, nil
}

// extensionQuery POSTs the given query to the gallery and decodes the
// response envelope.
func (c *defaultClient) extensionQuery(ctx context.Context, query queryRequest) (*queryResponse, error) {
	payload, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.endpoint+"/extensionquery", bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, readErrorBody(resp.Body))
	}

	var parsed queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &FatalError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decoding response: %v", err)}
	}

	return &parsed, nil
}

// totalCount extracts the gallery's reported catalog size from the result
// metadata, or zero when absent.
func totalCount(metadata []resultMetadata) int {
	for _, md := range metadata {
		if md.MetadataType != "ResultCount" {
			continue
		}
		for _, item := range md.MetadataItems {
			if item.Name == "TotalCount" {
				return item.Count
			}
		}
	}
	return 0
}

func readErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 1024))
	return string(body)
}
