// Package mlabns queries the Measurement Lab naming service to
// discover suitable NDT servers near the client.
package mlabns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultBaseURL is the naming service queried when the configuration
// does not specify one. It MUST NOT end with a slash.
const DefaultBaseURL = "https://locate.measurementlab.net"

// maxResponseBody bounds the size of the response we are willing to
// parse.
const maxResponseBody = 1 << 20

// ErrNoAvailableServers is returned when the naming service is out of
// capacity in the client's region.
var ErrNoAvailableServers = errors.New("no available servers")

// Config contains the query parameters.
type Config struct {
	// BaseURL is the base URL of the naming service. Empty implies
	// DefaultBaseURL.
	BaseURL string

	// Tool is the resource to query, e.g. "ndt", "ndt_ssl", "ndt7".
	Tool string

	// Policy is the server selection policy: empty for the closest
	// server, "random", or "geo_options" for an ordered list of
	// servers to try in sequence.
	Policy string

	// Timeout bounds the whole HTTP round trip.
	Timeout time.Duration
}

// Client is an mlab-ns client.
type Client struct {
	config Config

	// HTTPClient performs the HTTP round trip. Tests replace it.
	HTTPClient *http.Client
}

// New creates a Client with the given configuration.
func New(config Config) *Client {
	return &Client{config: config, HTTPClient: http.DefaultClient}
}

// entry is a single server returned by the naming service.
type entry struct {
	FQDN string `json:"fqdn"`
}

func (c *Client) url() string {
	base := c.config.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	url := base + "/" + c.config.Tool
	if c.config.Policy != "" {
		url += "?policy=" + c.config.Policy
	}
	return url
}

// Query returns the FQDNs of the candidate servers, preserving the
// order chosen by the naming service.
func (c *Client) Query(ctx context.Context) ([]string, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(), nil)
	if err != nil {
		return nil, err
	}
	response, err := c.HTTPClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNoContent {
		return nil, ErrNoAvailableServers
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mlabns: unexpected status: %s", response.Status)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBody))
	if err != nil {
		return nil, err
	}
	return parseServers(body)
}

// parseServers decodes the response body. The service returns a single
// JSON object with the closest policy and an array of objects with the
// geo_options policy; we normalize the former to a one element list.
func parseServers(body []byte) ([]string, error) {
	var entries []entry
	if err := json.Unmarshal(body, &entries); err != nil {
		var single entry
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, err
		}
		entries = []entry{single}
	}
	var fqdns []string
	for _, e := range entries {
		if e.FQDN == "" {
			return nil, errors.New("mlabns: response entry without fqdn")
		}
		fqdns = append(fqdns, e.FQDN)
	}
	if len(fqdns) == 0 {
		return nil, errors.New("mlabns: empty server list")
	}
	return fqdns, nil
}
