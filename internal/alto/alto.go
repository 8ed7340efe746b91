// Package alto queries an ALTO server for the network map and the routing
// cost map, then answers cost lookups between two addresses locally.
package alto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	ErrNoPID  = errors.New("address not in network map")
	ErrNoCost = errors.New("no cost between pids")
	ErrNoMaps = errors.New("maps not fetched")
)

const (
	NetworkMapPath = "/networkmap"
	CostMapPath    = "/costmap"
)

type Client interface {
	FetchNetworkMap(ctx context.Context) error
	FetchCostMap(ctx context.Context) error
	// CostByIP is the routing cost from the PID of local to the PID of peer.
	CostByIP(local, peer net.IP) (int, error)
	WithHTTPClient(client *http.Client) Client
}

type prefix struct {
	pid string
	net *net.IPNet
}

type client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	prefixes   []prefix
	costs      map[string]map[string]float64
}

func NewClient(baseURL string, logger *slog.Logger) Client {
	return &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        logger,
	}
}

func (c *client) WithHTTPClient(httpClient *http.Client) Client {
	c.httpClient = httpClient
	return c
}

type networkMapResponse struct {
	NetworkMap map[string]map[string][]string `json:"network-map"`
}

type costMapResponse struct {
	CostMap map[string]map[string]float64 `json:"cost-map"`
}

func (c *client) get(ctx context.Context, path string, mediaType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", mediaType)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("alto %s: http error: %s", path, response.Status)
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("alto %s: %w", path, err)
	}
	return nil
}

func (c *client) FetchNetworkMap(ctx context.Context) error {
	resp := networkMapResponse{}
	if err := c.get(ctx, NetworkMapPath, "application/alto-networkmap+json", &resp); err != nil {
		return err
	}

	prefixes := make([]prefix, 0)
	for pid, families := range resp.NetworkMap {
		for _, cidrs := range families {
			for _, cidr := range cidrs {
				_, ipnet, err := net.ParseCIDR(cidr)
				if err != nil {
					c.log.Warn("skipping malformed prefix", slog.String("pid", pid), slog.String("prefix", cidr))
					continue
				}
				prefixes = append(prefixes, prefix{pid: pid, net: ipnet})
			}
		}
	}
	c.prefixes = prefixes
	c.log.Info("network map fetched", slog.Int("prefixes", len(prefixes)))
	return nil
}

func (c *client) FetchCostMap(ctx context.Context) error {
	resp := costMapResponse{}
	if err := c.get(ctx, CostMapPath, "application/alto-costmap+json", &resp); err != nil {
		return err
	}
	c.costs = resp.CostMap
	c.log.Info("cost map fetched", slog.Int("pids", len(resp.CostMap)))
	return nil
}

// pid picks the PID with the longest prefix containing ip.
func (c *client) pid(ip net.IP) (string, error) {
	best, bestLen := "", -1
	for _, p := range c.prefixes {
		if !p.net.Contains(ip) {
			continue
		}
		if ones, _ := p.net.Mask.Size(); ones > bestLen {
			best, bestLen = p.pid, ones
		}
	}
	if bestLen < 0 {
		return "", fmt.Errorf("%w: %s", ErrNoPID, ip)
	}
	return best, nil
}

func (c *client) CostByIP(local, peer net.IP) (int, error) {
	if c.prefixes == nil || c.costs == nil {
		return 0, ErrNoMaps
	}
	src, err := c.pid(local)
	if err != nil {
		return 0, err
	}
	dst, err := c.pid(peer)
	if err != nil {
		return 0, err
	}
	cost, ok := c.costs[src][dst]
	if !ok {
		return 0, fmt.Errorf("%w: %s -> %s", ErrNoCost, src, dst)
	}
	return int(cost), nil
}
