package mx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEndpoint = "https://dns.google/resolve"
	mxRecordType    = 15

	// dohRequestTimeout bounds the whole DoH exchange. Resolution runs
	// once per delivery before any SMTP dialing, outside the per-host
	// connect timeout and inside the per-message send deadline.
	dohRequestTimeout = 10 * time.Second
)

// Resolver queries a DNS-over-HTTPS JSON endpoint for MX records. Any
// transport or decoding failure yields an empty host list; the caller
// treats that as "no deliverable MX known".
type Resolver struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: dohRequestTimeout},
		logger:   logger,
	}
}

// NewResolverWithEndpoint points the resolver at a non-default DoH
// endpoint, used by tests.
func NewResolverWithEndpoint(logger *slog.Logger, endpoint string) *Resolver {
	r := NewResolver(logger)
	r.endpoint = endpoint
	return r
}

type dohAnswer struct {
	Type int    `json:"type"`
	Data string `json:"data"`
}

type dohResponse struct {
	Status int         `json:"Status"`
	Answer []dohAnswer `json:"Answer"`
}

// Resolve returns the MX hostnames for domain sorted ascending by
// preference, trailing dots stripped.
func (r *Resolver) Resolve(ctx context.Context, domain string) []string {
	query := url.Values{}
	query.Set("name", domain)
	query.Set("type", "MX")
	query.Set("ct", "application/x-javascript")
	query.Set("edns_client_subnet", "0.0.0.0/0")
	query.Set("cd", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s?%s", r.endpoint, query.Encode()), nil)
	if err != nil {
		r.logger.Error("failed to build doh request", "domain", domain, "err", err)
		return nil
	}

	res, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("doh query failed", "domain", domain, "err", err)
		return nil
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		r.logger.Warn("doh query returned unexpected status", "domain", domain, "status", res.StatusCode)
		return nil
	}

	dohRes := &dohResponse{}
	if err := json.NewDecoder(res.Body).Decode(dohRes); err != nil {
		r.logger.Warn("failed to decode doh response", "domain", domain, "err", err)
		return nil
	}
	if dohRes.Status != 0 {
		return nil
	}

	type mxRecord struct {
		pref int
		host string
	}
	records := []mxRecord{}
	for _, answer := range dohRes.Answer {
		if answer.Type != mxRecordType {
			continue
		}
		data := strings.TrimSuffix(answer.Data, ".")
		pref, host := 0, data
		if before, after, found := strings.Cut(data, " "); found {
			if p, err := strconv.Atoi(before); err == nil {
				pref, host = p, after
			}
		}
		records = append(records, mxRecord{pref: pref, host: host})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].pref < records[j].pref
	})

	hosts := make([]string, 0, len(records))
	for _, record := range records {
		hosts = append(hosts, record.host)
	}
	return hosts
}
