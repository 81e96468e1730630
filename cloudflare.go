package ddns

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"github.com/cloudflare/cloudflare-go"
)

// Cloudflare returns the cloudflare backend.
// The account password is an API token allowed to edit DNS in the zone that holds the hostname.
// The username is not used.
func Cloudflare() *CloudflareUpdater {
	return &CloudflareUpdater{
		logger:  discard,
		comment: "managed by ddnsd",
		clients: make(map[string]*cloudflare.API),
	}
}

// CloudflareUpdater implements Updater through the Cloudflare API.
type CloudflareUpdater struct {
	mu         sync.Mutex
	logger     *log.Logger
	httpClient *http.Client
	comment    string // attached to each new DNS record
	clients    map[string]*cloudflare.API
}

func (cf *CloudflareUpdater) Name() string { return "cloudflare" }

func (cf *CloudflareUpdater) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = discard
	}
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.logger = logger
}

func (cf *CloudflareUpdater) SetHTTPClient(httpClient *http.Client) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	cf.httpClient = httpClient
	cf.clients = make(map[string]*cloudflare.API)
}

func (cf *CloudflareUpdater) Validate(acct AccountConfig) error {
	switch {
	case acct.Password == "":
		return errors.New("password (API token) is required")
	case acct.Hostname == "":
		return errors.New("hostname is required")
	}
	return nil
}

// Update points the A records of acct.Hostname at ip.
// Records holding other addresses are deleted. API failures are reported as server errors,
// so the account is frozen rather than locked.
func (cf *CloudflareUpdater) Update(ctx context.Context, acct AccountConfig, ip netip.Addr) (Report, error) {
	api, logger, err := cf.client(acct.Password)
	if err != nil {
		return NewReport(OutcomeAuth, "token", err.Error()), nil
	}
	domain := acct.Hostname

	zones, err := api.ListZones(ctx)
	if err != nil {
		return cf.failure(ctx, fmt.Errorf("error listing zones: %w", err))
	}
	zid, ok := zoneForDomain(domain, zones)
	if !ok {
		return NewReport(OutcomeHostname, "nozone", fmt.Sprintf("unable to find a zone matching %q", domain)), nil
	}
	logger.Printf("cloudflare: looking up A records for %s in zone %s", domain, zid)

	records, _, err := api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zid), cloudflare.ListDNSRecordsParams{
		Type: recordType(ip),
		Name: domain,
	})
	if err != nil {
		return cf.failure(ctx, fmt.Errorf("error listing records: %w", err))
	}

	current := false
	for _, r := range records {
		a, err := netip.ParseAddr(r.Content)
		if err == nil && a == ip {
			current = true
			continue
		}
		logger.Printf("cloudflare: deleting record %s (%s) for %s", r.ID, r.Content, domain)
		if err := api.DeleteDNSRecord(ctx, cloudflare.ZoneIdentifier(zid), r.ID); err != nil {
			return cf.failure(ctx, fmt.Errorf("unable to delete DNS record %s: %w", r.ID, err))
		}
	}
	if current {
		return NewReport(OutcomeSuccess, "nochg", "record already exists for "+ip.String()), nil
	}

	record, err := api.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zid), cloudflare.CreateDNSRecordParams{
		Type:    recordType(ip),
		Name:    domain,
		Content: ip.String(),
		ZoneID:  zid,
		TTL:     60,
		Comment: cf.comment,
	})
	if err != nil {
		return cf.failure(ctx, fmt.Errorf("error creating DNS record: %w", err))
	}
	logger.Printf("cloudflare: created record %s for %s", record.ID, domain)
	return NewReport(OutcomeSuccess, "good", "record created for "+ip.String()), nil
}

// failure turns an API error into a report. An expired context is a transport error.
func (cf *CloudflareUpdater) failure(ctx context.Context, err error) (Report, error) {
	if ctx.Err() != nil {
		return Report{}, err
	}
	return NewReport(OutcomeServer, "api", err.Error()), nil
}

func (cf *CloudflareUpdater) client(token string) (*cloudflare.API, *log.Logger, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if api, ok := cf.clients[token]; ok {
		return api, cf.logger, nil
	}
	api, err := cloudflare.NewWithAPIToken(token)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating cloudflare api client: %w", err)
	}
	if cf.httpClient != nil {
		if err := cloudflare.HTTPClient(cf.httpClient)(api); err != nil {
			return nil, nil, fmt.Errorf("error configuring cloudflare api client: %w", err)
		}
	}
	cf.clients[token] = api
	return api, cf.logger, nil
}

// VerifyCloudflareToken checks that token is known to Cloudflare and active.
func VerifyCloudflareToken(ctx context.Context, token string) error {
	api, err := cloudflare.NewWithAPIToken(token)
	if err != nil {
		return fmt.Errorf("error creating cloudflare api client: %w", err)
	}
	result, err := api.VerifyAPIToken(ctx)
	if err != nil {
		return fmt.Errorf("error verifying token: %w", err)
	}
	if result.Status != "active" {
		return fmt.Errorf("token status is %q", result.Status)
	}
	return nil
}

// zoneForDomain picks the zone with the longest name that domain falls under.
func zoneForDomain(domain string, zones []cloudflare.Zone) (zid string, ok bool) {
	max := 0
	for _, z := range zones {
		if (domain == z.Name || strings.HasSuffix(domain, "."+z.Name)) && len(z.Name) > max {
			max, zid = len(z.Name), z.ID
		}
	}
	return zid, max > 0
}

func recordType(a netip.Addr) string {
	if a.Is4() {
		return "A"
	}
	if a.Is6() {
		return "AAAA"
	}
	panic("unknown ip configuration")
}
