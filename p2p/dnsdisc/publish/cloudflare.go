// Copyright 2024 The nodemesh Authors
// This file is part of the nodemesh library.
//
// The nodemesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodemesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodemesh library. If not, see <http://www.gnu.org/licenses/>.

package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/cloudflare-go"
	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p/dnsdisc"
)

var _ cloudflareAPI = (*cloudflare.API)(nil)

// cloudflareAPI is the subset of the Cloudflare client used by the provider.
// *cloudflare.API implements it.
type cloudflareAPI interface {
	ZoneIDByName(zoneName string) (string, error)
	ZoneDetails(ctx context.Context, zoneID string) (cloudflare.Zone, error)
	DNSRecords(ctx context.Context, zoneID string, rr cloudflare.DNSRecord) ([]cloudflare.DNSRecord, error)
	CreateDNSRecord(ctx context.Context, zoneID string, rr cloudflare.DNSRecord) (*cloudflare.DNSRecordResponse, error)
	UpdateDNSRecord(ctx context.Context, zoneID, recordID string, rr cloudflare.DNSRecord) error
	DeleteDNSRecord(ctx context.Context, zoneID, recordID string) error
}

// CloudflareConfig configures the Cloudflare provider.
type CloudflareConfig struct {
	APIToken        string
	ZoneID          string // looked up from Domain when empty
	Domain          string
	ChangeThreshold float64
	Logger          log.Logger
}

// CloudflareProvider publishes trees to Cloudflare DNS.
type CloudflareProvider struct {
	api       cloudflareAPI
	zoneID    string
	domain    string
	threshold float64
	log       log.Logger
}

// NewCloudflare creates a Cloudflare provider authenticated by an API token.
func NewCloudflare(cfg CloudflareConfig) (*CloudflareProvider, error) {
	if cfg.APIToken == "" {
		return nil, errCloudflareCred
	}
	api, err := cloudflare.NewWithAPIToken(cfg.APIToken)
	if err != nil {
		return nil, fmt.Errorf("can't create Cloudflare client: %v", err)
	}
	return newCloudflare(api, cfg), nil
}

func newCloudflare(api cloudflareAPI, cfg CloudflareConfig) *CloudflareProvider {
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return &CloudflareProvider{
		api:       api,
		zoneID:    cfg.ZoneID,
		domain:    strings.ToLower(strings.TrimSuffix(cfg.Domain, ".")),
		threshold: cfg.ChangeThreshold,
		log:       cfg.Logger.New("dns", "cloudflare"),
	}
}

// TestConnect implements Provider. It checks that the token may edit the zone.
func (c *CloudflareProvider) TestConnect(ctx context.Context) error {
	return c.checkZone(ctx, c.domain)
}

// Deploy implements Provider.
func (c *CloudflareProvider) Deploy(ctx context.Context, name string, t *dnsdisc.Tree) error {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	if err := c.checkZone(ctx, name); err != nil {
		return err
	}
	existing, err := c.collectRecords(ctx, name)
	if err != nil {
		return err
	}
	c.log.Info("Found existing TXT records", "name", name, "count", len(existing))

	if ok, err := checkChangeThreshold(t, existing, c.threshold, c.log); !ok {
		return err
	}
	changes := computeChanges(name, t.ToTXT(name), existing, cloudflareTTL(name), c.log)
	if len(changes) == 0 {
		c.log.Info("No DNS changes needed")
		return nil
	}
	changesCounter.WithLabelValues(string(Cloudflare)).Add(float64(len(changes)))
	c.log.Info("Submitting DNS changes", "count", len(changes))
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch ch.action {
		case actionCreate:
			_, err = c.api.CreateDNSRecord(ctx, c.zoneID, cloudflare.DNSRecord{Type: "TXT", Name: ch.name, Content: ch.value, TTL: int(ch.ttl)})
		case actionUpdate:
			rr := cloudflare.DNSRecord{ID: ch.old.id, Type: "TXT", Name: ch.name, Content: ch.value, TTL: int(ch.ttl)}
			err = c.api.UpdateDNSRecord(ctx, c.zoneID, ch.old.id, rr)
		case actionDelete:
			err = c.api.DeleteDNSRecord(ctx, c.zoneID, ch.old.id)
		}
		if err != nil {
			return fmt.Errorf("failed to %s %s: %v", strings.ToLower(ch.action.String()), ch.name, err)
		}
	}
	c.log.Info("Updated DNS entries", "count", len(changes))
	return nil
}

// checkZone verifies permissions on the zone containing the given domain.
func (c *CloudflareProvider) checkZone(ctx context.Context, name string) error {
	if c.zoneID == "" {
		c.log.Info("Finding Cloudflare zone ID", "name", name)
		id, err := c.api.ZoneIDByName(name)
		if err != nil {
			return err
		}
		c.zoneID = id
	}
	zone, err := c.api.ZoneDetails(ctx, c.zoneID)
	if err != nil {
		return err
	}
	if !isSubdomain(name, zone.Name) {
		return fmt.Errorf("CloudFlare zone name %q does not match name %q", zone.Name, name)
	}
	needPerms := map[string]bool{"#zone:edit": false, "#zone:read": false}
	for _, perm := range zone.Permissions {
		if _, ok := needPerms[perm]; ok {
			needPerms[perm] = true
		}
	}
	for _, ok := range needPerms {
		if !ok {
			return errors.New("wrong permissions on zone " + c.zoneID + ": " + fmt.Sprint(needPerms))
		}
	}
	return nil
}

// collectRecords collects all TXT records below the given name.
func (c *CloudflareProvider) collectRecords(ctx context.Context, name string) (map[string]txtRecord, error) {
	entries, err := c.api.DNSRecords(ctx, c.zoneID, cloudflare.DNSRecord{Type: "TXT"})
	if err != nil {
		return nil, err
	}
	existing := make(map[string]txtRecord)
	for _, entry := range entries {
		if !isSubdomain(entry.Name, name) {
			continue
		}
		existing[strings.ToLower(entry.Name)] = txtRecord{
			value: entry.Content,
			raw:   []string{entry.Content},
			ttl:   int64(entry.TTL),
			id:    entry.ID,
		}
	}
	return existing, nil
}

func cloudflareTTL(domain string) func(string) int64 {
	return func(name string) int64 {
		if name == domain {
			return rootTTL
		}
		return treeNodeTTLCloudflare
	}
}
