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
	"sort"
	"strconv"
	"strings"

	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p/dnsdisc"
)

// Provider publishes trees into a DNS zone.
type Provider interface {
	// TestConnect performs one round trip to the provider to check credentials.
	TestConnect(ctx context.Context) error
	// Deploy replaces the tree published at domain with t, changing only the
	// records that differ.
	Deploy(ctx context.Context, domain string, t *dnsdisc.Tree) error
}

// NewProvider creates the provider selected by cfg.Type.
func NewProvider(ctx context.Context, cfg *Config) (Provider, error) {
	switch cfg.Type {
	case Route53:
		return NewRoute53(ctx, Route53Config{
			AccessKeyID:     cfg.AccessKeyID,
			AccessKeySecret: cfg.AccessKeySecret,
			Region:          cfg.AWSRegion,
			ZoneID:          cfg.AWSHostedZoneID,
			ChangeThreshold: cfg.ChangeThreshold,
			Logger:          cfg.Logger,
		})
	case Cloudflare:
		return NewCloudflare(CloudflareConfig{
			APIToken:        cfg.CloudflareToken,
			ZoneID:          cfg.CloudflareZoneID,
			Domain:          cfg.Domain,
			ChangeThreshold: cfg.ChangeThreshold,
			Logger:          cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown DNS provider type %q", cfg.Type)
	}
}

// DNS record TTLs in seconds.
const (
	rootTTL               = 30 * 60              // 30 min
	treeNodeTTL           = 4 * 7 * 24 * 60 * 60 // 4 weeks
	treeNodeTTLCloudflare = 24 * 60 * 60         // 1 day
)

// linkScheme prefixes link entries in the zone.
const linkScheme = "tree://"

var errZoneWipe = errors.New("refusing to remove all published nodes")

// txtRecord is a TXT record present in the zone.
type txtRecord struct {
	value string   // unquoted, joined value
	raw   []string // values as returned by the provider
	ttl   int64
	id    string
}

type changeAction int

const (
	actionCreate changeAction = iota
	actionUpdate
	actionDelete
)

func (a changeAction) String() string {
	switch a {
	case actionCreate:
		return "CREATE"
	case actionUpdate:
		return "UPSERT"
	default:
		return "DELETE"
	}
}

// txtChange is one record modification.
type txtChange struct {
	action changeAction
	name   string
	value  string
	ttl    int64
	old    txtRecord
}

// checkChangeThreshold decides whether t should replace the published tree. It
// returns false when the published endpoints barely differ from the new ones, and
// errZoneWipe when the new tree would remove every published endpoint.
func checkChangeThreshold(t *dnsdisc.Tree, existing map[string]txtRecord, threshold float64, logger log.Logger) (bool, error) {
	values := make(map[string]string, len(existing))
	for name, rec := range existing {
		values[name] = rec.value
	}
	var (
		published = dnsdisc.DnsNodesFromTXT(values)
		fresh     = t.DnsNodes()
	)
	if len(published) == 0 {
		return true, nil
	}
	if len(fresh) == 0 {
		return false, errZoneWipe
	}
	if oldLinks := publishedLinks(values); !equalLinks(oldLinks, t.Links()) {
		logger.Info("Publishing DNS tree with changed links", "published", len(oldLinks), "links", len(t.Links()))
		return true, nil
	}
	ratio := changeRatio(published, fresh)
	if ratio < threshold {
		logger.Info("Skipping DNS update below change threshold", "published", len(published), "nodes", len(fresh), "ratio", ratio, "threshold", threshold)
		return false, nil
	}
	logger.Debug("Computed DNS node change ratio", "published", len(published), "nodes", len(fresh), "ratio", ratio)
	return true, nil
}

// publishedLinks returns the sorted link entries among the given records.
func publishedLinks(values map[string]string) []string {
	var links []string
	for _, v := range values {
		if strings.HasPrefix(v, linkScheme) {
			links = append(links, v)
		}
	}
	sort.Strings(links)
	return links
}

func equalLinks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// changeRatio returns the number of endpoints added or removed relative to the
// size of the published set.
func changeRatio(published, fresh []*dnsdisc.DnsNode) float64 {
	old := make(map[string]bool, len(published))
	for _, n := range published {
		old[n.Key()] = true
	}
	var changed int
	seen := make(map[string]bool, len(fresh))
	for _, n := range fresh {
		seen[n.Key()] = true
		if !old[n.Key()] {
			changed++
		}
	}
	for key := range old {
		if !seen[key] {
			changed++
		}
	}
	return float64(changed) / float64(len(old))
}

// computeChanges creates the record changes turning existing into records.
// Changes are ordered leaf-added -> root-changed -> leaf-deleted so that the
// published tree stays resolvable while the changes are applied.
func computeChanges(domain string, records map[string]string, existing map[string]txtRecord, ttl func(name string) int64, logger log.Logger) []txtChange {
	var changes []txtChange
	for name, val := range records {
		name = strings.ToLower(name)
		prev, exists := existing[name]
		switch {
		case !exists:
			logger.Debug("Creating DNS record", "name", name, "value", val)
			changes = append(changes, txtChange{action: actionCreate, name: name, value: val, ttl: ttl(name)})
		case prev.value != val || (prev.ttl != 0 && prev.ttl != ttl(name)):
			logger.Debug("Updating DNS record", "name", name, "old", prev.value, "value", val)
			changes = append(changes, txtChange{action: actionUpdate, name: name, value: val, ttl: ttl(name), old: prev})
		default:
			logger.Trace("Skipping unchanged DNS record", "name", name)
		}
	}
	lrecords := make(map[string]bool, len(records))
	for name := range records {
		lrecords[strings.ToLower(name)] = true
	}
	for name, rec := range existing {
		if lrecords[name] {
			continue
		}
		logger.Debug("Deleting DNS record", "name", name, "value", rec.value)
		changes = append(changes, txtChange{action: actionDelete, name: name, value: rec.value, ttl: rec.ttl, old: rec})
	}
	sortChanges(changes)
	return changes
}

func sortChanges(changes []txtChange) {
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].action == changes[j].action {
			return changes[i].name < changes[j].name
		}
		return changes[i].action < changes[j].action
	})
}

// isSubdomain returns true if name is a subdomain of domain.
func isSubdomain(name, domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	name = strings.TrimSuffix(name, ".")
	return strings.HasSuffix("."+name, "."+domain)
}

// splitTXT splits value into a list of quoted strings of at most 253 characters.
func splitTXT(value string) string {
	var result strings.Builder
	for len(value) > 0 {
		rlen := len(value)
		if rlen > 253 {
			rlen = 253
		}
		result.WriteString(strconv.Quote(value[:rlen]))
		value = value[rlen:]
	}
	return result.String()
}

// joinTXT reverses splitTXT. Values that are not quoted are returned as is.
func joinTXT(value string) string {
	var (
		result strings.Builder
		rest   = strings.TrimSpace(value)
	)
	for len(rest) > 0 {
		q, err := strconv.QuotedPrefix(rest)
		if err != nil {
			return value
		}
		s, err := strconv.Unquote(q)
		if err != nil {
			return value
		}
		result.WriteString(s)
		rest = strings.TrimSpace(rest[len(q):])
	}
	return result.String()
}
