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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/nodemesh/nodemesh/log"
	"github.com/nodemesh/nodemesh/p2p/dnsdisc"
)

const (
	// Route53 limits change sets to 32k of 'RDATA size'. Change sets are also limited to
	// 1000 items. UPSERTs count double.
	// https://docs.aws.amazon.com/Route53/latest/DeveloperGuide/DNSLimitations.html#limits-api-requests-changeresourcerecordsets
	route53ChangeSizeLimit  = 32000
	route53ChangeCountLimit = 1000
	maxRetryLimit           = 60
)

// route53API is the subset of the Route53 client used by the provider.
type route53API interface {
	GetHostedZone(ctx context.Context, in *route53.GetHostedZoneInput, opts ...func(*route53.Options)) (*route53.GetHostedZoneOutput, error)
	ListHostedZonesByName(ctx context.Context, in *route53.ListHostedZonesByNameInput, opts ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	ListResourceRecordSets(ctx context.Context, in *route53.ListResourceRecordSetsInput, opts ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, opts ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	GetChange(ctx context.Context, in *route53.GetChangeInput, opts ...func(*route53.Options)) (*route53.GetChangeOutput, error)
}

// Route53Config configures the Route53 provider.
type Route53Config struct {
	AccessKeyID     string
	AccessKeySecret string
	Region          string
	ZoneID          string // looked up from the domain when empty
	ChangeThreshold float64
	WaitTimeout     time.Duration // maximum wait for a change to become INSYNC (default 5min)
	Logger          log.Logger
}

// Route53Provider publishes trees to Amazon Route53.
type Route53Provider struct {
	api       route53API
	zoneID    string
	threshold float64
	wait      time.Duration
	log       log.Logger
}

// NewRoute53 creates a Route53 provider with static credentials.
func NewRoute53(ctx context.Context, cfg Route53Config) (*Route53Provider, error) {
	if cfg.AccessKeyID == "" || cfg.AccessKeySecret == "" {
		return nil, errRoute53Creds
	}
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.AccessKeySecret, "")
	awscfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(creds),
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(maxRetryLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("can't initialize AWS configuration: %v", err)
	}
	return newRoute53(route53.NewFromConfig(awscfg), cfg), nil
}

func newRoute53(api route53API, cfg Route53Config) *Route53Provider {
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root()
	}
	return &Route53Provider{
		api:       api,
		zoneID:    cfg.ZoneID,
		threshold: cfg.ChangeThreshold,
		wait:      cfg.WaitTimeout,
		log:       cfg.Logger.New("dns", "route53"),
	}
}

// TestConnect implements Provider.
func (c *Route53Provider) TestConnect(ctx context.Context) error {
	if c.zoneID != "" {
		_, err := c.api.GetHostedZone(ctx, &route53.GetHostedZoneInput{Id: aws.String(c.zoneID)})
		return err
	}
	_, err := c.api.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{MaxItems: aws.Int32(1)})
	return err
}

// Deploy implements Provider.
func (c *Route53Provider) Deploy(ctx context.Context, name string, t *dnsdisc.Tree) error {
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
	changes := computeChanges(name, t.ToTXT(name), existing, route53TTL(name), c.log)
	if len(changes) == 0 {
		c.log.Info("No DNS changes needed")
		return nil
	}

	batches := splitChanges(newRoute53Changes(changes), route53ChangeSizeLimit, route53ChangeCountLimit)
	changesCounter.WithLabelValues(string(Route53)).Add(float64(len(changes)))
	for i, batch := range batches {
		c.log.Info("Submitting DNS changes", "count", len(batch), "batch", i+1, "of", len(batches))
		req := &route53.ChangeResourceRecordSetsInput{
			HostedZoneId: aws.String(c.zoneID),
			ChangeBatch: &types.ChangeBatch{
				Changes: batch,
				Comment: aws.String(fmt.Sprintf("tree update %d/%d of %s at seq %d", i+1, len(batches), name, t.Seq())),
			},
		}
		resp, err := c.api.ChangeResourceRecordSets(ctx, req)
		if err != nil {
			return err
		}
		c.log.Info("Waiting for change request", "id", *resp.ChangeInfo.Id)
		w := route53.NewResourceRecordSetsChangedWaiter(c.api, func(o *route53.ResourceRecordSetsChangedWaiterOptions) {
			o.MaxDelay = 30 * time.Second
			o.MinDelay = 10 * time.Second
		})
		if err := w.Wait(ctx, &route53.GetChangeInput{Id: resp.ChangeInfo.Id}, c.wait); err != nil {
			return err
		}
	}
	return nil
}

// checkZone resolves the zone id of the given domain if it isn't configured.
func (c *Route53Provider) checkZone(ctx context.Context, name string) (err error) {
	if c.zoneID == "" {
		c.zoneID, err = c.findZoneID(ctx, name)
	}
	return err
}

// findZoneID searches for the zone id containing the given domain.
func (c *Route53Provider) findZoneID(ctx context.Context, name string) (string, error) {
	c.log.Info("Finding Route53 zone ID", "name", name)
	var req route53.ListHostedZonesByNameInput
	for {
		resp, err := c.api.ListHostedZonesByName(ctx, &req)
		if err != nil {
			return "", err
		}
		for _, zone := range resp.HostedZones {
			if isSubdomain(name, *zone.Name) {
				return *zone.Id, nil
			}
		}
		if !resp.IsTruncated {
			break
		}
		req.DNSName = resp.NextDNSName
		req.HostedZoneId = resp.NextHostedZoneId
	}
	return "", errors.New("can't find zone ID for " + name)
}

// collectRecords collects all TXT records below the given name.
func (c *Route53Provider) collectRecords(ctx context.Context, name string) (map[string]txtRecord, error) {
	req := route53.ListResourceRecordSetsInput{HostedZoneId: aws.String(c.zoneID)}
	existing := make(map[string]txtRecord)
	for page := 0; ; page++ {
		c.log.Debug("Loading existing TXT records", "name", name, "zone", c.zoneID, "page", page)
		resp, err := c.api.ListResourceRecordSets(ctx, &req)
		if err != nil {
			return existing, err
		}
		for _, set := range resp.ResourceRecordSets {
			if !isSubdomain(*set.Name, name) || set.Type != types.RRTypeTxt {
				continue
			}
			rec := txtRecord{ttl: aws.ToInt64(set.TTL)}
			var joined strings.Builder
			for _, rr := range set.ResourceRecords {
				rec.raw = append(rec.raw, *rr.Value)
				joined.WriteString(joinTXT(*rr.Value))
			}
			rec.value = joined.String()
			existing[strings.ToLower(strings.TrimSuffix(*set.Name, "."))] = rec
		}
		if !resp.IsTruncated {
			break
		}
		req.StartRecordIdentifier = resp.NextRecordIdentifier
		req.StartRecordName = resp.NextRecordName
		req.StartRecordType = resp.NextRecordType
	}
	return existing, nil
}

func route53TTL(domain string) func(string) int64 {
	return func(name string) int64 {
		if name == domain {
			return rootTTL
		}
		return treeNodeTTL
	}
}

// newRoute53Changes converts record changes to Route53 changes. Deletions must
// repeat the record exactly as it is stored.
func newRoute53Changes(changes []txtChange) []types.Change {
	out := make([]types.Change, len(changes))
	for i, ch := range changes {
		switch ch.action {
		case actionCreate:
			out[i] = newTXTChange(types.ChangeActionCreate, ch.name, ch.ttl, splitTXT(ch.value))
		case actionUpdate:
			out[i] = newTXTChange(types.ChangeActionUpsert, ch.name, ch.ttl, splitTXT(ch.value))
		case actionDelete:
			out[i] = newTXTChange(types.ChangeActionDelete, ch.name, ch.old.ttl, ch.old.raw...)
		}
	}
	return out
}

// splitChanges splits up DNS changes such that each change batch
// is smaller than the given RDATA limit.
func splitChanges(changes []types.Change, sizeLimit, countLimit int) [][]types.Change {
	var (
		batches    [][]types.Change
		batchSize  int
		batchCount int
	)
	for _, ch := range changes {
		// Start new batch if this change pushes the current one over the limit.
		count := changeCount(ch)
		size := changeSize(ch) * count
		overSize := batchSize+size > sizeLimit
		overCount := batchCount+count > countLimit
		if len(batches) == 0 || overSize || overCount {
			batches = append(batches, nil)
			batchSize = 0
			batchCount = 0
		}
		batches[len(batches)-1] = append(batches[len(batches)-1], ch)
		batchSize += size
		batchCount += count
	}
	return batches
}

// changeSize returns the RDATA size of a DNS change.
func changeSize(ch types.Change) int {
	size := 0
	for _, rr := range ch.ResourceRecordSet.ResourceRecords {
		if rr.Value != nil {
			size += len(*rr.Value)
		}
	}
	return size
}

func changeCount(ch types.Change) int {
	if ch.Action == types.ChangeActionUpsert {
		return 2
	}
	return 1
}

// newTXTChange creates a change to a TXT record.
func newTXTChange(action types.ChangeAction, name string, ttl int64, values ...string) types.Change {
	r := types.ResourceRecordSet{
		Type: types.RRTypeTxt,
		Name: aws.String(name),
		TTL:  aws.Int64(ttl),
	}
	for _, val := range values {
		r.ResourceRecords = append(r.ResourceRecords, types.ResourceRecord{Value: aws.String(val)})
	}
	return types.Change{Action: action, ResourceRecordSet: &r}
}
