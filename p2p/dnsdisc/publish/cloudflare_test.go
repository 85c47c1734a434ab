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
	"testing"

	"github.com/cloudflare/cloudflare-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCloudflare is an in-memory Cloudflare zone.
type fakeCloudflare struct {
	zone    cloudflare.Zone
	records map[string]cloudflare.DNSRecord // keyed by id
	nextID  int
	calls   int
}

func newFakeCloudflare(perms ...string) *fakeCloudflare {
	return &fakeCloudflare{
		zone:    cloudflare.Zone{ID: "zone1", Name: "example.org", Permissions: perms},
		records: make(map[string]cloudflare.DNSRecord),
	}
}

func (f *fakeCloudflare) ZoneIDByName(name string) (string, error) {
	if isSubdomain(name, f.zone.Name) {
		return f.zone.ID, nil
	}
	return "", errors.New("zone not found")
}

func (f *fakeCloudflare) ZoneDetails(ctx context.Context, zoneID string) (cloudflare.Zone, error) {
	if zoneID != f.zone.ID {
		return cloudflare.Zone{}, errors.New("zone not found")
	}
	return f.zone, nil
}

func (f *fakeCloudflare) DNSRecords(ctx context.Context, zoneID string, rr cloudflare.DNSRecord) ([]cloudflare.DNSRecord, error) {
	var out []cloudflare.DNSRecord
	for _, r := range f.records {
		if r.Type == rr.Type {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCloudflare) CreateDNSRecord(ctx context.Context, zoneID string, rr cloudflare.DNSRecord) (*cloudflare.DNSRecordResponse, error) {
	f.calls++
	f.nextID++
	rr.ID = fmt.Sprint(f.nextID)
	f.records[rr.ID] = rr
	return &cloudflare.DNSRecordResponse{Result: rr}, nil
}

func (f *fakeCloudflare) UpdateDNSRecord(ctx context.Context, zoneID, recordID string, rr cloudflare.DNSRecord) error {
	f.calls++
	if _, ok := f.records[recordID]; !ok {
		return errors.New("record not found")
	}
	rr.ID = recordID
	f.records[recordID] = rr
	return nil
}

func (f *fakeCloudflare) DeleteDNSRecord(ctx context.Context, zoneID, recordID string) error {
	f.calls++
	if _, ok := f.records[recordID]; !ok {
		return errors.New("record not found")
	}
	delete(f.records, recordID)
	return nil
}

func (f *fakeCloudflare) zoneRecords() map[string]string {
	out := make(map[string]string)
	for _, r := range f.records {
		out[r.Name] = r.Content
	}
	return out
}

func TestCloudflareDeploy(t *testing.T) {
	api := newFakeCloudflare("#zone:read", "#zone:edit")
	p := newCloudflare(api, CloudflareConfig{Domain: testDomain, ChangeThreshold: 0.1})
	require.NoError(t, p.TestConnect(context.Background()))

	tree1 := testTree(t, 0, 30)
	require.NoError(t, p.Deploy(context.Background(), testDomain, tree1))
	assert.Equal(t, lowerKeys(tree1.ToTXT(testDomain)), api.zoneRecords())

	tree2 := testTree(t, 15, 30)
	require.NoError(t, p.Deploy(context.Background(), testDomain, tree2))
	assert.Equal(t, lowerKeys(tree2.ToTXT(testDomain)), api.zoneRecords())

	calls := api.calls
	require.NoError(t, p.Deploy(context.Background(), testDomain, tree2))
	assert.Equal(t, calls, api.calls)
}

func TestCloudflarePermissions(t *testing.T) {
	p := newCloudflare(newFakeCloudflare("#zone:read"), CloudflareConfig{Domain: testDomain})
	assert.Error(t, p.TestConnect(context.Background()))

	p = newCloudflare(newFakeCloudflare("#zone:read", "#zone:edit"), CloudflareConfig{Domain: "n.other.org"})
	assert.Error(t, p.TestConnect(context.Background()))
}
