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

package netutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

type fakeSource struct {
	ip     string
	err    error
	hang   bool
	exited *atomic.Int32
}

func (s *fakeSource) Family() Family { return IPv4 }
func (s *fakeSource) Name() string   { return "fake" }

func (s *fakeSource) Fetch(ctx context.Context) (string, error) {
	if s.exited != nil {
		defer s.exited.Add(1)
	}
	if s.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.ip, s.err
}

func TestResolveExternalRace(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var exited atomic.Int32
	p := &Prober{}
	sources := []Source{
		&fakeSource{hang: true, exited: &exited},
		&fakeSource{ip: "1.2.3.4", exited: &exited},
		&fakeSource{hang: true, exited: &exited},
	}

	done := make(chan string)
	go func() { done <- p.ResolveExternal(context.Background(), sources) }()
	select {
	case ip := <-done:
		assert.Equal(t, "1.2.3.4", ip)
	case <-time.After(5 * time.Second):
		t.Fatal("race did not return")
	}
	assert.Equal(t, int32(3), exited.Load(), "sources still running after return")
}

func TestResolveExternalAllFail(t *testing.T) {
	p := &Prober{}
	sources := []Source{
		&fakeSource{err: errors.New("refused")},
		&fakeSource{err: errors.New("timeout")},
	}
	assert.Equal(t, "", p.ResolveExternal(context.Background(), sources))
	assert.Equal(t, "", p.ResolveExternal(context.Background(), nil))
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v4":
			fmt.Fprint(w, " 203.0.114.7 \nsecond line\n")
		case "/garbage":
			fmt.Fprint(w, "<html>")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	ip, err := (&HTTPSource{URL: srv.URL + "/v4", Fam: IPv4}).Fetch(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "203.0.114.7", ip)

	_, err = (&HTTPSource{URL: srv.URL + "/v4", Fam: IPv6}).Fetch(ctx)
	assert.Error(t, err, "family mismatch must be rejected")
	_, err = (&HTTPSource{URL: srv.URL + "/garbage", Fam: IPv4}).Fetch(ctx)
	assert.Error(t, err)
	_, err = (&HTTPSource{URL: srv.URL + "/missing", Fam: IPv4}).Fetch(ctx)
	assert.Error(t, err)
}

func TestExternalIPv6Fallback(t *testing.T) {
	p := &Prober{
		IPv6: []Source{&fakeSource{err: errors.New("unreachable")}},
		InterfaceAddrs: func() ([]string, error) {
			return []string{"127.0.0.1", "::1", "fe80::1", "ff02::1", "2a01:4f8::5", "2a01:4f8::6"}, nil
		},
	}
	assert.Equal(t, "2a01:4f8::5", p.ExternalIPv6(context.Background()))

	p.InterfaceAddrs = func() ([]string, error) { return []string{"::1"}, nil }
	assert.Equal(t, "", p.ExternalIPv6(context.Background()))
}
