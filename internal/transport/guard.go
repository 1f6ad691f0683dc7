// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// DefaultBlockedRanges are refused for caller-supplied URLs unless the
// policy sets AllowPrivate.
var DefaultBlockedRanges = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16", // link-local, including cloud metadata
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// HostPolicy decides which hosts the generic HTTP connector may reach.
// Descriptor base URLs are operator configuration and are not checked.
//
// Blocked entries win over Allowed ones. Both accept exact hosts, globs
// ("*.example.com") and CIDR ranges. When Allowed is non-empty the host must
// match it. Every resolved address is checked against the blocked ranges.
type HostPolicy struct {
	Allowed []string
	Blocked []string

	// AllowPrivate drops DefaultBlockedRanges. Tests and local development
	// against loopback servers need it.
	AllowPrivate bool

	Resolver Resolver
}

// Check returns a ValidationError when u may not be called.
func (p *HostPolicy) Check(ctx context.Context, u *url.URL) error {
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &sberrors.ValidationError{Field: "url", Message: "URL has no host"}
	}

	blocked := p.Blocked
	if !p.AllowPrivate {
		blocked = append(append([]string(nil), DefaultBlockedRanges...), p.Blocked...)
		if host == "localhost" || strings.HasSuffix(host, ".localhost") || host == "metadata.google.internal" {
			return denied(host, "host is blocked")
		}
	}

	for _, pattern := range blocked {
		if matchesHost(host, pattern) {
			return denied(host, "host is blocked")
		}
	}
	if len(p.Allowed) > 0 {
		allowed := false
		for _, pattern := range p.Allowed {
			if matchesHost(host, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return denied(host, "host is not in the allowed list")
		}
	}

	addrs, err := p.resolve(ctx, host)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		for _, pattern := range blocked {
			if prefix, err := netip.ParsePrefix(pattern); err == nil && prefix.Contains(addr) {
				return denied(host, fmt.Sprintf("resolves to blocked address %s", addr))
			}
		}
	}
	return nil
}

func (p *HostPolicy) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	r := p.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	ips, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &sberrors.ValidationError{Field: "url", Message: fmt.Sprintf("cannot resolve %s: %v", host, err)}
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip.IP); ok {
			out = append(out, addr.Unmap())
		}
	}
	return out, nil
}

// matchesHost matches exact names, globs and CIDR ranges. Hostnames never
// match a CIDR; resolved addresses are checked separately.
func matchesHost(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	if strings.Contains(pattern, "/") {
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			return false
		}
		addr, err := netip.ParseAddr(host)
		return err == nil && prefix.Contains(addr.Unmap())
	}
	if strings.Contains(pattern, "*") {
		// doublestar treats "." as an ordinary character, so "**" spans labels.
		ok, err := doublestar.Match(strings.ReplaceAll(pattern, "*", "**"), host)
		return err == nil && ok
	}
	return host == pattern
}

func denied(host, reason string) error {
	return &sberrors.ValidationError{Field: "url", Message: fmt.Sprintf("%s: %s", host, reason)}
}
