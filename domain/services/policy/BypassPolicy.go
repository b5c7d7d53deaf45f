/*
 *    Copyright 2023 iFood
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"

	"gatescan/domain/entities"
)

const fingerprintPrefixSize = 4 * 1024

// defaultTrustedHosts are well-known registries. Trust never means
// bypass: their traffic is scanned on the normal queue like everything
// else, and the list only feeds metrics and allow-list decisions.
var defaultTrustedHosts = []string{
	"get.docker.com",
	"registry-1.docker.io",
	"quay.io",
	"gcr.io",
	"ghcr.io",
	"registry.k8s.io",
	"pypi.org",
	"registry.npmjs.org",
	"github.com",
	"*.maven.org",
}

// BypassPolicy decides whether a transaction skips scanning entirely and
// which queue it lands on when it does not.
type BypassPolicy struct {
	trustedHosts []string
	bypassHosts  []string
}

func NewBypassPolicy(extraTrusted, bypassHosts []string) *BypassPolicy {
	trusted := make([]string, 0, len(defaultTrustedHosts)+len(extraTrusted))
	trusted = append(trusted, defaultTrustedHosts...)
	trusted = append(trusted, extraTrusted...)

	return &BypassPolicy{trustedHosts: trusted, bypassHosts: bypassHosts}
}

// ShouldBypass is an administrator escape hatch; the default install has
// no bypass hosts at all.
func (p *BypassPolicy) ShouldBypass(uri string) bool {
	return matchesAny(hostOf(uri), p.bypassHosts)
}

// Priority grants the priority lane only on an explicit header. Trusted
// registry traffic carries no special tier: with two queues, trusted and
// untrusted hosts both ride scan_normal, so host trust plays no part in
// scheduling (it exists for the bypass decision and metrics).
func (p *BypassPolicy) Priority(priorityHeader string) entities.Priority {
	if strings.EqualFold(priorityHeader, "high") {
		return entities.PriorityHigh
	}

	return entities.PriorityNormal
}

// IsTrusted reports whether the host is on the trusted registry list.
func (p *BypassPolicy) IsTrusted(uri string) bool {
	return matchesAny(hostOf(uri), p.trustedHosts)
}

// CacheableMethod restricts verdict caching to body-less safe methods, so
// a cached CLEAN can never mask a differing request payload.
func CacheableMethod(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS":
		return true
	default:
		return false
	}
}

// NormalizeURI lowercases scheme and host, strips default ports and
// fragments, and keeps path and query as-is.
func NormalizeURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(strings.TrimSpace(uri))
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	switch {
	case parsed.Scheme == "http" && strings.HasSuffix(parsed.Host, ":80"):
		parsed.Host = strings.TrimSuffix(parsed.Host, ":80")
	case parsed.Scheme == "https" && strings.HasSuffix(parsed.Host, ":443"):
		parsed.Host = strings.TrimSuffix(parsed.Host, ":443")
	}

	return parsed.String()
}

// Fingerprint keys the verdict cache on the normalized URI plus the first
// 4 KiB of the body, so a changed payload under a stable URI re-scans.
func Fingerprint(normalizedURI string, bodyPrefix []byte) string {
	if len(bodyPrefix) > fingerprintPrefixSize {
		bodyPrefix = bodyPrefix[:fingerprintPrefixSize]
	}

	digest := sha256.New()
	digest.Write([]byte(normalizedURI))
	digest.Write([]byte{0})
	digest.Write(bodyPrefix)

	return hex.EncodeToString(digest.Sum(nil))
}

func hostOf(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(uri)
	}

	return strings.ToLower(parsed.Hostname())
}

func matchesAny(host string, patterns []string) bool {
	for _, pattern := range patterns {
		pattern = strings.ToLower(pattern)

		if strings.HasPrefix(pattern, "*.") {
			if strings.HasSuffix(host, pattern[1:]) {
				return true
			}

			continue
		}

		if host == pattern {
			return true
		}
	}

	return false
}
