// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Identifier headers, in order of preference.
const (
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderRealIP         = "X-Real-IP"
	HeaderConnectionAddr = "Connection-Remote-Addr"
)

// AnonymousPrefix starts every fallback identifier.
const AnonymousPrefix = "anonymous-"

// Identifier sources, used as the metric label.
const (
	sourceForwardedFor = "x_forwarded_for"
	sourceRealIP       = "x_real_ip"
	sourceConnection   = "connection_remote_addr"
	sourceRemoteAddr   = "remote_addr"
	sourceAnonymous    = "anonymous"
)

// DeriveIdentifier picks the rate-limit key for a request.
//
// Description:
//
//	Tries the first comma-separated entry of X-Forwarded-For, then
//	X-Real-IP, then Connection-Remote-Addr. When trustRemoteAddr is set the
//	TCP peer host is tried next. Otherwise the caller gets a fresh
//	"anonymous-<uuid>", which means every such request is limited on its
//	own and the quota is effectively unenforced for it. Callers log the
//	anonymous source.
//
// Outputs:
//   - string: The identifier. Never empty.
//   - string: Which source produced it.
//
// Thread Safety: Safe for concurrent use.
func DeriveIdentifier(r *http.Request, trustRemoteAddr bool) (string, string) {
	if v := r.Header.Get(HeaderForwardedFor); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first, sourceForwardedFor
		}
	}
	if v := strings.TrimSpace(r.Header.Get(HeaderRealIP)); v != "" {
		return v, sourceRealIP
	}
	if v := strings.TrimSpace(r.Header.Get(HeaderConnectionAddr)); v != "" {
		return v, sourceConnection
	}
	if trustRemoteAddr && r.RemoteAddr != "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if host != "" {
			return host, sourceRemoteAddr
		}
	}

	return AnonymousPrefix + uuid.NewString(), sourceAnonymous
}
