// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present The sandtrace authors.

package event

import "encoding/json"

// NetPayload is the `net` sub-object of net_connect and net_send rows.
type NetPayload struct {
	Proto   string `json:"proto,omitempty"`
	SrcIP   string `json:"src_ip,omitempty"`
	SrcPort int    `json:"src_port,omitempty"`
	DstIP   string `json:"dst_ip,omitempty"`
	DstPort int    `json:"dst_port,omitempty"`
	Bytes   int64  `json:"bytes,omitempty"`
}

// DNSPayload is the `dns` sub-object of dns_query and dns_response rows.
type DNSPayload struct {
	QueryName  string   `json:"query_name,omitempty"`
	QueryNames []string `json:"query_names,omitempty"`
	Answers    []string `json:"answers,omitempty"`
}

// Names returns every query name carried by the payload.
func (d *DNSPayload) Names() []string {
	if d.QueryName == "" {
		return d.QueryNames
	}
	names := make([]string, 0, len(d.QueryNames)+1)
	names = append(names, d.QueryName)
	for _, n := range d.QueryNames {
		if n != d.QueryName {
			names = append(names, n)
		}
	}
	return names
}

// UnixPayload is the `unix` sub-object of unix_connect rows.
type UnixPayload struct {
	Path string `json:"path,omitempty"`
}

// DecodeNet parses a raw net sub-object, tolerating absence.
func DecodeNet(raw json.RawMessage) (NetPayload, bool) {
	var p NetPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return NetPayload{}, false
	}
	return p, true
}

// DecodeDNS parses a raw dns sub-object, tolerating absence.
func DecodeDNS(raw json.RawMessage) (DNSPayload, bool) {
	var p DNSPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return DNSPayload{}, false
	}
	return p, true
}

// DecodeUnix parses a raw unix sub-object, tolerating absence.
func DecodeUnix(raw json.RawMessage) (UnixPayload, bool) {
	var p UnixPayload
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return UnixPayload{}, false
	}
	return p, true
}
