// File: launcher/params.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Typed connection parameters parsed from the free-form key/value list of
// an endpoint record.

package launcher

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/momentics/hioload-ports/api"
	"github.com/momentics/hioload-ports/port"
)

// ParamKind is the closed set of parameters a side may request.
type ParamKind int

const (
	ParamBufferCount ParamKind = iota
	ParamBufferSize
	ParamTransport
	ParamDistribution
	ParamRoles
	ParamHashField
)

func (k ParamKind) String() string {
	switch k {
	case ParamBufferCount:
		return "buffer_count"
	case ParamBufferSize:
		return "buffer_size"
	case ParamTransport:
		return "transport"
	case ParamDistribution:
		return "distribution"
	case ParamRoles:
		return "roles"
	case ParamHashField:
		return "hash_field"
	default:
		return "unknown"
	}
}

// Param is one parsed parameter. Only the payload field matching Kind is set.
type Param struct {
	Kind         ParamKind
	Size         int
	Transports   []api.TransportID
	Distribution api.Distribution
	Roles        api.RoleSet
	Field        string
}

// paramKey folds spelling variants: "bufferCount", "buffer-count" and
// "buffer_count" name the same parameter.
func paramKey(k string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(k)))
}

var paramKinds = map[string]ParamKind{
	"buffercount":  ParamBufferCount,
	"count":        ParamBufferCount,
	"buffersize":   ParamBufferSize,
	"size":         ParamBufferSize,
	"transport":    ParamTransport,
	"transports":   ParamTransport,
	"distribution": ParamDistribution,
	"roles":        ParamRoles,
	"role":         ParamRoles,
	"hashfield":    ParamHashField,
}

func badParam(key, value, why string) *api.Error {
	return api.NewError(api.ErrCodeInvalidArgument, why).WithContext("param", key).WithContext("value", value)
}

func list(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseParams types a key/value list. Keys are taken in sorted order so the
// result is stable; unknown keys and malformed values are rejected.
func ParseParams(kv map[string]string) ([]Param, error) {
	out := make([]Param, 0, len(kv))
	for _, key := range slices.Sorted(maps.Keys(kv)) {
		value := kv[key]
		kind, ok := paramKinds[paramKey(key)]
		if !ok {
			return nil, badParam(key, value, "unknown parameter")
		}
		p := Param{Kind: kind}
		switch kind {
		case ParamBufferCount, ParamBufferSize:
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 1 {
				return nil, badParam(key, value, "parameter needs a positive integer")
			}
			p.Size = n
		case ParamTransport:
			for _, name := range list(value) {
				id, ok := api.ParseTransport(name)
				if !ok {
					return nil, badParam(key, value, "unknown transport")
				}
				p.Transports = append(p.Transports, id)
			}
			if len(p.Transports) == 0 {
				return nil, badParam(key, value, "empty transport list")
			}
		case ParamDistribution:
			d, ok := api.ParseDistribution(strings.TrimSpace(value))
			if !ok {
				return nil, badParam(key, value, "unknown distribution")
			}
			p.Distribution = d
		case ParamRoles:
			for _, name := range list(value) {
				r, ok := api.ParseFlowRole(name)
				if !ok {
					return nil, badParam(key, value, "unknown flow role")
				}
				p.Roles |= api.RolesOf(r)
			}
			if p.Roles == 0 {
				return nil, badParam(key, value, "empty role list")
			}
		case ParamHashField:
			if p.Field = strings.TrimSpace(value); p.Field == "" {
				return nil, badParam(key, value, "empty hash field")
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Apply writes typed parameters over base.
func Apply(base port.Params, params []Param) port.Params {
	for _, p := range params {
		switch p.Kind {
		case ParamBufferCount:
			base.BufferCount = p.Size
		case ParamBufferSize:
			base.BufferSize = p.Size
		case ParamTransport:
			base.Transports = slices.Clone(p.Transports)
		case ParamDistribution:
			base.Distribution = p.Distribution
		case ParamRoles:
			base.Roles = p.Roles
		case ParamHashField:
			base.HashField = p.Field
		}
	}
	return base
}

// EndpointParams parses and applies an endpoint's list, URL included.
func EndpointParams(base port.Params, e Endpoint) (port.Params, error) {
	params, err := ParseParams(e.Params)
	if err != nil {
		return port.Params{}, api.Wrap(err, api.ErrCodeInvalidArgument, "bad endpoint parameters").WithContext("endpoint", e.String())
	}
	out := Apply(base, params)
	if e.URL != "" {
		out.URL = e.URL
	}
	return out, nil
}
