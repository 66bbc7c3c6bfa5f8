// Package security implements the per-invocation taint gate: service trust
// records, sticky taint tracking, bash-command policy, and the admin
// clean-room validator. Gates are created per container invocation and
// destroyed on exit; taints only ever transition false→true.
package security

import (
	"encoding/json"
	"fmt"
)

// TrustLevel is a tri-state policy value: "false", "true", or "forbidden".
// The empty string means "unset" and is only meaningful inside config
// overlays, where it leaves the lower layer's value in place.
type TrustLevel string

const (
	TrustUnset     TrustLevel = ""
	TrustFalse     TrustLevel = "false"
	TrustTrue      TrustLevel = "true"
	TrustForbidden TrustLevel = "forbidden"
)

// Bool reports whether the level is "true". Forbidden is not true.
func (t TrustLevel) Bool() bool { return t == TrustTrue }

// Forbidden reports whether the level is "forbidden".
func (t TrustLevel) Forbidden() bool { return t == TrustForbidden }

func parseTrustLevel(v any) (TrustLevel, error) {
	switch val := v.(type) {
	case bool:
		if val {
			return TrustTrue, nil
		}
		return TrustFalse, nil
	case string:
		switch val {
		case "true":
			return TrustTrue, nil
		case "false":
			return TrustFalse, nil
		case "forbidden":
			return TrustForbidden, nil
		}
		return TrustUnset, fmt.Errorf("invalid trust level %q", val)
	default:
		return TrustUnset, fmt.Errorf("invalid trust level type %T", v)
	}
}

// UnmarshalTOML accepts both booleans and the string "forbidden".
func (t *TrustLevel) UnmarshalTOML(v any) error {
	lvl, err := parseTrustLevel(v)
	if err != nil {
		return err
	}
	*t = lvl
	return nil
}

// UnmarshalJSON accepts true/false/"forbidden", for trust records embedded
// in per-workspace container_config JSON.
func (t *TrustLevel) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	lvl, err := parseTrustLevel(v)
	if err != nil {
		return err
	}
	*t = lvl
	return nil
}

// MarshalJSON renders booleans for true/false and a string for forbidden.
func (t TrustLevel) MarshalJSON() ([]byte, error) {
	switch t {
	case TrustTrue:
		return []byte("true"), nil
	case TrustForbidden:
		return []byte(`"forbidden"`), nil
	default:
		return []byte("false"), nil
	}
}

// TrustRecord describes how far a single service is trusted within one
// workspace. Unset fields inherit from lower config layers; a fully unset
// record resolves to DefaultTrustRecord.
type TrustRecord struct {
	PublicSource    TrustLevel `toml:"public_source" json:"public_source"`
	SecretData      TrustLevel `toml:"secret_data" json:"secret_data"`
	PublicSink      TrustLevel `toml:"public_sink" json:"public_sink"`
	DangerousWrites TrustLevel `toml:"dangerous_writes" json:"dangerous_writes"`
}

// DefaultTrustRecord is the maximally cautious record applied to services
// with no declared trust: assumed to read the public internet and to be
// capable of dangerous writes.
func DefaultTrustRecord() TrustRecord {
	return TrustRecord{
		PublicSource:    TrustTrue,
		SecretData:      TrustFalse,
		PublicSink:      TrustFalse,
		DangerousWrites: TrustTrue,
	}
}

// withDefaults fills unset fields from the default record.
func (r TrustRecord) withDefaults() TrustRecord {
	def := DefaultTrustRecord()
	if r.PublicSource == TrustUnset {
		r.PublicSource = def.PublicSource
	}
	if r.SecretData == TrustUnset {
		r.SecretData = def.SecretData
	}
	if r.PublicSink == TrustUnset {
		r.PublicSink = def.PublicSink
	}
	if r.DangerousWrites == TrustUnset {
		r.DangerousWrites = def.DangerousWrites
	}
	return r
}

// Overlay returns r with every set field of o applied on top.
func (r TrustRecord) Overlay(o TrustRecord) TrustRecord {
	if o.PublicSource != TrustUnset {
		r.PublicSource = o.PublicSource
	}
	if o.SecretData != TrustUnset {
		r.SecretData = o.SecretData
	}
	if o.PublicSink != TrustUnset {
		r.PublicSink = o.PublicSink
	}
	if o.DangerousWrites != TrustUnset {
		r.DangerousWrites = o.DangerousWrites
	}
	return r
}

// WorkspaceSecurity is the resolved security policy for one workspace:
// the service trust table plus workspace-wide flags. Produced by the
// config cascade, consumed by gates.
type WorkspaceSecurity struct {
	ContainsSecrets bool
	AllowedSenders  []string
	Services        map[string]TrustRecord
}

// TrustFor returns the effective trust record for a service, falling back
// to the cautious default for unknown services. Partial records are
// completed from the default as well.
func (ws *WorkspaceSecurity) TrustFor(service string) TrustRecord {
	if ws == nil || ws.Services == nil {
		return DefaultTrustRecord()
	}
	rec, ok := ws.Services[service]
	if !ok {
		return DefaultTrustRecord()
	}
	return rec.withDefaults()
}

// Clone deep-copies the policy so per-invocation gates cannot mutate the
// shared resolved config.
func (ws *WorkspaceSecurity) Clone() *WorkspaceSecurity {
	if ws == nil {
		return &WorkspaceSecurity{}
	}
	cp := &WorkspaceSecurity{
		ContainsSecrets: ws.ContainsSecrets,
		AllowedSenders:  append([]string(nil), ws.AllowedSenders...),
		Services:        make(map[string]TrustRecord, len(ws.Services)),
	}
	for name, rec := range ws.Services {
		cp.Services[name] = rec
	}
	return cp
}
