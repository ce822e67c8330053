// Package metrics maps RouterInfo results onto Prometheus metric families
// and renders them in the classic text exposition format.
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/i2plabs/i2pcontrol-exporter/internal/i2pcontrol"
)

// ErrMapping marks a RouterInfo result whose fields do not have the
// documented shapes. Callers treat it like any other upstream failure.
var ErrMapping = errors.New("malformed RouterInfo result")

// Snapshot is one validated view of the router's state. Nil fields were
// absent from the RouterInfo result and are left out of the exposition.
type Snapshot struct {
	Status        *int64
	Version       *string
	UptimeSeconds *float64

	BWInbound1s   *float64
	BWInbound15s  *float64
	BWOutbound1s  *float64
	BWOutbound15s *float64
	BWTransit15s  *float64

	NetStatusV4  *int64
	NetStatusV6  *int64
	NetErrorV4   *int64
	NetErrorV6   *int64
	NetTestingV4 *bool
	NetTestingV6 *bool

	TunnelsParticipating    *int64
	TunnelsInbound          *int64
	TunnelsOutbound         *int64
	TunnelsQueue            *int64
	TunnelsTBMQueue         *int64
	TunnelSuccessRatio      *float64
	TunnelTotalSuccessRatio *float64

	NetDBActivePeers *int64
	NetDBKnownPeers  *int64
	NetDBFloodfills  *int64
	NetDBLeaseSets   *int64

	BytesInbound  *float64
	BytesOutbound *float64
	BytesTransit  *float64
}

// BuildSnapshot validates a raw RouterInfo result field by field. Any field
// with an unexpected shape fails the whole snapshot with ErrMapping; absent
// fields are simply omitted.
func BuildSnapshot(result map[string]json.RawMessage) (*Snapshot, error) {
	var (
		s   Snapshot
		err error
	)

	// i2pd sends status, uptime and the testing flags as either numbers or
	// numeric strings depending on version.
	if s.Status, err = flexIntField(result, i2pcontrol.KeyStatus); err != nil {
		return nil, err
	}
	if s.Version, err = stringField(result, i2pcontrol.KeyVersion); err != nil {
		return nil, err
	}
	uptimeMillis, err := flexIntField(result, i2pcontrol.KeyUptime)
	if err != nil {
		return nil, err
	}
	if uptimeMillis != nil {
		seconds := float64(*uptimeMillis) / 1000
		s.UptimeSeconds = &seconds
	}

	if s.BWInbound1s, err = floatField(result, i2pcontrol.KeyBWInbound1s); err != nil {
		return nil, err
	}
	if s.BWInbound15s, err = floatField(result, i2pcontrol.KeyBWInbound15s); err != nil {
		return nil, err
	}
	if s.BWOutbound1s, err = floatField(result, i2pcontrol.KeyBWOutbound1s); err != nil {
		return nil, err
	}
	if s.BWOutbound15s, err = floatField(result, i2pcontrol.KeyBWOutbound15s); err != nil {
		return nil, err
	}
	if s.BWTransit15s, err = floatField(result, i2pcontrol.KeyBWTransit15s); err != nil {
		return nil, err
	}

	if s.NetStatusV4, err = intField(result, i2pcontrol.KeyNetStatus); err != nil {
		return nil, err
	}
	if s.NetStatusV6, err = intField(result, i2pcontrol.KeyNetStatusV6); err != nil {
		return nil, err
	}
	if s.NetErrorV4, err = intField(result, i2pcontrol.KeyNetError); err != nil {
		return nil, err
	}
	if s.NetErrorV6, err = intField(result, i2pcontrol.KeyNetErrorV6); err != nil {
		return nil, err
	}
	if s.NetTestingV4, err = boolFlagField(result, i2pcontrol.KeyNetTesting); err != nil {
		return nil, err
	}
	if s.NetTestingV6, err = boolFlagField(result, i2pcontrol.KeyNetTestingV6); err != nil {
		return nil, err
	}

	if s.TunnelsParticipating, err = intField(result, i2pcontrol.KeyTunnelsParticipating); err != nil {
		return nil, err
	}
	if s.TunnelsInbound, err = intField(result, i2pcontrol.KeyTunnelsInbound); err != nil {
		return nil, err
	}
	if s.TunnelsOutbound, err = intField(result, i2pcontrol.KeyTunnelsOutbound); err != nil {
		return nil, err
	}
	if s.TunnelsQueue, err = intField(result, i2pcontrol.KeyTunnelsQueue); err != nil {
		return nil, err
	}
	if s.TunnelsTBMQueue, err = intField(result, i2pcontrol.KeyTunnelsTBMQueue); err != nil {
		return nil, err
	}
	if s.TunnelSuccessRatio, err = ratioField(result, i2pcontrol.KeyTunnelsSuccessRate); err != nil {
		return nil, err
	}
	if s.TunnelTotalSuccessRatio, err = ratioField(result, i2pcontrol.KeyTunnelsTotalSuccessRate); err != nil {
		return nil, err
	}

	if s.NetDBActivePeers, err = intField(result, i2pcontrol.KeyNetDBActivePeers); err != nil {
		return nil, err
	}
	if s.NetDBKnownPeers, err = intField(result, i2pcontrol.KeyNetDBKnownPeers); err != nil {
		return nil, err
	}
	if s.NetDBFloodfills, err = intField(result, i2pcontrol.KeyNetDBFloodfills); err != nil {
		return nil, err
	}
	if s.NetDBLeaseSets, err = intField(result, i2pcontrol.KeyNetDBLeaseSets); err != nil {
		return nil, err
	}

	if s.BytesInbound, err = floatField(result, i2pcontrol.KeyTotalReceivedBytes); err != nil {
		return nil, err
	}
	if s.BytesOutbound, err = floatField(result, i2pcontrol.KeyTotalSentBytes); err != nil {
		return nil, err
	}
	if s.BytesTransit, err = floatField(result, i2pcontrol.KeyTransitSentBytes); err != nil {
		return nil, err
	}

	return &s, nil
}

func stringField(m map[string]json.RawMessage, key string) (*string, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMapping, key, err)
	}
	return &s, nil
}

// floatField decodes a JSON number. Every float-valued RouterInfo field is
// a rate or a byte total, so negatives are rejected.
func floatField(m map[string]json.RawMessage, key string) (*float64, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMapping, key, err)
	}
	if f < 0 {
		return nil, fmt.Errorf("%w: %s: negative value %v", ErrMapping, key, f)
	}
	return &f, nil
}

// intField decodes a JSON integer. Every integer-valued RouterInfo field is
// a count or an enumerated code, so negatives are rejected.
func intField(m map[string]json.RawMessage, key string) (*int64, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMapping, key, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %s: negative value %d", ErrMapping, key, n)
	}
	return &n, nil
}

// flexIntField additionally accepts integers wrapped in strings.
func flexIntField(m map[string]json.RawMessage, key string) (*int64, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n < 0 {
			return nil, fmt.Errorf("%w: %s: negative value %d", ErrMapping, key, n)
		}
		return &n, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return nil, fmt.Errorf("%w: %s: expected number or numeric string", ErrMapping, key)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMapping, key, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %s: negative value %d", ErrMapping, key, n)
	}
	return &n, nil
}

// boolFlagField reads a 0/1 flag, tolerating the string forms i2pd uses.
func boolFlagField(m map[string]json.RawMessage, key string) (*bool, error) {
	n, err := flexIntField(m, key)
	if err != nil || n == nil {
		return nil, err
	}
	b := *n != 0
	return &b, nil
}

// ratioField converts a percentage field to a ratio and requires the result
// to land in [0, 1]. A router reporting 120% success is broken upstream
// data, not something to clamp quietly.
func ratioField(m map[string]json.RawMessage, key string) (*float64, error) {
	raw, ok := m[key]
	if !ok {
		return nil, nil
	}
	var percent float64
	if err := json.Unmarshal(raw, &percent); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMapping, key, err)
	}
	ratio := percent / 100
	if ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("%w: %s: ratio %v outside [0, 1]", ErrMapping, key, ratio)
	}
	return &ratio, nil
}
