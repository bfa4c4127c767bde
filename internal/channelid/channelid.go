// SPDX-License-Identifier: MIT

// Package channelid parses and canonicalizes Guardian channel
// identifiers of the form "type:name" (e.g. "video:lobby").
//
// Reference: spec §4.1. Canonicalization rules are adapted from
// lyrebirdaudio-go's device-name sanitizer (sanitize.go): lowercase,
// trim, and fail closed to a sentinel rather than panic on bad input.
package channelid

import (
	"fmt"
	"strings"
)

// Type is the channel's media kind.
type Type string

const (
	TypeVideo Type = "video"
	TypeAudio Type = "audio"
	TypeOther Type = "other"
)

func (t Type) valid() bool {
	switch t {
	case TypeVideo, TypeAudio, TypeOther:
		return true
	default:
		return false
	}
}

// ID is an immutable, canonical channel identifier.
type ID struct {
	typ  Type
	name string
}

// Empty is the sentinel zero value returned by Parse on blank input.
var Empty ID

// New constructs an ID directly from a type and name, lowercasing both.
// Returns Empty if name is blank or typ is not one of the known kinds.
func New(typ Type, name string) ID {
	name = strings.TrimSpace(name)
	if name == "" || !typ.valid() {
		return Empty
	}
	return ID{typ: Type(strings.ToLower(string(typ))), name: strings.ToLower(name)}
}

// Parse parses a raw identifier. Accepted forms:
//
//	"lobby"            -> {defaultType, "lobby"}
//	"Audio:Mic-1"      -> {audio, "mic-1"}
//	"video:Lobby Cam"  -> {video, "lobby cam"} (canonical lowercases the whole string)
//
// Blank input, or a defaultType that isn't one of video/audio/other,
// yields Empty — the caller-visible sentinel rejected by validators. A
// prefix that isn't a known type (or has nothing after the colon) is not
// split off: the whole trimmed string becomes the name under defaultType.
func Parse(raw string, defaultType Type) ID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Empty
	}

	typ := defaultType
	name := raw
	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		prefix := Type(strings.ToLower(raw[:idx]))
		rest := strings.TrimSpace(raw[idx+1:])
		if prefix.valid() && rest != "" {
			typ = prefix
			name = rest
		}
	}

	return New(typ, name)
}

// IsZero reports whether id is the Empty sentinel.
func (id ID) IsZero() bool {
	return id == Empty
}

// Type returns the channel's media kind.
func (id ID) Type() Type {
	return id.typ
}

// Name returns the channel's canonical (lowercase) name.
func (id ID) Name() string {
	return id.name
}

// Canonical returns the "type:name" lowercase string form.
func (id ID) Canonical() string {
	if id.IsZero() {
		return ""
	}
	return string(id.typ) + ":" + id.name
}

// String implements fmt.Stringer as the canonical form.
func (id ID) String() string {
	return id.Canonical()
}

// ParseCanonical is the round-trip inverse of Canonical: it requires the
// "type:name" shape be already present (no default-type inference).
func ParseCanonical(canonical string) (ID, error) {
	idx := strings.IndexByte(canonical, ':')
	if idx < 0 {
		return Empty, fmt.Errorf("channelid: %q is not in canonical type:name form", canonical)
	}
	typ := Type(strings.ToLower(canonical[:idx]))
	name := canonical[idx+1:]
	id := New(typ, name)
	if id.IsZero() {
		return Empty, fmt.Errorf("channelid: invalid canonical id %q", canonical)
	}
	return id, nil
}
