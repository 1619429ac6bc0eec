package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/danmuck/glasslink/internal/protocol"
)

const (
	KeyPreferredIdentity = "pairing.identity"
	KeyLeftName          = "pairing.left_name"
	KeyRightName         = "pairing.right_name"
	KeyBrightness        = "display.brightness"
	KeyAutoBrightness    = "display.auto_brightness"
	KeyHeadUpAngle       = "display.headup_angle"
	KeyMicrophone        = "audio.microphone"
)

// Preferences is the settings restored on every connect.
type Preferences struct {
	Identity       protocol.PairingIdentity `json:"identity,omitempty"`
	LeftName       string                   `json:"left_name,omitempty"`
	RightName      string                   `json:"right_name,omitempty"`
	Brightness     int                      `json:"brightness"`
	AutoBrightness bool                     `json:"auto_brightness"`
	HeadUpAngle    int                      `json:"headup_angle"`
	Microphone     bool                     `json:"microphone"`
}

func DefaultPreferences() Preferences {
	return Preferences{Brightness: 50, HeadUpAngle: 30}
}

// LoadPreferences reads every key, keeping defaults for missing ones.
func LoadPreferences(ctx context.Context, s Store) (Preferences, error) {
	p := DefaultPreferences()
	var err error
	str := func(key string, dst *string) {
		if err != nil {
			return
		}
		v, gerr := s.Get(ctx, key)
		switch {
		case errors.Is(gerr, ErrNotFound):
		case gerr != nil:
			err = gerr
		default:
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		var raw string
		str(key, &raw)
		if err != nil || raw == "" {
			return
		}
		n, perr := strconv.Atoi(raw)
		if perr != nil {
			err = fmt.Errorf("store: %s: %w", key, perr)
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		var raw string
		str(key, &raw)
		if err != nil || raw == "" {
			return
		}
		b, perr := strconv.ParseBool(raw)
		if perr != nil {
			err = fmt.Errorf("store: %s: %w", key, perr)
			return
		}
		*dst = b
	}

	var id string
	str(KeyPreferredIdentity, &id)
	p.Identity = protocol.PairingIdentity(id)
	str(KeyLeftName, &p.LeftName)
	str(KeyRightName, &p.RightName)
	num(KeyBrightness, &p.Brightness)
	flag(KeyAutoBrightness, &p.AutoBrightness)
	num(KeyHeadUpAngle, &p.HeadUpAngle)
	flag(KeyMicrophone, &p.Microphone)
	if err != nil {
		return DefaultPreferences(), err
	}
	return p, nil
}

// SavePairing records the unit and arm names a confirmed pair was built from.
func SavePairing(ctx context.Context, s Store, id protocol.PairingIdentity, leftName, rightName string) error {
	for _, kv := range [][2]string{
		{KeyPreferredIdentity, string(id)},
		{KeyLeftName, leftName},
		{KeyRightName, rightName},
	} {
		if kv[1] == "" {
			continue
		}
		if err := s.Set(ctx, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

func SaveInt(ctx context.Context, s Store, key string, v int) error {
	return s.Set(ctx, key, strconv.Itoa(v))
}

func SaveBool(ctx context.Context, s Store, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}
