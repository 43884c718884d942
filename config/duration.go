package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Defaults mirrored here so the config file shows concrete values.
const (
	DefaultPairingTimeout  = 10 * time.Second
	DefaultChunkSize       = 48 * 1024
	DefaultChunksPerSecond = 1000
)

// Duration is a time.Duration written as a string such as "10s".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", text, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var nanos int64
	if err := json.Unmarshal(raw, &nanos); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", raw)
	}
	*d = Duration(nanos)
	return nil
}
