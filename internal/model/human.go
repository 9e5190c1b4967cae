// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// Duration is a time.Duration written as "1.5s" or "300ms" in config files.
type Duration time.Duration

func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(text) == 0 {
		return errors.New("can't be empty")
	}
	parsed, err := time.ParseDuration(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON accepts both "5s" and a plain number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
