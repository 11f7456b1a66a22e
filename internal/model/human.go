// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"fmt"
	"net/url"
	"os"
)

// URL is an absolute url. ${VAR} references are expanded when it is read
// from a config file, so credentials can stay in the environment.
type URL struct {
	*url.URL
}

func (u URL) IsZero() bool {
	return u.URL == nil
}

func (u URL) String() string {
	if u.URL == nil {
		return ""
	}
	return u.URL.String()
}

// Redacted is String with the password replaced by "xxxxx".
func (u URL) Redacted() string {
	if u.URL == nil {
		return ""
	}
	return u.URL.Redacted()
}

func (u *URL) UnmarshalText(text []byte) error {
	if u == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(text) == 0 {
		u.URL = nil
		return nil
	}
	parsed, err := url.Parse(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("url %q: scheme and host are required", parsed.Redacted())
	}
	u.URL = parsed
	return nil
}

func (u URL) MarshalText() ([]byte, error) {
	if u.URL == nil {
		return []byte{}, nil
	}
	return []byte(u.URL.String()), nil
}
