package config

import (
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Property keys understood by the Configure operation.
const (
	KeyDBDSN         = "db.dsn"
	KeyDBServer      = "db.server"
	KeyDBPort        = "db.port"
	KeyDBName        = "db.name"
	KeyDBLogin       = "db.login"
	KeyDBPassword    = "db.password"
	KeyMailAPIKey    = "mail.api_key"
	KeyMailFrom      = "mail.from"
	KeyMailFromName  = "mail.from_name"
	KeyRetentionDays = "result.retention"
	KeyTimezone      = "timezone"
)

// DefaultRetentionDays applies when no retention is configured.
const DefaultRetentionDays = 3650

// Snapshot is an immutable view of the runtime settings.
type Snapshot struct {
	DSN           string
	MailAPIKey    string
	MailFrom      string
	MailFromName  string
	RetentionDays int
	Location      *time.Location
	Properties    map[string]string
}

// Settings holds the properties pushed by the core server. Apply is the
// only writer; readers take a Snapshot.
type Settings struct {
	mu        sync.RWMutex
	props     map[string]string
	snap      Snapshot
	listeners []func(old, cur Snapshot)
}

// NewSettings creates Settings seeded with initial properties.
func NewSettings(initial map[string]string) *Settings {
	s := &Settings{props: map[string]string{}}
	for k, v := range initial {
		s.props[k] = v
	}
	s.snap = derive(s.props)
	return s
}

// OnChange registers fn to run after every Apply with the previous and the
// new snapshot. Listeners run on the applying goroutine, in order.
func (s *Settings) OnChange(fn func(old, cur Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Apply merges props into the current settings. An empty value removes the key.
func (s *Settings) Apply(props map[string]string) Snapshot {
	s.mu.Lock()
	old := s.snap
	for k, v := range props {
		if v == "" {
			delete(s.props, k)
			continue
		}
		s.props[k] = v
	}
	s.snap = derive(s.props)
	cur := s.snap
	listeners := append([]func(old, cur Snapshot){}, s.listeners...)
	s.mu.Unlock()

	slog.Info("runtime settings applied", "properties", MaskStrings(props))
	for _, fn := range listeners {
		fn(old, cur)
	}
	return cur
}

// Snapshot returns the current settings.
func (s *Settings) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func derive(props map[string]string) Snapshot {
	snap := Snapshot{
		DSN:           props[KeyDBDSN],
		MailAPIKey:    props[KeyMailAPIKey],
		MailFrom:      props[KeyMailFrom],
		MailFromName:  props[KeyMailFromName],
		RetentionDays: DefaultRetentionDays,
		Location:      time.UTC,
		Properties:    make(map[string]string, len(props)),
	}
	for k, v := range props {
		snap.Properties[k] = v
	}
	if snap.DSN == "" {
		snap.DSN = buildDSN(props)
	}
	if v, ok := props[KeyRetentionDays]; ok {
		days, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || days <= 0 {
			slog.Warn("ignoring invalid retention", "value", v)
		} else {
			snap.RetentionDays = days
		}
	}
	if v, ok := props[KeyTimezone]; ok {
		loc, err := time.LoadLocation(v)
		if err != nil {
			slog.Warn("ignoring unknown timezone", "value", v, "error", err)
		} else {
			snap.Location = loc
		}
	}
	return snap
}

// buildDSN assembles a postgres URL from the discrete db.* properties.
func buildDSN(props map[string]string) string {
	server := props[KeyDBServer]
	if server == "" {
		return ""
	}
	if port := props[KeyDBPort]; port != "" {
		server = net.JoinHostPort(server, port)
	}
	u := url.URL{Scheme: "postgres", Host: server, Path: "/" + props[KeyDBName]}
	if login := props[KeyDBLogin]; login != "" {
		if pw, ok := props[KeyDBPassword]; ok {
			u.User = url.UserPassword(login, pw)
		} else {
			u.User = url.User(login)
		}
	}
	return u.String()
}
