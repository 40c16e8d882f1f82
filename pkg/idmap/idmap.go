// Package idmap translates numeric uid/gid values between the host and an
// instance. A mount carries one ordered table for uids and one for gids;
// vmount-server applies them to the file attributes it reports and reverses
// them for ownership changes requested from inside the instance.
package idmap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Default marks the instance side of a mapping as "the default user (or
// group) of the instance". vmount-server resolves it to the remote uid/gid
// when it attaches the mount.
const Default = -1

// Map pairs one numeric id on the host with one in the instance.
type Map struct {
	Host     int
	Instance int
}

// Parse parses a "host:instance" pair such as "1000:1000". The instance side
// may be given as "default" (or -1) to map to the instance's default id.
func Parse(s string) (Map, error) {
	h, i, ok := strings.Cut(s, ":")
	if !ok {
		return Map{}, errors.Errorf("id mapping %q is not in the form host:instance", s)
	}
	host, err := strconv.Atoi(h)
	if err != nil || host < 0 {
		return Map{}, errors.Errorf("id mapping %q has an invalid host id %q", s, h)
	}
	if i == "default" {
		return Map{Host: host, Instance: Default}, nil
	}
	instance, err := strconv.Atoi(i)
	if err != nil || instance < Default {
		return Map{}, errors.Errorf("id mapping %q has an invalid instance id %q", s, i)
	}
	return Map{Host: host, Instance: instance}, nil
}

func (m Map) String() string {
	if m.Instance == Default {
		return fmt.Sprintf("%d:default", m.Host)
	}
	return fmt.Sprintf("%d:%d", m.Host, m.Instance)
}

// Table is an ordered list of mappings. The first matching entry wins; ids
// that match no entry pass through untranslated.
type Table []Map

// ParseTable parses a list of "host:instance" pairs.
func ParseTable(ss []string) (Table, error) {
	t := make(Table, 0, len(ss))
	for _, s := range ss {
		m, err := Parse(s)
		if err != nil {
			return nil, err
		}
		t = append(t, m)
	}
	return t, nil
}

// Strings returns the table in the form accepted by ParseTable.
func (t Table) Strings() []string {
	ss := make([]string, len(t))
	for i, m := range t {
		ss[i] = m.String()
	}
	return ss
}

// Apply translates a host id to the corresponding instance id. Default
// instance sides resolve to def.
func (t Table) Apply(host, def int) int {
	for _, m := range t {
		if m.Host == host {
			if m.Instance == Default {
				return def
			}
			return m.Instance
		}
	}
	return host
}

// Reverse translates an instance id back to the corresponding host id, for
// ownership changes originating inside the instance. Default instance sides
// resolve to def before matching.
func (t Table) Reverse(instance, def int) int {
	for _, m := range t {
		in := m.Instance
		if in == Default {
			in = def
		}
		if in == instance {
			return m.Host
		}
	}
	return instance
}
