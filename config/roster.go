package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/studyreports/apiserver/types"
	"gopkg.in/yaml.v3"
)

// Roster is the locally maintained part of the configuration: the access
// groups users and participants may belong to, and users whose access group
// overrides whatever REDCap reports for them.
type Roster struct {
	AccessGroups []string    `yaml:"accessGroups"`
	Users        []LocalUser `yaml:"users"`
}

type LocalUser struct {
	Email       string `yaml:"email"`
	AccessGroup string `yaml:"accessGroup"`
}

// LoadRoster reads a YAML roster file.
func LoadRoster(path string) (Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster: %w", err)
	}
	var roster Roster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return Roster{}, fmt.Errorf("parse roster %s: %w", path, err)
	}
	return roster.normalized(), nil
}

// normalized lowercases names, adds the built-in groups and drops duplicates.
func (r Roster) normalized() Roster {
	groups := map[string]bool{
		types.AccessGroupAdmin:        true,
		types.AccessGroupUnrestricted: true,
	}
	for _, name := range r.AccessGroups {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			groups[name] = true
		}
	}
	out := Roster{AccessGroups: make([]string, 0, len(groups))}
	for name := range groups {
		out.AccessGroups = append(out.AccessGroups, name)
	}
	sort.Strings(out.AccessGroups)

	for _, u := range r.Users {
		out.Users = append(out.Users, LocalUser{
			Email:       strings.ToLower(strings.TrimSpace(u.Email)),
			AccessGroup: strings.ToLower(strings.TrimSpace(u.AccessGroup)),
		})
	}
	return out
}

// HasGroup reports whether name is a configured access group.
func (r Roster) HasGroup(name string) bool {
	name = strings.ToLower(name)
	for _, g := range r.AccessGroups {
		if g == name {
			return true
		}
	}
	return false
}

func (r Roster) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(r.Users))
	for i, u := range r.Users {
		if u.Email == "" {
			errs = append(errs, fmt.Errorf("roster user %d: email is required", i))
			continue
		}
		if seen[u.Email] {
			errs = append(errs, fmt.Errorf("roster user %s: listed twice", u.Email))
		}
		seen[u.Email] = true
		if !r.HasGroup(u.AccessGroup) {
			errs = append(errs, fmt.Errorf("roster user %s: unknown access group %q", u.Email, u.AccessGroup))
		}
	}
	return errors.Join(errs...)
}

// LocalUsers converts the override list into user records without tokens.
func (r Roster) LocalUsers() []types.User {
	users := make([]types.User, 0, len(r.Users))
	for _, u := range r.Users {
		users = append(users, types.User{Email: u.Email, AccessGroup: u.AccessGroup})
	}
	return users
}
