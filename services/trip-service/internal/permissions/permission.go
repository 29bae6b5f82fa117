// Package permissions answers "may this principal do that on this trip" from a cache in
// front of the trip_permissions table and keeps the cache honest on every change.
package permissions

import (
	"errors"
	"fmt"
	"strings"
)

// EventPermissionChanged is emitted for every grant or revoke that changed the store.
const EventPermissionChanged = "PermissionChanged.v1"

var ErrInvalidPermission = errors.New("invalid permission")

type Action string

const (
	View   Action = "view"
	Edit   Action = "edit"
	Manage Action = "manage"
)

func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case View, Edit, Manage:
		return a, nil
	}
	return "", fmt.Errorf("%w: action %q", ErrInvalidPermission, raw)
}

// Key identifies one cached decision.
type Key struct {
	Resource  string
	Principal string
	Action    Action
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.Resource) == "" || strings.TrimSpace(k.Principal) == "" {
		return fmt.Errorf("%w: resource and principal are required", ErrInvalidPermission)
	}
	if _, err := ParseAction(string(k.Action)); err != nil {
		return err
	}
	return nil
}

func (k Key) String() string {
	return k.Resource + "|" + k.Principal + "|" + string(k.Action)
}

// Changed is the PermissionChanged.v1 payload.
type Changed struct {
	ResourceID  string `json:"resource_id"`
	PrincipalID string `json:"principal_id"`
	Action      Action `json:"action"`
	Granted     bool   `json:"granted"`
}

func (c Changed) Key() Key {
	return Key{Resource: c.ResourceID, Principal: c.PrincipalID, Action: c.Action}
}
