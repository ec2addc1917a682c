package v1

import (
	"errors"
	"fmt"
	"strings"
)

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSubscribe:
		if strings.TrimSpace(e.Dest) == "" {
			return errors.New("subscribe: missing field: dest")
		}
		if strings.TrimSpace(e.Sub) == "" {
			return errors.New("subscribe: missing field: sub")
		}
		return nil
	case TypeUnsubscribe:
		if strings.TrimSpace(e.Sub) == "" {
			return errors.New("unsubscribe: missing field: sub")
		}
		return nil
	case TypeMessage:
		if strings.TrimSpace(e.Dest) == "" {
			return errors.New("message: missing field: dest")
		}
		return nil
	case TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// UserDestination returns the per-user queue destination for a channel.
func UserDestination(userID, channel string) string {
	return "/user/" + userID + "/queue/" + channel
}

// GroupDestination returns the topic destination for a chat group.
func GroupDestination(groupID string) string {
	return "/topic/groups/" + groupID + "/messages"
}
