package config

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// AgentURL builds the relay endpoint for an agent session.
func AgentURL(base, userID, token string) (string, error) {
	if userID == "" {
		return "", errors.New("agent url requires a user id")
	}
	u, err := relayBase(base)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("ws", "agent", userID)
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// VisitorURL builds the relay endpoint for a website visitor session.
func VisitorURL(base, websiteID, visitorID string) (string, error) {
	if websiteID == "" {
		return "", errors.New("visitor url requires a website id")
	}
	u, err := relayBase(base)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("ws", "visitor", websiteID)
	q := u.Query()
	if visitorID != "" {
		q.Set("visitor_id", visitorID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func relayBase(base string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse relay url %q", base)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, errors.Errorf("relay url %q must use ws, wss, http or https", base)
	}
	return u, nil
}
