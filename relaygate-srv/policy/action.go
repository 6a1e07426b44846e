package policy

import "github.com/codefionn/relaygate/relaygate-srv/config"

// Action is the verdict of the ACL or the filter.
type Action int

const (
	Deny Action = iota
	Allow
)

func (a Action) String() string {
	if a == Allow {
		return "allow"
	}
	return "deny"
}

func actionFromConfig(a config.Action) Action {
	if a == config.ActionAllow {
		return Allow
	}
	return Deny
}
