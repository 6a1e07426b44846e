package policy

import "net/netip"

// ACLRule allows or denies a client network.
type ACLRule struct {
	Network netip.Prefix
	Action  Action
}

// ACL is an ordered list of rules; the first rule containing the client
// address decides. A client matching no rule is denied.
type ACL struct {
	rules []ACLRule
}

// NewACL creates an ACL from rules in evaluation order.
func NewACL(rules []ACLRule) *ACL {
	return &ACL{rules: append([]ACLRule(nil), rules...)}
}

// Evaluate returns the action for a client address. IPv4-mapped IPv6
// addresses are matched as IPv4.
func (a *ACL) Evaluate(addr netip.Addr) Action {
	addr = addr.Unmap()
	for _, rule := range a.rules {
		if rule.Network.Contains(addr) {
			return rule.Action
		}
	}
	return Deny
}

// Rules returns a copy of the rules.
func (a *ACL) Rules() []ACLRule {
	return append([]ACLRule(nil), a.rules...)
}
