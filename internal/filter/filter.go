// Package filter implements peer-address allow/deny rules, used to keep
// allocations from relaying to addresses an operator wants excluded (e.g.
// server-local networks) regardless of what a client requests permission
// for.
package filter

import (
	"net"

	"github.com/relaymesh/relayd/internal/stunmsg"
)

// Action is the outcome of matching an address against a Rule.
type Action byte

// Possible actions.
const (
	Pass Action = iota
	Allow
	Deny
)

var actionToStr = map[Action]string{
	Pass:  "pass",
	Allow: "allow",
	Deny:  "deny",
}

func (a Action) String() string { return actionToStr[a] }

// Rule matches a peer address and returns the action to take.
type Rule interface {
	Action(addr stunmsg.Addr) Action
}

type subnetRule struct {
	action Action
	net    *net.IPNet
}

func (r subnetRule) Action(addr stunmsg.Addr) Action {
	if r.net.Contains(addr.IP) {
		return r.action
	}
	return Pass
}

// AllowNet allows any peer address from subnet.
func AllowNet(subnet string) (Rule, error) { return StaticNetRule(Allow, subnet) }

// ForbidNet denies any peer address from subnet.
func ForbidNet(subnet string) (Rule, error) { return StaticNetRule(Deny, subnet) }

// StaticNetRule returns a Rule applying action to every address in subnet.
func StaticNetRule(action Action, subnet string) (Rule, error) {
	_, parsed, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, err
	}
	return subnetRule{action: action, net: parsed}, nil
}

type allowAll struct{}

func (allowAll) Action(stunmsg.Addr) Action { return Allow }

// AllowAll is a Rule that always allows.
var AllowAll Rule = allowAll{}

// List evaluates rules in order, returning the first non-Pass verdict, or
// its own default action if every rule passes.
type List struct {
	action Action
	rules  []Rule
}

// NewFilter builds a List with the given default action.
func NewFilter(action Action, rules ...Rule) *List { return &List{rules: rules, action: action} }

// Action implements Rule.
func (f *List) Action(addr stunmsg.Addr) Action {
	for _, r := range f.rules {
		if a := r.Action(addr); a != Pass {
			return a
		}
	}
	return f.action
}
