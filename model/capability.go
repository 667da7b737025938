package model

import "strings"

// Entity capability actions.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Wildcard grants every capability.
const Wildcard = "*"

// CapabilitySet holds the capabilities granted to an operator. Keys take the
// form "<entity>:<action>"; "<entity>:*" grants every action on one entity
// and "*" grants everything.
type CapabilitySet map[string]bool

// EntityCapability returns the capability string guarding action on entity.
func EntityCapability(entity, action string) string {
	return entity + ":" + action
}

// Has reports whether the set grants capability, directly or through an
// entity or global wildcard.
func (cs CapabilitySet) Has(capability string) bool {
	if len(cs) == 0 {
		return false
	}
	if cs[capability] || cs[Wildcard] {
		return true
	}
	entity, _, ok := strings.Cut(capability, ":")
	return ok && cs[entity+":"+Wildcard]
}

// Merge adds every capability of other to cs.
func (cs CapabilitySet) Merge(other CapabilitySet) {
	for c, granted := range other {
		if granted {
			cs[c] = true
		}
	}
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given subject.
	Invalidate(subjectID string)
}

// PolicyEvaluator maps a request's roles onto capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
}
