package capability

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/aiconsole/model"
)

// policyFile is the on-disk policy:
//
//	default: [agents:read]
//	roles:
//	  prompt_engineer: [prompt_templates:*, rag_tools:read]
//	  admin: ["*"]
type policyFile struct {
	Default []string            `yaml:"default"`
	Roles   map[string][]string `yaml:"roles"`
}

// capabilityPattern accepts "*", "<entity>:*" and "<entity>:<action>".
var capabilityPattern = regexp.MustCompile(`^(\*|[a-z][a-z0-9_]*:(\*|[a-z][a-z0-9_]*))$`)

// StaticPolicyEvaluator grants the capabilities a YAML policy file lists
// for each of the operator's roles, plus the policy's defaults.
type StaticPolicyEvaluator struct {
	path string

	mu     sync.RWMutex
	base   model.CapabilitySet
	byRole map[string]model.CapabilitySet
}

// NewStaticPolicyEvaluator loads the policy at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities implements model.PolicyEvaluator.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet, len(e.base))
	caps.Merge(e.base)
	for _, role := range rctx.Roles {
		caps.Merge(e.byRole[role])
	}
	return caps, nil
}

// Roles returns the number of roles in the loaded policy.
func (e *StaticPolicyEvaluator) Roles() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byRole)
}

// Sync re-reads the policy file. A file that cannot be read, parsed or
// contains a malformed capability leaves the current policy in place.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: read policy: %w", err)
	}
	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parse policy %s: %w", e.path, err)
	}

	base, err := compile("default", p.Default)
	if err != nil {
		return err
	}
	byRole := make(map[string]model.CapabilitySet, len(p.Roles))
	for role, list := range p.Roles {
		if byRole[role], err = compile("role "+role, list); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.base, e.byRole = base, byRole
	e.mu.Unlock()
	return nil
}

func compile(owner string, list []string) (model.CapabilitySet, error) {
	set := make(model.CapabilitySet, len(list))
	for _, c := range list {
		if !capabilityPattern.MatchString(c) {
			return nil, fmt.Errorf("capability: %s: malformed capability %q", owner, c)
		}
		set[c] = true
	}
	return set, nil
}
