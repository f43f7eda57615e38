// Package permissions evaluates skill-vs-scope policy: scope closure,
// risk-level requirements, and the deny/allow policy overlay.
package permissions

import "strings"

// Scope is a permission string drawn from a fixed closed set.
type Scope string

const (
	ScopeRead       Scope = "read"
	ScopeWrite      Scope = "write"
	ScopeExecute    Scope = "execute"
	ScopeAdmin      Scope = "admin"
	ScopeChat       Scope = "chat"
	ScopeChatStream Scope = "chat:stream"
	ScopeToolCall   Scope = "tool:call"
)

// SkillScope returns the per-skill scope string "skill:<name>".
func SkillScope(name string) Scope {
	return Scope("skill:" + name)
}

// scopeHierarchy is the implication table: admin implies everything
// below it; execute implies write; write implies read.
var scopeHierarchy = map[Scope][]Scope{
	ScopeAdmin:   {ScopeRead, ScopeWrite, ScopeExecute, ScopeChat, ScopeChatStream, ScopeToolCall},
	ScopeExecute: {ScopeRead, ScopeWrite},
	ScopeWrite:   {ScopeRead},
}

// Expand computes the closure of a raw scope set under the implication
// table. Expansion is idempotent: Expand(Expand(s)) == Expand(s).
func Expand(raw []Scope) map[Scope]bool {
	expanded := make(map[Scope]bool, len(raw)*2)
	var visit func(s Scope)
	visit = func(s Scope) {
		if expanded[s] {
			return
		}
		expanded[s] = true
		for _, implied := range scopeHierarchy[s] {
			visit(implied)
		}
	}
	for _, s := range raw {
		visit(s)
	}
	return expanded
}

// SkillRisk is a closed risk classification for a skill.
type SkillRisk string

const (
	RiskLow      SkillRisk = "low"
	RiskMedium   SkillRisk = "medium"
	RiskHigh     SkillRisk = "high"
	RiskCritical SkillRisk = "critical"
)

// RiskRequiredScope maps each risk level to the single scope a caller
// must hold (after expansion) to use a skill at that risk level absent
// a more specific skill:<name> grant.
var RiskRequiredScope = map[SkillRisk]Scope{
	RiskLow:      ScopeRead,
	RiskMedium:   ScopeWrite,
	RiskHigh:     ScopeExecute,
	RiskCritical: ScopeAdmin,
}

// DefaultScopes is granted to any newly created user absent explicit
// configuration.
var DefaultScopes = []Scope{ScopeRead, ScopeChat}

// Checker evaluates a single caller's expanded scope set against
// skill risk levels.
type Checker struct {
	expanded map[Scope]bool
}

// NewChecker expands raw and returns a Checker for repeated queries.
func NewChecker(raw []Scope) *Checker {
	return &Checker{expanded: Expand(raw)}
}

// HasScope reports whether s is present in the expanded set.
func (c *Checker) HasScope(s Scope) bool {
	return c.expanded[s]
}

// HasAnyScope reports whether any of ss is present.
func (c *Checker) HasAnyScope(ss ...Scope) bool {
	for _, s := range ss {
		if c.expanded[s] {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every scope in ss is present.
func (c *Checker) HasAllScopes(ss ...Scope) bool {
	for _, s := range ss {
		if !c.expanded[s] {
			return false
		}
	}
	return true
}

// CanUseSkill reports whether the caller may use the named skill at
// the given risk level: admin bypass, then per-skill scope, then the
// risk-level fallback.
func (c *Checker) CanUseSkill(name string, risk SkillRisk) bool {
	if c.expanded[ScopeAdmin] {
		return true
	}
	if c.expanded[SkillScope(name)] {
		return true
	}
	required, ok := RiskRequiredScope[risk]
	if !ok {
		required = RiskRequiredScope[RiskHigh] // unknown skill defaults to high risk
	}
	return c.expanded[required]
}

// CanCallTool reports whether the caller may invoke a tool belonging
// to the named skill: requires tool:call (or admin) AND skill access.
func (c *Checker) CanCallTool(skillName string, risk SkillRisk) bool {
	if !c.HasAnyScope(ScopeToolCall, ScopeAdmin) {
		return false
	}
	return c.CanUseSkill(skillName, risk)
}

// CanChat reports whether the caller may use the chat endpoint,
// optionally in streaming mode.
func (c *Checker) CanChat(streaming bool) bool {
	if streaming {
		return c.HasAnyScope(ScopeChatStream, ScopeAdmin)
	}
	return c.HasAnyScope(ScopeChat, ScopeAdmin)
}

// AllowedSkills filters a candidate skill→risk map down to those the
// caller may use, for the skill listing endpoints.
func (c *Checker) AllowedSkills(risks map[string]SkillRisk) []string {
	var out []string
	for name, risk := range risks {
		if c.CanUseSkill(name, risk) {
			out = append(out, name)
		}
	}
	return out
}

// DeniedSkills is the complement of AllowedSkills.
func (c *Checker) DeniedSkills(risks map[string]SkillRisk) []string {
	var out []string
	for name, risk := range risks {
		if !c.CanUseSkill(name, risk) {
			out = append(out, name)
		}
	}
	return out
}

// Policy is an optional per-key/per-user overlay on top of scope-based
// evaluation.
type Policy struct {
	// AllowedSkills, if non-nil, is authoritative: the skill MUST be
	// listed here regardless of scope. An empty-but-non-nil slice
	// denies everything.
	AllowedSkills []string
	// DeniedSkills always forbids, short-circuiting before AllowedSkills
	// or scope evaluation.
	DeniedSkills []string
}

func containsFold(list []string, name string) bool {
	for _, s := range list {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// CheckSkillPermission evaluates Policy then Checker: deny list first,
// then the allow list (if set), else the scope fallback. Returns the
// decision plus a human-readable reason.
func CheckSkillPermission(skillName string, risk SkillRisk, checker *Checker, policy *Policy) (bool, string) {
	if policy != nil {
		if containsFold(policy.DeniedSkills, skillName) {
			return false, "skill explicitly denied by policy"
		}
		if policy.AllowedSkills != nil {
			if containsFold(policy.AllowedSkills, skillName) {
				return true, "skill explicitly allowed by policy"
			}
			return false, "skill not in policy allow list"
		}
	}
	if checker.CanUseSkill(skillName, risk) {
		return true, "scope grants access"
	}
	required, ok := RiskRequiredScope[risk]
	if !ok {
		required = RiskRequiredScope[RiskHigh]
	}
	return false, "requires scope " + string(required) + " or skill:" + skillName
}
