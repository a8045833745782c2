// Package authority derives authority levels from actor identity and enforces
// the supersession policy: who may replace whose prior commits.
//
// Levels are derived, never stored, so the schema stays stable while policy
// evolves.
package authority

import (
	"strings"

	"github.com/ledgerline/casegov/pkg/domain"
)

// ActorKind is the tagged variant discriminator for commit actors.
type ActorKind string

const (
	ActorSystem ActorKind = "SYSTEM"
	ActorHuman  ActorKind = "HUMAN"
)

// Level is an integer authority rank. Higher outranks lower.
type Level int

const (
	SystemAutomated   Level = 1
	HumanVerifier     Level = 2
	HumanAdmin        Level = 3
	ExecutiveOverride Level = 4
)

// Proof prefixes selecting elevated human authority.
const (
	execProofPrefix  = "EXEC:"
	adminProofPrefix = "ADMIN:"
)

// Supersession error codes (stable, surfaced to callers).
const (
	CodeInsufficientAuthority = "INSUFFICIENT_AUTHORITY_FOR_SUPERSESSION"
	CodeSystemCannotSupersede = "SYSTEM_CANNOT_SUPERSEDE_HUMAN_AUTHORITY"
	CodeEqualNeedsEscalation  = "EQUAL_AUTHORITY_SUPERSESSION_REQUIRES_ESCALATION"
)

// Actor is a commit actor: {SYSTEM} or {HUMAN, userId}, plus its proof token.
type Actor struct {
	Kind           ActorKind
	UserID         string
	AuthorityProof string
}

// LevelOf derives the authority level from (actorKind, authorityProof).
// SYSTEM actors are always level 1 regardless of proof.
func LevelOf(kind ActorKind, proof string) Level {
	if kind == ActorSystem {
		return SystemAutomated
	}
	switch {
	case strings.HasPrefix(proof, execProofPrefix):
		return ExecutiveOverride
	case strings.HasPrefix(proof, adminProofPrefix):
		return HumanAdmin
	default:
		return HumanVerifier
	}
}

// ValidateSupersession decides whether candidate may supersede target.
// escalated marks an explicit escalation, which is the only path through
// equal-authority replacement.
func ValidateSupersession(candidate, target Actor, escalated bool) error {
	if candidate.Kind == ActorSystem && target.Kind == ActorHuman {
		return domain.E(CodeSystemCannotSupersede,
			"system authority may not supersede a human commit")
	}

	cl := LevelOf(candidate.Kind, candidate.AuthorityProof)
	tl := LevelOf(target.Kind, target.AuthorityProof)

	if cl < tl {
		return domain.E(CodeInsufficientAuthority,
			"authority level %d cannot supersede level %d", cl, tl)
	}
	if cl == tl && !escalated {
		return domain.E(CodeEqualNeedsEscalation,
			"equal-authority supersession requires explicit escalation")
	}
	return nil
}
