package domain

import "strings"

// DenialReason is sent back to a requester whose passcode or name was rejected.
const DenialReason = "Invalid passcode or not allowed"

type AuthorizationPolicy struct {
	IsAdmin  bool
	Passcode string
	// AllowList holds display names. An empty list admits every name.
	AllowList map[string]struct{}
	// ApprovalRequired is carried for the settings UI. It does not take part in Evaluate.
	ApprovalRequired bool
}

type JoinRequest struct {
	RequesterID      ParticipantID
	RequesterName    string
	SuppliedPasscode string
}

type JoinDecision struct {
	Approved bool
	Reason   string
}

func NewAuthorizationPolicy(isAdmin bool, passcode string, allowList []string, approvalRequired bool) AuthorizationPolicy {
	set := make(map[string]struct{}, len(allowList))
	for _, name := range allowList {
		set[name] = struct{}{}
	}
	return AuthorizationPolicy{
		IsAdmin:          isAdmin,
		Passcode:         passcode,
		AllowList:        set,
		ApprovalRequired: approvalRequired,
	}
}

// Evaluate admits a request when both the passcode and the allow-list checks pass.
func (p AuthorizationPolicy) Evaluate(req JoinRequest) JoinDecision {
	passcodeOK := p.Passcode == "" || p.Passcode == req.SuppliedPasscode
	nameOK := len(p.AllowList) == 0
	if !nameOK {
		_, nameOK = p.AllowList[req.RequesterName]
	}
	if passcodeOK && nameOK {
		return JoinDecision{Approved: true}
	}
	return JoinDecision{Approved: false, Reason: DenialReason}
}

// ParseAllowList splits settings text on newlines and commas, dropping blanks.
func ParseAllowList(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
	names := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
