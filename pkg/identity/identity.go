// Package identity carries the authenticated caller through service calls.
package identity

import "strings"

// Role is the coarse role claim issued by the auth service.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Capability names an operation a caller may be allowed to perform.
type Capability string

const (
	CapSubmitCode         Capability = "submit_code"
	CapViewOwnSubmission  Capability = "view_own_submission"
	CapViewAnySubmission  Capability = "view_any_submission"
	CapListAllSubmissions Capability = "list_all_submissions"
)

var roleCapabilities = map[Role][]Capability{
	RoleUser:  {CapSubmitCode, CapViewOwnSubmission},
	RoleAdmin: {CapSubmitCode, CapViewOwnSubmission, CapViewAnySubmission, CapListAllSubmissions},
}

// Identity is the caller of a service operation. The zero value is anonymous.
type Identity struct {
	UserID int64
	Role   Role
}

// ParseRole maps a token claim to a Role; unknown values yield an empty role.
func ParseRole(raw string) Role {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleUser:
		return RoleUser
	}
	return ""
}

// Authenticated reports whether the identity refers to a real user.
func (i Identity) Authenticated() bool {
	return i.UserID > 0 && i.Role != ""
}

// Can reports whether the identity holds capability c.
func (i Identity) Can(c Capability) bool {
	if !i.Authenticated() {
		return false
	}
	for _, granted := range roleCapabilities[i.Role] {
		if granted == c {
			return true
		}
	}
	return false
}

// CanViewSubmissionOf reports whether the identity may read a submission owned by ownerID.
func (i Identity) CanViewSubmissionOf(ownerID int64) bool {
	if i.Can(CapViewAnySubmission) {
		return true
	}
	return i.Can(CapViewOwnSubmission) && i.UserID == ownerID
}
