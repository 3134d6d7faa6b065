package enums

// CredentialScope identifies who a provider credential belongs to.
type CredentialScope string

const (
	CredentialScopeSystem       CredentialScope = "system"
	CredentialScopeUser         CredentialScope = "user"
	CredentialScopeOrganization CredentialScope = "organization"
)

// IsValid reports whether the scope is known.
func (s CredentialScope) IsValid() bool {
	switch s {
	case CredentialScopeSystem, CredentialScopeUser, CredentialScopeOrganization:
		return true
	default:
		return false
	}
}
