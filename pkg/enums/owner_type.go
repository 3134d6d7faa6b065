package enums

// OwnerType identifies which principal owns a credit account or payment order.
type OwnerType string

const (
	OwnerTypeUser         OwnerType = "user"
	OwnerTypeOrganization OwnerType = "organization"
)

// IsValid reports whether the owner type is known.
func (o OwnerType) IsValid() bool {
	switch o {
	case OwnerTypeUser, OwnerTypeOrganization:
		return true
	default:
		return false
	}
}
