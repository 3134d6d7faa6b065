package meter

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/perceptra-ai/metering-backend/pkg/enums"
)

// Capability is one invokable variant of a paid operation, e.g. a concrete
// model offered by a concrete provider.
type Capability struct {
	Kind       enums.CapabilityKind
	Model      string
	Provider   string
	Chargeable bool
}

// Requester identifies who is asking and, when set, the single organization
// they act on behalf of.
type Requester struct {
	UserID        uuid.UUID
	OnBehalfOfOrg *uuid.UUID
}

// CostModel prices capability calls. A nil cost means the call is free.
type CostModel interface {
	EstimateCost(capability Capability, params map[string]any) (*decimal.Decimal, error)
	ComputeCost(capability Capability, details map[string]any) (*decimal.Decimal, error)
}
