package models

// EntityType enumerates the closed set of entity kinds the extractor emits.
type EntityType string

const (
	EntityOrderID        EntityType = "order_id"
	EntityTrackingNumber EntityType = "tracking_number"
	EntityDate           EntityType = "date"
	EntityDeadline       EntityType = "deadline"
	EntityMoney          EntityType = "money"
	EntitySize           EntityType = "size"
	EntityColor          EntityType = "color"
	EntityQuantity       EntityType = "quantity"
	EntityAddress        EntityType = "address"
	EntityPersonName     EntityType = "person_name"
	EntityReason         EntityType = "reason"
	EntityEmail          EntityType = "email"
	EntityPhone          EntityType = "phone"
	EntityDamageSeverity EntityType = "damage_severity"
	EntityDefectCategory EntityType = "defect_category"
	EntityBrand          EntityType = "brand"
	EntityCarrier        EntityType = "carrier"
)

// Entity is a typed span extracted from a customer message. Positions are
// byte offsets into the input text, half-open [StartPos, EndPos).
type Entity struct {
	Type       EntityType `json:"type"`
	Value      string     `json:"value"`
	RawSpan    string     `json:"raw_span"`
	StartPos   int        `json:"start_pos"`
	EndPos     int        `json:"end_pos"`
	Confidence float64    `json:"confidence"`
}

// ExtractionResult bundles the entities and message-level signals produced
// by one extractor pass. SentimentScore is in [-1, 1]; urgency and
// frustration are in [0, 1].
type ExtractionResult struct {
	Entities         []Entity `json:"entities"`
	SentimentScore   float64  `json:"sentiment_score"`
	UrgencyScore     float64  `json:"urgency_score"`
	FrustrationScore float64  `json:"frustration_score"`
	PriorityFlag     bool     `json:"priority_flag"`
	SentimentSignals []string `json:"sentiment_signals,omitempty"`
}

// OrderIDs returns the normalized values of all order_id entities, in
// extraction order.
func (r ExtractionResult) OrderIDs() []string {
	var ids []string
	for _, e := range r.Entities {
		if e.Type == EntityOrderID {
			ids = append(ids, e.Value)
		}
	}
	return ids
}

// ByType returns all entities of the given type, in extraction order.
func (r ExtractionResult) ByType(t EntityType) []Entity {
	var out []Entity
	for _, e := range r.Entities {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
