package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

// Policy is a persisted auto-prune policy.
type Policy struct {
	ID        string
	Namespace string
	Rule      Rule
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Method returns the policy's method.
func (p Policy) Method() Method { return p.Rule.Method() }

// View is the projection handed to API collaborators.
type View struct {
	UUID      string `json:"uuid"`
	Method    Method `json:"method"`
	Value     Value  `json:"value"`
	CreatedAt int64  `json:"createdAt"`
}

// View returns the API projection of the policy. CreatedAt is in epoch milliseconds.
func (p Policy) View() View {
	return View{
		UUID:      p.ID,
		Method:    p.Rule.Method(),
		Value:     p.Rule.Value(),
		CreatedAt: p.CreatedAt.UnixMilli(),
	}
}

// record is the stored JSON form of a Policy.
type record struct {
	UUID        string `json:"uuid"`
	Namespace   string `json:"namespace"`
	Method      string `json:"method"`
	Value       string `json:"value"`
	CreatedAtMs int64  `json:"createdAtMs"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

func encodeRecord(p Policy) ([]byte, error) {
	return json.Marshal(record{
		UUID:        p.ID,
		Namespace:   p.Namespace,
		Method:      string(p.Rule.Method()),
		Value:       p.Rule.Value().String(),
		CreatedAtMs: p.CreatedAt.UnixMilli(),
		UpdatedAtMs: p.UpdatedAt.UnixMilli(),
	})
}

func decodeRecord(data []byte) (record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return record{}, fmt.Errorf("policy: decode record: %w", err)
	}
	return r, nil
}

func (r record) policy() (Policy, error) {
	rule, err := Validate(r.Method, StringValue(r.Value))
	if err != nil {
		return Policy{}, fmt.Errorf("policy: stored record %s: %w", r.UUID, err)
	}
	return Policy{
		ID:        r.UUID,
		Namespace: r.Namespace,
		Rule:      rule,
		CreatedAt: time.UnixMilli(r.CreatedAtMs).UTC(),
		UpdatedAt: time.UnixMilli(r.UpdatedAtMs).UTC(),
	}, nil
}
