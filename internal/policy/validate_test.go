package policy

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestValidateNumberOfTags(t *testing.T) {
	tests := []struct {
		name    string
		value   Value
		want    int
		wantErr bool
	}{
		{"string", StringValue("10"), 10, false},
		{"number", IntValue(3), 3, false},
		{"one", StringValue("1"), 1, false},
		{"leading zeros", StringValue("007"), 7, false},
		{"zero", StringValue("0"), 0, true},
		{"negative", StringValue("-1"), 0, true},
		{"negative number", IntValue(-5), 0, true},
		{"plus sign", StringValue("+4"), 0, true},
		{"fraction", StringValue("2.5"), 0, true},
		{"word", StringValue("ten"), 0, true},
		{"space", StringValue(" 10"), 0, true},
		{"empty", StringValue(""), 0, true},
		{"overflow", StringValue("99999999999999999999"), 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule, err := Validate("number_of_tags", tc.value)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidPolicyConfig) {
					t.Fatalf("Validate(%q) error = %v, want ErrInvalidPolicyConfig", tc.value, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate(%q): %v", tc.value, err)
			}
			got, ok := rule.(NumberOfTags)
			if !ok {
				t.Fatalf("rule type = %T", rule)
			}
			if got.Count != tc.want {
				t.Errorf("Count = %d, want %d", got.Count, tc.want)
			}
		})
	}
}

func TestValidateCreationDate(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"7d", 7 * day, false},
		{"2w", 14 * day, false},
		{"1m", 30 * day, false},
		{"3m", 90 * day, false},
		{"1y", 365 * day, false},
		{"0d", 0, true},
		{"-1d", 0, true},
		{"7", 0, true},
		{"d", 0, true},
		{"7h", 0, true},
		{"7D", 0, true},
		{"7 d", 0, true},
		{"1.5w", 0, true},
		{"", 0, true},
		{"999999999y", 0, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			rule, err := Validate("creation_date", StringValue(tc.in))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidPolicyConfig) {
					t.Fatalf("Validate(%q) error = %v, want ErrInvalidPolicyConfig", tc.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate(%q): %v", tc.in, err)
			}
			cd, ok := rule.(CreationDate)
			if !ok {
				t.Fatalf("rule type = %T", rule)
			}
			if cd.Period.Duration() != tc.want {
				t.Errorf("Duration = %v, want %v", cd.Period.Duration(), tc.want)
			}
			if cd.Period.String() != tc.in {
				t.Errorf("String = %q, want %q", cd.Period.String(), tc.in)
			}
		})
	}
}

func TestValidateCreationDateRejectsNumber(t *testing.T) {
	_, err := Validate("creation_date", IntValue(7))
	if !errors.Is(err, ErrInvalidPolicyConfig) {
		t.Fatalf("error = %v, want ErrInvalidPolicyConfig", err)
	}
}

func TestValidateUnknownMethod(t *testing.T) {
	for _, m := range []string{"", "NumberOfTags", "tag_count"} {
		if _, err := Validate(m, StringValue("1")); !errors.Is(err, ErrInvalidPolicyConfig) {
			t.Errorf("Validate(%q) error = %v, want ErrInvalidPolicyConfig", m, err)
		}
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	inputs := []struct {
		method string
		value  Value
	}{
		{"number_of_tags", StringValue("5")},
		{"number_of_tags", StringValue("-5")},
		{"creation_date", StringValue("4w")},
		{"creation_date", StringValue("4x")},
	}
	for _, in := range inputs {
		r1, err1 := Validate(in.method, in.value)
		for i := 0; i < 3; i++ {
			r2, err2 := Validate(in.method, in.value)
			if (err1 == nil) != (err2 == nil) {
				t.Fatalf("Validate(%s, %s) changed outcome: %v vs %v", in.method, in.value, err1, err2)
			}
			if err1 == nil && r1 != r2 {
				t.Fatalf("Validate(%s, %s) changed rule: %v vs %v", in.method, in.value, r1, r2)
			}
		}
	}
}

func TestValueJSON(t *testing.T) {
	var payload struct {
		Method string `json:"method"`
		Value  Value  `json:"value"`
	}

	if err := json.Unmarshal([]byte(`{"method":"number_of_tags","value":10}`), &payload); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if !payload.Value.IsNumber() || payload.Value.String() != "10" {
		t.Fatalf("value = %+v", payload.Value)
	}

	if err := json.Unmarshal([]byte(`{"method":"creation_date","value":"7d"}`), &payload); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if payload.Value.IsNumber() || payload.Value.String() != "7d" {
		t.Fatalf("value = %+v", payload.Value)
	}

	for _, bad := range []string{`{"value":null}`, `{"value":true}`, `{"value":[1]}`} {
		if err := json.Unmarshal([]byte(bad), &payload); err == nil {
			t.Errorf("unmarshal %s: expected error", bad)
		}
	}
}

func TestViewJSON(t *testing.T) {
	created := time.UnixMilli(1700000000123).UTC()
	count := Policy{ID: "u1", Namespace: "x", Rule: NumberOfTags{Count: 10}, CreatedAt: created}
	data, err := json.Marshal(count.View())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), `{"uuid":"u1","method":"number_of_tags","value":10,"createdAt":1700000000123}`; got != want {
		t.Errorf("view = %s, want %s", got, want)
	}

	period := Policy{ID: "u2", Rule: CreationDate{Period: Period{Amount: 7, Unit: UnitDay}}, CreatedAt: created}
	data, _ = json.Marshal(period.View())
	if got, want := string(data), `{"uuid":"u2","method":"creation_date","value":"7d","createdAt":1700000000123}`; got != want {
		t.Errorf("view = %s, want %s", got, want)
	}
}
