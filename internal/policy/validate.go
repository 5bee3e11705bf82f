package policy

// Validate checks a method/value pair and returns the rule it describes.
// Every failure wraps ErrInvalidPolicyConfig.
//
// number_of_tags takes a positive integer, as a number or a decimal
// string. creation_date takes a string period such as "7d", "4w", "6m"
// or "1y".
func Validate(method string, value Value) (Rule, error) {
	m, err := ParseMethod(method)
	if err != nil {
		return nil, err
	}

	switch m {
	case MethodNumberOfTags:
		n, err := parsePositive(value.String())
		if err != nil {
			return nil, invalidConfig("number_of_tags: %v", err)
		}
		if int64(int(n)) != n {
			return nil, invalidConfig("number_of_tags: %d is out of range", n)
		}
		return NumberOfTags{Count: int(n)}, nil

	case MethodCreationDate:
		if value.IsNumber() {
			return nil, invalidConfig("creation_date: value must be a string such as 7d, got number %s", value)
		}
		p, err := ParsePeriod(value.String())
		if err != nil {
			return nil, err
		}
		return CreationDate{Period: p}, nil
	}

	return nil, invalidConfig("unknown method %q", method)
}
