package candidates

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	minNameRunes        = 2
	maxNameRunes        = 50
	maxEmailLength      = 254
	minPhoneDigits      = 7
	maxPhoneDigits      = 15
	minAddressRunes     = 5
	maxAddressRunes     = 200
	maxSubRecordRunes   = 120
	maxDescriptionRunes = 2000
	maxEntries          = 20
)

var (
	namePattern  = regexp.MustCompile(`^[\p{L}\p{M}'\x{2019} -]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9()\-.\s]+$`)

	formatValidator = validator.New()
)

// Rule is one composable check over a payload.
type Rule struct {
	Name  string
	Check func(Payload) []Violation
}

// Validate runs every rule and concatenates their violations in rule order.
func Validate(payload Payload, rules ...Rule) []Violation {
	var violations []Violation
	for _, rule := range rules {
		if rule.Check == nil {
			continue
		}
		violations = append(violations, rule.Check(payload)...)
	}
	return violations
}

// DefaultRules is the rule list applied to every submission.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "first_name", Check: func(p Payload) []Violation { return checkName("firstName", "first name", p.FirstName) }},
		{Name: "last_name", Check: func(p Payload) []Violation { return checkName("lastName", "last name", p.LastName) }},
		{Name: "email", Check: checkEmail},
		{Name: "phone", Check: checkPhone},
		{Name: "address", Check: checkAddress},
		{Name: "links", Check: checkLinks},
		{Name: "education", Check: checkEducation},
		{Name: "experience", Check: checkExperience},
	}
}

func checkName(field, label, value string) []Violation {
	if value == "" {
		return []Violation{{Field: field, Message: label + " is required"}}
	}
	length := utf8.RuneCountInString(value)
	if length < minNameRunes || length > maxNameRunes {
		return []Violation{{Field: field, Message: fmt.Sprintf("%s must be between %d and %d characters", label, minNameRunes, maxNameRunes)}}
	}
	if !namePattern.MatchString(value) {
		return []Violation{{Field: field, Message: label + " may only contain letters, spaces, hyphens and apostrophes"}}
	}
	return nil
}

func checkEmail(p Payload) []Violation {
	if p.Email == "" {
		return []Violation{{Field: "email", Message: "email is required"}}
	}
	if len(p.Email) > maxEmailLength || formatValidator.Var(p.Email, "email") != nil {
		return []Violation{{Field: "email", Message: "email must be a valid email address"}}
	}
	return nil
}

func checkPhone(p Payload) []Violation {
	if p.Phone == "" {
		return []Violation{{Field: "phone", Message: "phone is required"}}
	}
	if !phonePattern.MatchString(p.Phone) {
		return []Violation{{Field: "phone", Message: "phone may only contain digits, spaces, parentheses, dots, hyphens and a leading plus"}}
	}
	digits := 0
	for _, r := range p.Phone {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits < minPhoneDigits || digits > maxPhoneDigits {
		return []Violation{{Field: "phone", Message: fmt.Sprintf("phone must contain between %d and %d digits", minPhoneDigits, maxPhoneDigits)}}
	}
	return nil
}

func checkAddress(p Payload) []Violation {
	address, ok := p.Address.Get()
	if !ok {
		return nil
	}
	length := utf8.RuneCountInString(address)
	if length < minAddressRunes || length > maxAddressRunes {
		return []Violation{{Field: "address", Message: fmt.Sprintf("address must be between %d and %d characters", minAddressRunes, maxAddressRunes)}}
	}
	return nil
}

func checkLinks(p Payload) []Violation {
	var violations []Violation
	for _, link := range []struct {
		field string
		label string
		value Optional
	}{
		{field: "linkedinUrl", label: "LinkedIn URL", value: p.LinkedInURL},
		{field: "portfolioUrl", label: "portfolio URL", value: p.PortfolioURL},
	} {
		value, ok := link.value.Get()
		if !ok {
			continue
		}
		if formatValidator.Var(value, "http_url") != nil {
			violations = append(violations, Violation{Field: link.field, Message: link.label + " must be a valid http or https URL"})
		}
	}
	return violations
}

// period is the shared shape of education and experience entries.
type period struct {
	path      string
	startDate string
	endDate   Optional
	ongoing   bool
}

func checkEducation(p Payload) []Violation {
	if len(p.Education) > maxEntries {
		return []Violation{{Field: "education", Message: fmt.Sprintf("at most %d education entries are allowed", maxEntries)}}
	}
	var violations []Violation
	for index, entry := range p.Education {
		path := fmt.Sprintf("education[%d]", index)
		violations = append(violations, requiredText(path+".institution", "institution", entry.Institution)...)
		violations = append(violations, requiredText(path+".degree", "degree", entry.Degree)...)
		if field, ok := entry.FieldOfStudy.Get(); ok && utf8.RuneCountInString(field) > maxSubRecordRunes {
			violations = append(violations, Violation{Field: path + ".fieldOfStudy", Message: fmt.Sprintf("field of study must be at most %d characters", maxSubRecordRunes)})
		}
		violations = append(violations, checkPeriod(period{path: path, startDate: entry.StartDate, endDate: entry.EndDate, ongoing: entry.Ongoing})...)
	}
	return violations
}

func checkExperience(p Payload) []Violation {
	if len(p.Experience) > maxEntries {
		return []Violation{{Field: "experience", Message: fmt.Sprintf("at most %d experience entries are allowed", maxEntries)}}
	}
	var violations []Violation
	for index, entry := range p.Experience {
		path := fmt.Sprintf("experience[%d]", index)
		violations = append(violations, requiredText(path+".company", "company", entry.Company)...)
		violations = append(violations, requiredText(path+".position", "position", entry.Position)...)
		if description, ok := entry.Description.Get(); ok && utf8.RuneCountInString(description) > maxDescriptionRunes {
			violations = append(violations, Violation{Field: path + ".description", Message: fmt.Sprintf("description must be at most %d characters", maxDescriptionRunes)})
		}
		violations = append(violations, checkPeriod(period{path: path, startDate: entry.StartDate, endDate: entry.EndDate, ongoing: entry.Ongoing})...)
	}
	return violations
}

func requiredText(field, label, value string) []Violation {
	if value == "" {
		return []Violation{{Field: field, Message: label + " is required"}}
	}
	if utf8.RuneCountInString(value) > maxSubRecordRunes {
		return []Violation{{Field: field, Message: fmt.Sprintf("%s must be at most %d characters", label, maxSubRecordRunes)}}
	}
	return nil
}

// checkPeriod enforces: ongoing entries carry no end date; finished entries end strictly after they start.
func checkPeriod(entry period) []Violation {
	startField := entry.path + ".startDate"
	endField := entry.path + ".endDate"

	if strings.TrimSpace(entry.startDate) == "" {
		return []Violation{{Field: startField, Message: "start date is required"}}
	}
	start, err := ParseDate(entry.startDate)
	if err != nil {
		return []Violation{{Field: startField, Message: "start date must use the YYYY-MM-DD format"}}
	}

	rawEnd, hasEnd := entry.endDate.Get()
	if entry.ongoing {
		if hasEnd {
			return []Violation{{Field: endField, Message: "end date must be empty when ongoing"}}
		}
		return nil
	}
	if !hasEnd {
		return []Violation{{Field: endField, Message: "end date is required unless ongoing"}}
	}
	end, err := ParseDate(rawEnd)
	if err != nil {
		return []Violation{{Field: endField, Message: "end date must use the YYYY-MM-DD format"}}
	}
	if !end.After(start) {
		return []Violation{{Field: endField, Message: "end date must be after start date"}}
	}
	return nil
}
