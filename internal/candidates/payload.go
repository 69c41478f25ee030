package candidates

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// DateLayout is the wire format for sub-record dates.
const DateLayout = "2006-01-02"

var errTrailingPayloadData = errors.New("candidates: unexpected data after payload object")

// Optional is a string that is either present (Some) or absent (None). Missing keys,
// JSON null, "" and whitespace-only strings all decode to None; this is the only place
// where that rule lives.
type Optional struct {
	value   string
	present bool
}

// Some returns a present value.
func Some(value string) Optional {
	return OptionalOf(value)
}

// None returns an absent value.
func None() Optional {
	return Optional{}
}

// OptionalOf trims raw and maps empty input to None.
func OptionalOf(raw string) Optional {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Optional{}
	}
	return Optional{value: trimmed, present: true}
}

// Get returns the value and whether it is present.
func (o Optional) Get() (string, bool) {
	return o.value, o.present
}

// Present reports whether a value is set.
func (o Optional) Present() bool {
	return o.present
}

// Ptr returns nil for None.
func (o Optional) Ptr() *string {
	if !o.present {
		return nil
	}
	value := o.value
	return &value
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Optional) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = None()
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = OptionalOf(raw)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o Optional) MarshalJSON() ([]byte, error) {
	if !o.present {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// Payload is the structured part of a submission.
type Payload struct {
	FirstName    string            `json:"firstName"`
	LastName     string            `json:"lastName"`
	Email        string            `json:"email"`
	Phone        string            `json:"phone"`
	Address      Optional          `json:"address"`
	LinkedInURL  Optional          `json:"linkedinUrl"`
	PortfolioURL Optional          `json:"portfolioUrl"`
	Education    []EducationEntry  `json:"education"`
	Experience   []ExperienceEntry `json:"experience"`
}

// EducationEntry is one submitted education sub-record.
type EducationEntry struct {
	Institution  string   `json:"institution"`
	Degree       string   `json:"degree"`
	FieldOfStudy Optional `json:"fieldOfStudy"`
	StartDate    string   `json:"startDate"`
	EndDate      Optional `json:"endDate"`
	Ongoing      bool     `json:"ongoing"`
}

// ExperienceEntry is one submitted work history sub-record.
type ExperienceEntry struct {
	Company     string   `json:"company"`
	Position    string   `json:"position"`
	Description Optional `json:"description"`
	StartDate   string   `json:"startDate"`
	EndDate     Optional `json:"endDate"`
	Ongoing     bool     `json:"ongoing"`
}

// DecodePayload strictly decodes one JSON object and trims required text fields.
func DecodePayload(reader io.Reader) (Payload, error) {
	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()

	var payload Payload
	if err := decoder.Decode(&payload); err != nil {
		return Payload{}, fmt.Errorf("candidates: decoding payload: %w", err)
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return Payload{}, errTrailingPayloadData
	}

	payload.FirstName = strings.TrimSpace(payload.FirstName)
	payload.LastName = strings.TrimSpace(payload.LastName)
	payload.Email = strings.TrimSpace(payload.Email)
	payload.Phone = strings.TrimSpace(payload.Phone)
	for index := range payload.Education {
		entry := &payload.Education[index]
		entry.Institution = strings.TrimSpace(entry.Institution)
		entry.Degree = strings.TrimSpace(entry.Degree)
		entry.StartDate = strings.TrimSpace(entry.StartDate)
	}
	for index := range payload.Experience {
		entry := &payload.Experience[index]
		entry.Company = strings.TrimSpace(entry.Company)
		entry.Position = strings.TrimSpace(entry.Position)
		entry.StartDate = strings.TrimSpace(entry.StartDate)
	}
	return payload, nil
}

// NormalizeEmail is the canonical form used for uniqueness.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ParseDate parses a DateLayout date as UTC midnight.
func ParseDate(raw string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, strings.TrimSpace(raw), time.UTC)
}
