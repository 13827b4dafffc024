package intake

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/carebridge-health/intake-engine/internal/workflow"
)

// Normalization of loosely-structured, call-derived fields into canonical
// API-ready values. Everything in this file is a pure function.

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
}

// ParseDate accepts ISO, US slash/dash, and month-name formats.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("intake: empty date")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("intake: unparseable date %q", value)
}

// FormatDateAthena renders a date the way the scheduling API expects.
func FormatDateAthena(t time.Time) string {
	return t.Format("01/02/2006")
}

// NormalizeDate is the round trip used for birth dates: any accepted input
// format comes out as MM/DD/YYYY.
func NormalizeDate(value string) (string, error) {
	t, err := ParseDate(value)
	if err != nil {
		return "", err
	}
	return FormatDateAthena(t), nil
}

var digitWords = map[string]byte{
	"zero": '0', "oh": '0', "o": '0',
	"one": '1', "two": '2', "three": '3', "four": '4',
	"five": '5', "six": '6', "seven": '7', "eight": '8', "nine": '9',
}

// DigitsFromWords converts verbal numbers ("seven oh two five...") into a
// digit string, keeping any literal digits encountered along the way.
func DigitsFromWords(value string) string {
	var b strings.Builder
	for _, token := range strings.Fields(strings.ToLower(value)) {
		token = strings.Trim(token, ".,;:-")
		if d, ok := digitWords[token]; ok {
			b.WriteByte(d)
			continue
		}
		for _, r := range token {
			if unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// CleanPhone normalizes to a bare 10-digit NANP number. An 11-digit value
// with a leading 1 loses the country code. Values that violate NANP
// digit-position rules (area code and exchange must start with 2-9) come back
// empty rather than wrong.
func CleanPhone(value string) string {
	digits := DigitsFromWords(value)
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return ""
	}
	if digits[0] < '2' || digits[3] < '2' {
		return ""
	}
	return digits
}

var stateCodes = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR",
	"california": "CA", "colorado": "CO", "connecticut": "CT", "delaware": "DE",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID",
	"illinois": "IL", "indiana": "IN", "iowa": "IA", "kansas": "KS",
	"kentucky": "KY", "louisiana": "LA", "maine": "ME", "maryland": "MD",
	"massachusetts": "MA", "michigan": "MI", "minnesota": "MN", "mississippi": "MS",
	"missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM", "new york": "NY",
	"north carolina": "NC", "north dakota": "ND", "ohio": "OH", "oklahoma": "OK",
	"oregon": "OR", "pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC",
	"south dakota": "SD", "tennessee": "TN", "texas": "TX", "utah": "UT",
	"vermont": "VT", "virginia": "VA", "washington": "WA", "west virginia": "WV",
	"wisconsin": "WI", "wyoming": "WY", "district of columbia": "DC",
}

// NormalizeState maps full state names (or already-valid codes) to USPS codes.
func NormalizeState(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if code, ok := stateCodes[strings.ToLower(value)]; ok {
		return code
	}
	upper := strings.ToUpper(value)
	if len(upper) == 2 {
		for _, code := range stateCodes {
			if code == upper {
				return upper
			}
		}
	}
	return ""
}

// CleanZip keeps the leading five digits of a spoken or typed zip code.
func CleanZip(value string) string {
	digits := DigitsFromWords(value)
	if len(digits) < 5 {
		return ""
	}
	return digits[:5]
}

// NormalizeSex maps free-text sex values to the single-letter codes the
// scheduling API accepts.
func NormalizeSex(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "m", "male":
		return "M"
	case "f", "female":
		return "F"
	default:
		return ""
	}
}

// BuildAddress joins a spoken house number and street into one address line.
func BuildAddress(houseNumber, street string) string {
	houseNumber = strings.TrimSpace(houseNumber)
	street = strings.TrimSpace(street)
	if digits := DigitsFromWords(houseNumber); digits != "" {
		houseNumber = digits
	}
	switch {
	case houseNumber == "":
		return street
	case street == "":
		return houseNumber
	default:
		return houseNumber + " " + street
	}
}

// ValidateForEnqueue is the producer-side gate: a record needs a name pair
// and a parseable birth date before it may enter the queue. Everything else
// is validated downstream by the stages.
func ValidateForEnqueue(payload Payload) error {
	if strings.TrimSpace(payload.FirstName) == "" {
		return workflow.NewValidationError("first_name", "required")
	}
	if strings.TrimSpace(payload.LastName) == "" {
		return workflow.NewValidationError("last_name", "required")
	}
	if _, err := ParseDate(payload.DateOfBirth); err != nil {
		return workflow.NewValidationError("date_of_birth", "missing or unparseable")
	}
	return nil
}

// ValidateForCreation is the patient-creation stage gate: name, birth date,
// and at least one contact method among email, phone, and postal code.
func ValidateForCreation(payload Payload) error {
	if err := ValidateForEnqueue(payload); err != nil {
		return err
	}
	if payload.Email == "" && payload.Phone == "" && payload.Zip == "" {
		return workflow.NewValidationError("contact", "at least one of email, phone, zip required")
	}
	return nil
}
