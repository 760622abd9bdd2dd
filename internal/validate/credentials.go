// Package validate holds the pure format checks applied to login inputs
// before anything is sent to the platform.
package validate

import (
	"regexp"
	"strings"

	"groupcast/internal/model"
)

// Messages reported by Credentials. Each rule has exactly one message.
const (
	MsgAPIIDRequired    = "API ID is required"
	MsgAPIIDDigits      = "API ID must contain only digits"
	MsgAPIIDLength      = "API ID must be 6 to 8 digits long"
	MsgAPIHashRequired  = "API hash is required"
	MsgAPIHashFormat    = "API hash must be 32 lowercase hexadecimal characters"
	MsgPhoneRequired    = "phone number is required"
	MsgPhoneFormat      = "phone number must be + followed by 10 to 15 digits"
	MsgCodeFormat       = "code must be exactly 5 digits"
	MsgPasswordRequired = "password is required"
)

const (
	apiIDMinLen = 6
	apiIDMaxLen = 8
)

var (
	reDigits  = regexp.MustCompile(`^\d+$`)
	reAPIHash = regexp.MustCompile(`^[a-f0-9]{32}$`)
	rePhone   = regexp.MustCompile(`^\+\d{10,15}$`)
	reCode    = regexp.MustCompile(`^\d{5}$`)
)

// Result is the outcome of Credentials. Errors keeps rule order: api id,
// api hash, phone number.
type Result struct {
	OK     bool
	Errors []string
}

// Credentials checks every rule and collects all violations. An empty field
// only reports its "required" message.
func Credentials(c model.Credentials) Result {
	var errs []string

	switch {
	case c.APIID == "":
		errs = append(errs, MsgAPIIDRequired)
	default:
		if !reDigits.MatchString(c.APIID) {
			errs = append(errs, MsgAPIIDDigits)
		}
		if n := len(c.APIID); n < apiIDMinLen || n > apiIDMaxLen {
			errs = append(errs, MsgAPIIDLength)
		}
	}

	switch {
	case c.APIHash == "":
		errs = append(errs, MsgAPIHashRequired)
	case !reAPIHash.MatchString(c.APIHash):
		errs = append(errs, MsgAPIHashFormat)
	}

	switch {
	case c.PhoneNumber == "":
		errs = append(errs, MsgPhoneRequired)
	case !rePhone.MatchString(c.PhoneNumber):
		errs = append(errs, MsgPhoneFormat)
	}

	return Result{OK: len(errs) == 0, Errors: errs}
}

// Code reports whether code has the shape of a login code.
func Code(code string) bool { return reCode.MatchString(code) }

// Password reports whether a second-factor password may be submitted.
func Password(password string) bool { return password != "" }

// NormalizePhone keeps only digits and prefixes a single "+". It never fails:
// input without any digit normalizes to "+", which Credentials rejects.
func NormalizePhone(raw string) string {
	var b strings.Builder
	b.Grow(len(raw) + 1)
	b.WriteByte('+')
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
