package importer

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"

	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/models"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultIDPattern   = `^S\d{4,}$`
	DefaultMinAge      = 3
	DefaultMaxAge      = 19
	DefaultPhoneRegion = "US"
)

// serialEpoch is day zero of spreadsheet date serials.
var serialEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// maxSerial is 9999-12-31.
const maxSerial = 2958465

// Options tunes row validation.
type Options struct {
	IDPattern   string
	MinAge      int
	MaxAge      int
	PhoneRegion string
}

func (o Options) withDefaults() Options {
	if o.IDPattern == "" {
		o.IDPattern = DefaultIDPattern
	}
	if o.MinAge == 0 && o.MaxAge == 0 {
		o.MinAge, o.MaxAge = DefaultMinAge, DefaultMaxAge
	}
	if o.PhoneRegion == "" {
		o.PhoneRegion = DefaultPhoneRegion
	}
	return o
}

// candidate carries the required-field rules for one row.
type candidate struct {
	ChildID     string `validate:"required,childid"`
	FirstName   string `validate:"required,max=100"`
	LastName    string `validate:"required,max=100"`
	DateOfBirth string `validate:"required"`
	Grade       string `validate:"omitempty,max=32"`
}

var fieldLabels = map[string]string{
	"ChildID":     "Child ID",
	"FirstName":   "First Name",
	"LastName":    "Last Name",
	"DateOfBirth": "Date of Birth",
	"Grade":       "Grade",
}

type rules struct {
	validate  *validator.Validate
	idPattern *regexp.Regexp
	opts      Options
}

func newRules(opts Options) (*rules, error) {
	opts = opts.withDefaults()
	if opts.MinAge < 0 || opts.MaxAge < opts.MinAge {
		return nil, apperrors.Newf(apperrors.ErrConfigInvalid, "invalid age range %d-%d", opts.MinAge, opts.MaxAge)
	}
	re, err := regexp.Compile(opts.IDPattern)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "compile id pattern", err)
	}

	v := validator.New()
	if err := v.RegisterValidation("childid", func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "register id rule", err)
	}
	return &rules{validate: v, idPattern: re, opts: opts}, nil
}

// check validates one extracted row. A nil record means the row failed.
func (r *rules) check(ext extracted, now time.Time) (*models.ChildRecord, []string, []string) {
	c := candidate{
		ChildID:     ext[fieldChildID],
		FirstName:   ext[fieldFirstName],
		LastName:    ext[fieldLastName],
		DateOfBirth: ext[fieldDOB],
		Grade:       ext[fieldGrade],
	}

	var errs, warnings []string
	if err := r.validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, []string{err.Error()}, nil
		}
		for _, fe := range verrs {
			errs = append(errs, r.message(fe))
		}
	}

	var dob time.Time
	if c.DateOfBirth != "" {
		parsed, err := parseDOB(c.DateOfBirth)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Date of Birth %q is not an ISO date or day count", c.DateOfBirth))
		}
		dob = parsed
	}
	if len(errs) > 0 {
		return nil, errs, nil
	}

	if age := ageAt(dob, now); age < r.opts.MinAge || age > r.opts.MaxAge {
		warnings = append(warnings, fmt.Sprintf("Age %d is outside the expected screening range %d-%d", age, r.opts.MinAge, r.opts.MaxAge))
	}

	contact := ext[fieldGuardian]
	if contact != "" {
		normalized, warning := r.checkGuardian(contact)
		if warning != "" {
			warnings = append(warnings, warning)
		}
		contact = normalized
	}

	return &models.ChildRecord{
		ChildID:         c.ChildID,
		FirstName:       c.FirstName,
		LastName:        c.LastName,
		DateOfBirth:     dob.Format(models.DateLayout),
		Grade:           c.Grade,
		GuardianContact: contact,
	}, nil, warnings
}

func (r *rules) message(fe validator.FieldError) string {
	label := fieldLabels[fe.Field()]
	if label == "" {
		label = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return label + " is required"
	case "childid":
		return fmt.Sprintf("%s %q does not match %s", label, fe.Value(), r.idPattern.String())
	case "max":
		return fmt.Sprintf("%s is longer than %s characters", label, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", label, fe.Tag())
}

// checkGuardian returns the contact in canonical form, plus a warning when
// it is neither a valid email address nor a valid phone number.
func (r *rules) checkGuardian(contact string) (string, string) {
	if strings.Contains(contact, "@") {
		if err := r.validate.Var(contact, "email"); err != nil {
			return contact, fmt.Sprintf("Guardian contact %q is not a valid email address", contact)
		}
		return strings.ToLower(contact), ""
	}

	num, err := libphonenumber.Parse(contact, r.opts.PhoneRegion)
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return contact, fmt.Sprintf("Guardian contact %q is not a valid phone number", contact)
	}
	return libphonenumber.Format(num, libphonenumber.E164), ""
}

// parseDOB accepts an ISO calendar date, an ISO timestamp, or a spreadsheet
// day serial.
func parseDOB(s string) (time.Time, error) {
	if t, err := time.Parse(models.DateLayout, s); err == nil {
		return t, nil
	}
	if len(s) > len(models.DateLayout) && s[len(models.DateLayout)] == 'T' {
		if t, err := time.Parse(models.DateLayout, s[:len(models.DateLayout)]); err == nil {
			return t, nil
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	if math.IsNaN(n) || n < 1 || n > maxSerial {
		return time.Time{}, fmt.Errorf("day count %v out of range", n)
	}
	return serialEpoch.AddDate(0, 0, int(math.Floor(n))), nil
}

// ageAt returns completed years between dob and now.
func ageAt(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	return years
}
