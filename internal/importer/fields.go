package importer

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Row is one source record keyed by its header cell.
type Row map[string]string

// field is a logical import column.
type field string

const (
	fieldChildID   field = "child_id"
	fieldFirstName field = "first_name"
	fieldLastName  field = "last_name"
	fieldFullName  field = "full_name"
	fieldDOB       field = "date_of_birth"
	fieldGrade     field = "grade"
	fieldGuardian  field = "guardian_contact"
)

// aliases lists accepted header spellings per field. Order matters: the
// first alias carrying a value wins.
var aliases = map[field][]string{
	fieldChildID:   {"Child ID", "child_id", "Student ID", "ID"},
	fieldFirstName: {"First Name", "first_name", "FirstName", "Given Name"},
	fieldLastName:  {"Last Name", "last_name", "LastName", "Surname", "Family Name"},
	fieldFullName:  {"Name", "Full Name", "Student Name"},
	fieldDOB:       {"Date of Birth", "DOB", "date_of_birth", "Birth Date", "Birthdate"},
	fieldGrade:     {"Grade", "grade", "Class", "Year Group"},
	fieldGuardian:  {"Guardian Contact", "guardian_contact", "Parent Phone", "Guardian Phone", "Parent Email"},
}

// foldHeader normalizes a header for caseless comparison. Casers carry
// state, so each call gets its own.
func foldHeader(h string) string {
	return cases.Fold().String(strings.TrimSpace(norm.NFC.String(h)))
}

// extracted holds the raw text of each logical field for one row.
type extracted map[field]string

// extract resolves row values through the alias table, matching headers
// case-insensitively.
func extract(row Row) extracted {
	folded := make(map[string]string, len(row))
	for header, value := range row {
		key := foldHeader(header)
		if _, seen := folded[key]; seen && strings.TrimSpace(value) == "" {
			continue
		}
		folded[key] = value
	}

	out := make(extracted, len(aliases))
	for f, names := range aliases {
		for _, name := range names {
			v := strings.TrimSpace(folded[foldHeader(name)])
			if v != "" {
				out[f] = norm.NFC.String(v)
				break
			}
		}
	}

	if out[fieldFirstName] == "" && out[fieldLastName] == "" && out[fieldFullName] != "" {
		out[fieldFirstName], out[fieldLastName] = splitName(out[fieldFullName])
	}
	return out
}

// splitName splits a full name on its last space.
func splitName(full string) (first, last string) {
	full = strings.Join(strings.Fields(full), " ")
	i := strings.LastIndex(full, " ")
	if i < 0 {
		return full, ""
	}
	return full[:i], full[i+1:]
}
