package redcap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/studyreports/apiserver/types"
)

// REDCap field names read by the adapter.
const (
	fieldEmail            = "email"
	fieldUserGroup        = "data_access_group"
	fieldRecordID         = "record_id"
	fieldPID              = "pid"
	fieldParticipantGroup = "redcap_data_access_group"
	fieldSite             = "site"
	fieldDateScreening    = "date_screening"
	fieldMobile           = "mobile"
	fieldDOB              = "dob"
	fieldEventName        = "redcap_event_name"
)

// participantFields is the field list requested from record exports.
// The access group column is added by exportDataAccessGroups.
var participantFields = []string{
	fieldRecordID,
	fieldPID,
	fieldSite,
	fieldDateScreening,
	fieldEmail,
	fieldMobile,
	fieldDOB,
}

// rawRecord is one flat REDCap record with every value rendered as text.
type rawRecord map[string]string

// value returns the trimmed value of field, or nil when it is blank or absent.
func (r rawRecord) value(field string) *string {
	v := strings.TrimSpace(r[field])
	if v == "" {
		return nil
	}
	return &v
}

func (r rawRecord) lower(field string) *string {
	v := r.value(field)
	if v == nil {
		return nil
	}
	l := strings.ToLower(*v)
	return &l
}

func decodeRecords(body io.Reader) ([]rawRecord, error) {
	var payload []map[string]any
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	records := make([]rawRecord, len(payload))
	for i, item := range payload {
		record := make(rawRecord, len(item))
		for key, value := range item {
			switch v := value.(type) {
			case nil:
				record[key] = ""
			case string:
				record[key] = v
			case float64:
				record[key] = strconv.FormatFloat(v, 'f', -1, 64)
			case bool:
				record[key] = strconv.FormatBool(v)
			default:
				return nil, fmt.Errorf("record %d: field %q is not a flat value", i, key)
			}
		}
		records[i] = record
	}
	return records, nil
}

// mergeEvents folds the rows a longitudinal project returns for each record,
// one per event, into a single row. For every field the first non-blank value
// in export order wins. Records keep the order of their first row and rows
// without a record id are passed through untouched.
func mergeEvents(rows []rawRecord) []rawRecord {
	merged := make([]rawRecord, 0, len(rows))
	index := make(map[string]int, len(rows))
	for _, row := range rows {
		id := row.value(fieldRecordID)
		if id == nil {
			merged = append(merged, row)
			continue
		}
		i, ok := index[*id]
		if !ok {
			index[*id] = len(merged)
			first := make(rawRecord, len(row))
			for key, value := range row {
				if key != fieldEventName {
					first[key] = value
				}
			}
			merged = append(merged, first)
			continue
		}
		for key, value := range row {
			if key == fieldEventName || strings.TrimSpace(value) == "" {
				continue
			}
			if strings.TrimSpace(merged[i][key]) == "" {
				merged[i][key] = value
			}
		}
	}
	return merged
}

type userRecord struct {
	Email       string `redcap:"email" validate:"required,email"`
	AccessGroup string `redcap:"data_access_group" validate:"required,accessgroup"`
}

func newUserRecord(raw rawRecord) userRecord {
	rec := userRecord{AccessGroup: types.AccessGroupUnrestricted}
	if email := raw.lower(fieldEmail); email != nil {
		rec.Email = *email
	}
	if group := raw.lower(fieldUserGroup); group != nil {
		rec.AccessGroup = *group
	}
	return rec
}

func (r userRecord) user() types.User {
	return types.User{Email: r.Email, AccessGroup: r.AccessGroup}
}

type participantRecord struct {
	RecordID      string  `redcap:"record_id" validate:"required"`
	PID           string  `redcap:"pid" validate:"required"`
	AccessGroup   *string `redcap:"redcap_data_access_group" validate:"omitempty,accessgroup"`
	Site          *string `redcap:"site"`
	DateScreening *string `redcap:"date_screening" validate:"omitempty,datetime=2006-01-02"`
	Email         *string `redcap:"email" validate:"omitempty,email"`
	Mobile        *string `redcap:"mobile"`
	DOB           *string `redcap:"dob" validate:"omitempty,datetime=2006-01-02"`
}

func newParticipantRecord(raw rawRecord) participantRecord {
	rec := participantRecord{
		AccessGroup:   raw.lower(fieldParticipantGroup),
		Site:          raw.value(fieldSite),
		DateScreening: raw.value(fieldDateScreening),
		Email:         raw.lower(fieldEmail),
		Mobile:        raw.value(fieldMobile),
		DOB:           raw.value(fieldDOB),
	}
	if id := raw.value(fieldRecordID); id != nil {
		rec.RecordID = *id
	}
	if pid := raw.value(fieldPID); pid != nil {
		rec.PID = *pid
	}
	return rec
}

// participant converts a validated record. Dates were checked by validation.
func (r participantRecord) participant(year int) types.Participant {
	return types.Participant{
		RecordID:      r.RecordID,
		PID:           r.PID,
		Year:          year,
		AccessGroup:   r.AccessGroup,
		Site:          r.Site,
		DateScreening: parseDate(r.DateScreening),
		Email:         r.Email,
		Mobile:        r.Mobile,
		DOB:           parseDate(r.DOB),
	}
}

func parseDate(v *string) *time.Time {
	if v == nil {
		return nil
	}
	t, err := time.Parse(time.DateOnly, *v)
	if err != nil {
		return nil
	}
	return &t
}

// newValidator builds a validator that knows the configured access groups
// and reports REDCap field names.
func newValidator(accessGroups []string) *validator.Validate {
	groups := make(map[string]bool, len(accessGroups))
	for _, g := range accessGroups {
		groups[strings.ToLower(g)] = true
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		if name := field.Tag.Get("redcap"); name != "" {
			return name
		}
		return field.Name
	})
	_ = v.RegisterValidation("accessgroup", func(fl validator.FieldLevel) bool {
		return groups[fl.Field().String()]
	})
	return v
}

// fieldErrors flattens validator output. Any other error is returned as is.
func fieldErrors(err error) ([]FieldError, error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, err
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out = append(out, FieldError{
			Field: fe.Field(),
			Rule:  rule,
			Value: displayValue(fe.Value()),
		})
	}
	return out, nil
}

func displayValue(v any) string {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return ""
	}
	return fmt.Sprint(rv.Interface())
}
