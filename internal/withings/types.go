package withings

import "time"

// MeasureType identifies a kind of wellness measurement.
type MeasureType string

const (
	TypeWeight     MeasureType = "weight"      // kilograms
	TypeBodyFat    MeasureType = "body_fat"    // percent
	TypeDiastolic  MeasureType = "diastolic"   // mmHg
	TypeSystolic   MeasureType = "systolic"    // mmHg
	TypeBodyTemp   MeasureType = "body_temp"   // degrees Celsius
	TypeMuscleMass MeasureType = "muscle_mass" // kilograms
)

// Withings wire codes for the measurement types this tool syncs.
// Codes 71 (body) and 73 (skin) both map to body temperature.
const (
	codeWeight     = 1
	codeFatRatio   = 6
	codeDiastolic  = 9
	codeSystolic   = 10
	codeBodyTemp   = 71
	codeSkinTemp   = 73
	codeMuscleMass = 76
)

// measTypesParam is the meastypes filter sent on every getmeas request.
const measTypesParam = "1,6,9,10,71,73,76"

func measureTypeFromCode(code int) (MeasureType, bool) {
	switch code {
	case codeWeight:
		return TypeWeight, true
	case codeFatRatio:
		return TypeBodyFat, true
	case codeDiastolic:
		return TypeDiastolic, true
	case codeSystolic:
		return TypeSystolic, true
	case codeBodyTemp, codeSkinTemp:
		return TypeBodyTemp, true
	case codeMuscleMass:
		return TypeMuscleMass, true
	}
	return "", false
}

// Measurement is a single decoded measurement attributed to a calendar day.
type Measurement struct {
	Day   string // YYYY-MM-DD, local time of the measurement group
	Type  MeasureType
	Value float64
}

// Token holds the OAuth2 credentials issued by Withings.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ExpiresWithin reports whether the access token expires before now+margin.
func (t Token) ExpiresWithin(margin time.Duration) bool {
	return !t.ExpiresAt.After(time.Now().Add(margin))
}
