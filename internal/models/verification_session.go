package models

import "time"

// Information is a requirement the client must satisfy before it may
// request a verification code.
type Information string

const (
	InformationPushChallenge Information = "pushChallenge"
	InformationCaptcha       Information = "captcha"
)

// VerificationSession tracks challenge progress for one authority
// session. The authority owns session identity and the verified flag;
// this record only ever holds the locally-issued challenge state.
//
// RequestedInformation and SubmittedInformation stay disjoint: a
// satisfied requirement moves from the former to the latter and never
// returns. AllowedToRequestCode is recomputed from the requested set
// after every transition.
type VerificationSession struct {
	BaseModel
	EncodedSessionID        string        `json:"encodedSessionId" gorm:"type:varchar(64);uniqueIndex;not null"`
	PushChallenge           string        `json:"-" gorm:"type:varchar(64)"`
	RequestedInformation    []Information `json:"requestedInformation" gorm:"type:jsonb;serializer:json"`
	SubmittedInformation    []Information `json:"-" gorm:"type:jsonb;serializer:json"`
	AllowedToRequestCode    bool          `json:"allowedToRequestCode" gorm:"not null;default:false"`
	RemoteExpirationSeconds int64         `json:"-" gorm:"not null;default:0"`
	ExpiresAt               *time.Time    `json:"-" gorm:"index"`
}

func (VerificationSession) TableName() string {
	return "verification_sessions"
}

func (s *VerificationSession) HasRequested(info Information) bool {
	for _, i := range s.RequestedInformation {
		if i == info {
			return true
		}
	}
	return false
}

func (s *VerificationSession) HasSubmitted(info Information) bool {
	for _, i := range s.SubmittedInformation {
		if i == info {
			return true
		}
	}
	return false
}

// RequestInformation puts info at the front of the requested set: the
// first-requested requirement is the first one clients should resolve.
func (s *VerificationSession) RequestInformation(info Information) {
	if s.HasRequested(info) {
		return
	}
	s.RequestedInformation = append([]Information{info}, s.RequestedInformation...)
}

// SubmitInformation records info as satisfied, removing it from the
// requested set. Submitted entries are never removed.
func (s *VerificationSession) SubmitInformation(info Information) {
	s.RemoveRequested(info)
	if !s.HasSubmitted(info) {
		s.SubmittedInformation = append(s.SubmittedInformation, info)
	}
}

func (s *VerificationSession) RemoveRequested(info Information) {
	for i, r := range s.RequestedInformation {
		if r == info {
			s.RequestedInformation = append(s.RequestedInformation[:i], s.RequestedInformation[i+1:]...)
			return
		}
	}
}

// RecomputeAllowed re-evaluates the code-request gate: the client may
// request a code exactly when nothing is outstanding.
func (s *VerificationSession) RecomputeAllowed() {
	s.AllowedToRequestCode = len(s.RequestedInformation) == 0
}
