package registration

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Session is the authority-owned record of a verification attempt. It is
// read-only on this side: the authority allocates the id, tracks attempt
// timing, and is the only writer of the verified flag.
type Session struct {
	ID                      []byte
	Number                  string
	Verified                bool
	NextSms                 *time.Time
	NextVoiceCall           *time.Time
	NextVerificationAttempt *time.Time
	ExpirationSeconds       int64
}

// EncodedID renders the raw session id the way it appears in URLs and
// store keys: URL-safe base64 without padding.
func (s *Session) EncodedID() string {
	return EncodeSessionID(s.ID)
}

// EncodeSessionID renders a raw session id as URL-safe base64 without
// padding.
func EncodeSessionID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// DecodeSessionID reverses EncodedID. Callers translate a failure here
// into an unprocessable-entity response, never a not-found.
func DecodeSessionID(encoded string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(encoded)
}

// Transport selects the delivery channel for a verification code.
type Transport string

const (
	TransportSms   Transport = "sms"
	TransportVoice Transport = "voice"
)

// ParseTransport validates a client-supplied transport value.
func ParseTransport(value string) (Transport, error) {
	switch Transport(value) {
	case TransportSms:
		return TransportSms, nil
	case TransportVoice:
		return TransportVoice, nil
	default:
		return "", fmt.Errorf("unknown transport %q", value)
	}
}

// ClientType tells the authority what kind of client is asking for a
// code, which feeds its delivery heuristics.
type ClientType string

const (
	ClientTypeIOS               ClientType = "ios"
	ClientTypeAndroidWithFCM    ClientType = "android-with-fcm"
	ClientTypeAndroidWithoutFCM ClientType = "android-without-fcm"
	ClientTypeUnknown           ClientType = "unknown"
)

// sessionDocument is the authority's wire form of a Session.
type sessionDocument struct {
	ID                      string     `json:"id"`
	Number                  string     `json:"number"`
	Verified                bool       `json:"verified"`
	NextSms                 *time.Time `json:"nextSms"`
	NextVoiceCall           *time.Time `json:"nextVoiceCall"`
	NextVerificationAttempt *time.Time `json:"nextVerificationAttempt"`
	ExpirationSeconds       int64      `json:"expirationSeconds"`
}

func (d *sessionDocument) toSession() (*Session, error) {
	id, err := DecodeSessionID(d.ID)
	if err != nil {
		return nil, fmt.Errorf("decoding session id: %w", err)
	}
	return &Session{
		ID:                      id,
		Number:                  d.Number,
		Verified:                d.Verified,
		NextSms:                 d.NextSms,
		NextVoiceCall:           d.NextVoiceCall,
		NextVerificationAttempt: d.NextVerificationAttempt,
		ExpirationSeconds:       d.ExpirationSeconds,
	}, nil
}
