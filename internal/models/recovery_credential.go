package models

// RecoveryCredential caches a bcrypt hash of the recovery secret an
// account established after its last successful verification. The hash
// is invalidated whenever the authority reports the account's session
// verified again.
type RecoveryCredential struct {
	BaseModel
	Number         string `json:"number" gorm:"type:varchar(128);uniqueIndex;not null"`
	CredentialHash string `json:"-" gorm:"type:text;not null"`
}

func (RecoveryCredential) TableName() string {
	return "recovery_credentials"
}
