package settings

import "time"

// Setting is an admin-editable configuration row. Sensitive values are stored
// as ciphertext (Encrypted=true) and only ever decrypted inside the Store.
type Setting struct {
	Key       string    `gorm:"type:varchar(64);primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	Encrypted bool      `gorm:"not null"`
	UpdatedAt time.Time `gorm:"type:datetime(3);not null"`
}

func (Setting) TableName() string { return "settings" }

// Known keys. Set silently ignores anything outside this list.
const (
	KeyCardEnabled       = "CARD_ENABLED"
	KeyCardSecretKey     = "CARD_SECRET_KEY"
	KeyCardWebhookSecret = "CARD_WEBHOOK_SECRET"
	KeyCardAPIBase       = "CARD_API_BASE"

	KeyWalletEnabled      = "WALLET_ENABLED"
	KeyWalletClientID     = "WALLET_CLIENT_ID"
	KeyWalletClientSecret = "WALLET_CLIENT_SECRET"
	KeyWalletWebhookID    = "WALLET_WEBHOOK_ID"
	KeyWalletAPIBase      = "WALLET_API_BASE"

	KeyPlatformFeePercent = "PLATFORM_FEE_PERCENT"
	KeyPaymentsBaseURL    = "PAYMENTS_BASE_URL"
)

var allowedKeys = map[string]bool{
	KeyCardEnabled:        true,
	KeyCardSecretKey:      true,
	KeyCardWebhookSecret:  true,
	KeyCardAPIBase:        true,
	KeyWalletEnabled:      true,
	KeyWalletClientID:     true,
	KeyWalletClientSecret: true,
	KeyWalletWebhookID:    true,
	KeyWalletAPIBase:      true,
	KeyPlatformFeePercent: true,
	KeyPaymentsBaseURL:    true,
}

// sensitiveKeys are always stored encrypted and never echoed back in plaintext.
var sensitiveKeys = map[string]bool{
	KeyCardSecretKey:      true,
	KeyCardWebhookSecret:  true,
	KeyWalletClientSecret: true,
}

// defaults answer when a key is absent from storage and the environment.
var defaults = map[string]string{
	KeyPlatformFeePercent: "5",
	KeyCardEnabled:        "false",
	KeyWalletEnabled:      "false",
}

func IsAllowed(key string) bool   { return allowedKeys[key] }
func IsSensitive(key string) bool { return sensitiveKeys[key] }

// AllowedKeys returns the editable keys in a stable order for the admin listing.
func AllowedKeys() []string {
	return []string{
		KeyCardEnabled,
		KeyCardSecretKey,
		KeyCardWebhookSecret,
		KeyCardAPIBase,
		KeyWalletEnabled,
		KeyWalletClientID,
		KeyWalletClientSecret,
		KeyWalletWebhookID,
		KeyWalletAPIBase,
		KeyPlatformFeePercent,
		KeyPaymentsBaseURL,
	}
}
